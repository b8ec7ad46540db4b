package ops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

const localFileKind = "localfile"

// LocalFileSpec configures a local-filesystem source: one row per file
// under Path, keyed by the slash-separated relative path.
type LocalFileSpec struct {
	Path string `json:"path"`
	// IncludePatterns are shell glob patterns matched against the
	// relative path and the base name. Empty means every file.
	IncludePatterns []string `json:"include_patterns,omitempty"`
	// ExcludePatterns take precedence over includes; a pattern matching
	// a directory prunes the whole subtree.
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	// Binary reads contents as raw bytes instead of a string.
	Binary bool `json:"binary,omitempty"`
}

// SourceKind implements graph.SourceSpec.
func (LocalFileSpec) SourceKind() string { return localFileKind }

type localFileSource struct {
	spec LocalFileSpec
}

func newLocalFileSource(spec graph.SourceSpec) (graph.SourceConnector, error) {
	s := spec.(LocalFileSpec)
	if s.Path == "" {
		return nil, fmt.Errorf("localfile: path is required")
	}
	for _, p := range append(append([]string{}, s.IncludePatterns...), s.ExcludePatterns...) {
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("localfile: bad pattern %q: %w", p, err)
		}
	}
	return &localFileSource{spec: s}, nil
}

func (s *localFileSource) Schema() graph.SourceSchema {
	contentType := value.StringType()
	if s.spec.Binary {
		contentType = value.BytesType()
	}
	return graph.SourceSchema{
		KeyField: value.TF("filename", value.StringType()),
		Fields: []value.TypeField{
			value.TF("content", contentType),
			value.TF("modified_time", value.TimeType()),
		},
	}
}

// List walks the root. The fingerprint covers size and mtime, so a
// touched-but-unchanged file re-lists as changed; the processor then
// re-reads it and target mutations absorb the identical result.
func (s *localFileSource) List(ctx context.Context) ([]graph.SourceRowMeta, error) {
	root := filepath.Clean(s.spec.Path)
	var metas []graph.SourceRowMeta
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && s.excluded(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.included(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		metas = append(metas, graph.SourceRowMeta{
			Key: value.String(rel),
			Fingerprint: value.FingerprintOf(value.NewStruct(
				value.F("path", value.String(rel)),
				value.F("size", value.Int(info.Size())),
				value.F("mtime", value.Time(info.ModTime())),
			)),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localfile: walk %s: %w", root, err)
	}
	return metas, nil
}

func (s *localFileSource) Read(ctx context.Context, key value.Value) (value.Struct, bool, error) {
	rel, ok := key.(value.String)
	if !ok {
		return value.Struct{}, false, fmt.Errorf("localfile: key must be a string, got %T", key)
	}
	full, err := s.resolve(string(rel))
	if err != nil {
		return value.Struct{}, false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Struct{}, false, nil
		}
		return value.Struct{}, false, fmt.Errorf("localfile: stat %s: %w", rel, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return value.Struct{}, false, nil
		}
		return value.Struct{}, false, fmt.Errorf("localfile: read %s: %w", rel, err)
	}
	var content value.Value
	if s.spec.Binary {
		content = value.Bytes(data)
	} else {
		content = value.String(data)
	}
	return value.NewStruct(
		value.F("content", content),
		value.F("modified_time", value.Time(info.ModTime())),
	), true, nil
}

// resolve maps a row key back to a file path, rejecting keys that
// escape the root. Keys can arrive from the tracking ledger, not only
// from our own List.
func (s *localFileSource) resolve(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) {
		return "", fmt.Errorf("localfile: invalid key %q", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("localfile: key %q escapes the source root", rel)
	}
	return filepath.Join(filepath.Clean(s.spec.Path), filepath.FromSlash(clean)), nil
}

func (s *localFileSource) included(rel string) bool {
	if s.excluded(rel) {
		return false
	}
	if len(s.spec.IncludePatterns) == 0 {
		return true
	}
	return matchAny(s.spec.IncludePatterns, rel)
}

func (s *localFileSource) excluded(rel string) bool {
	return matchAny(s.spec.ExcludePatterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	base := path.Base(rel)
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if ok, _ := path.Match(p, base); ok {
			return true
		}
	}
	return false
}
