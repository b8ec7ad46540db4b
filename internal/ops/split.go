package ops

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

const splitTextKind = "split_text"

// SplitTextSpec configures recursive text splitting: the text is cut
// at the coarsest separator that keeps chunks within ChunkSize bytes,
// falling back to finer separators and finally to a hard cut on rune
// boundaries.
type SplitTextSpec struct {
	ChunkSize int `json:"chunk_size"`
	// MinChunkSize merges a trailing fragment smaller than this into
	// the previous chunk. Zero keeps every fragment separate.
	MinChunkSize int `json:"min_chunk_size,omitempty"`
	// Separators overrides the default paragraph/line/space hierarchy.
	Separators []string `json:"separators,omitempty"`
}

// FunctionKind implements graph.FunctionSpec.
func (SplitTextSpec) FunctionKind() string { return splitTextKind }

var defaultSeparators = []string{"\n\n", "\n", " "}

type splitText struct {
	spec SplitTextSpec
}

func newSplitText(spec graph.FunctionSpec) (graph.FunctionExecutor, error) {
	s := spec.(SplitTextSpec)
	if s.ChunkSize <= 0 {
		return nil, fmt.Errorf("split_text: chunk_size must be positive")
	}
	if s.MinChunkSize < 0 || s.MinChunkSize > s.ChunkSize {
		return nil, fmt.Errorf("split_text: min_chunk_size must be in [0, chunk_size]")
	}
	return &splitText{spec: s}, nil
}

func (f *splitText) Analyze(args []value.Type) (value.Type, error) {
	if len(args) != 1 || args[0].Kind != value.KindString {
		return value.Type{}, fmt.Errorf("split_text: want one String argument")
	}
	return value.LTableType(
		value.TF("text", value.StringType()),
		value.TF("start", value.IntType()),
		value.TF("end", value.IntType()),
	), nil
}

func (f *splitText) Behavior() graph.FunctionBehavior {
	return graph.FunctionBehavior{Version: "1", CacheEnabled: true}
}

func (f *splitText) Call(ctx context.Context, args []value.Value) (value.Value, error) {
	text, ok := args[0].(value.String)
	if !ok {
		return nil, fmt.Errorf("split_text: want a String argument, got %T", args[0])
	}
	seps := f.spec.Separators
	if len(seps) == 0 {
		seps = defaultSeparators
	}
	chunks := splitRecursive(string(text), 0, f.spec.ChunkSize, seps)
	chunks = mergeSmallTail(chunks, f.spec.MinChunkSize)

	rows := make([]value.Row, 0, len(chunks))
	for i, c := range chunks {
		rows = append(rows, value.Row{
			Key: value.Int(i),
			Data: value.NewStruct(
				value.F("text", value.String(string(text)[c.start:c.end])),
				value.F("start", value.Int(c.start)),
				value.F("end", value.Int(c.end)),
			),
		})
	}
	return value.Table{Kind: value.LTableKind, Rows: rows}, nil
}

// span is a half-open byte range into the original text.
type span struct {
	start, end int
}

func splitRecursive(text string, base, chunkSize int, seps []string) []span {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= chunkSize {
		return []span{{start: base, end: base + len(text)}}
	}
	if len(seps) == 0 {
		return hardCut(text, base, chunkSize)
	}

	sep := seps[0]
	pieces := splitKeepOffsets(text, sep)
	if len(pieces) == 1 {
		return splitRecursive(text, base, chunkSize, seps[1:])
	}

	var out []span
	cur := span{start: -1}
	flush := func() {
		if cur.start >= 0 {
			out = append(out, span{start: base + cur.start, end: base + cur.end})
			cur = span{start: -1}
		}
	}
	for _, p := range pieces {
		if p.end-p.start > chunkSize {
			flush()
			out = append(out, splitRecursive(text[p.start:p.end], base+p.start, chunkSize, seps[1:])...)
			continue
		}
		if cur.start < 0 {
			cur = p
			continue
		}
		// Extending the current chunk includes the separator between
		// the pieces.
		if p.end-cur.start <= chunkSize {
			cur.end = p.end
			continue
		}
		flush()
		cur = p
	}
	flush()
	return out
}

// splitKeepOffsets splits on sep, returning piece ranges without the
// separators. Empty pieces (consecutive separators) are dropped.
func splitKeepOffsets(text, sep string) []span {
	var pieces []span
	offset := 0
	for {
		idx := strings.Index(text[offset:], sep)
		if idx < 0 {
			if offset < len(text) {
				pieces = append(pieces, span{start: offset, end: len(text)})
			}
			break
		}
		if idx > 0 {
			pieces = append(pieces, span{start: offset, end: offset + idx})
		}
		offset += idx + len(sep)
	}
	return pieces
}

// hardCut slices at chunkSize, backing off to a rune boundary so no
// chunk starts or ends mid-codepoint.
func hardCut(text string, base, chunkSize int) []span {
	var out []span
	for start := 0; start < len(text); {
		end := start + chunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			for end > start && !utf8.RuneStart(text[end]) {
				end--
			}
			if end == start {
				end = start + chunkSize // pathological: oversized rune
			}
		}
		out = append(out, span{start: base + start, end: base + end})
		start = end
	}
	return out
}

// mergeSmallTail folds an undersized final chunk into its neighbor;
// the merged chunk may exceed the chunk size by less than minSize.
func mergeSmallTail(chunks []span, minSize int) []span {
	if minSize <= 0 || len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	if last.end-last.start >= minSize {
		return chunks
	}
	prev := chunks[len(chunks)-2]
	merged := append(chunks[:len(chunks)-2:len(chunks)-2], span{start: prev.start, end: last.end})
	return merged
}
