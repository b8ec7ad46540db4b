package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lagoonworks/silt/internal/compiler"
	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/registry"
)

// openFlow compiles the flow file and opens it against the environment
// from the settings. The returned closer releases both.
func openFlow(opts *RootOptions, flowFile string) (*engine.Flow, func() error, error) {
	if flowFile == "" {
		return nil, nil, fmt.Errorf("a flow file is required (-f)")
	}
	settings, err := LoadSettings(opts.Settings)
	if err != nil {
		return nil, nil, err
	}
	// The environment comes first so specs compiled below can reference
	// its auth entries.
	env, err := engine.NewEnvironment(settings.DataDir, registry.Default())
	if err != nil {
		return nil, nil, err
	}
	def, err := compiler.CompileFile(flowFile, registry.Default())
	if err != nil {
		env.Close()
		return nil, nil, fmt.Errorf("compile %s: %w", flowFile, err)
	}
	f, err := engine.OpenFlow(def, env)
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	closer := func() error {
		ferr := f.Close()
		if eerr := env.Close(); eerr != nil {
			return eerr
		}
		return ferr
	}
	return f, closer, nil
}

// printResult renders a command result as text or indented JSON.
func printResult(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
