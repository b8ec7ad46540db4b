package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lagoonworks/silt/internal/graph"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	var flowFile string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the compiled flow: sources, collectors, and targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()
			return printDefinition(cmd.OutOrStdout(), rootOpts, f.Definition())
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	return cmd
}

func printDefinition(w io.Writer, opts *RootOptions, def *graph.Definition) error {
	type jsonField struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	type jsonCollector struct {
		Name   string      `json:"name"`
		Fields []jsonField `json:"fields"`
	}
	type jsonExport struct {
		Target        string   `json:"target"`
		PersistentKey string   `json:"persistent_key"`
		Keys          []string `json:"keys"`
		SetupByUser   bool     `json:"setup_by_user,omitempty"`
	}
	type jsonFlow struct {
		Name       string          `json:"name"`
		Sources    []string        `json:"sources"`
		Collectors []jsonCollector `json:"collectors"`
		Exports    []jsonExport    `json:"exports"`
	}

	out := jsonFlow{Name: def.Name}
	for _, id := range def.Imports {
		out.Sources = append(out.Sources, def.Ops[id].Import.FieldName)
	}
	for _, c := range def.Collectors {
		jc := jsonCollector{Name: c.Name}
		for _, f := range c.Fields {
			jc.Fields = append(jc.Fields, jsonField{Name: f.Name, Type: f.Type.String()})
		}
		out.Collectors = append(out.Collectors, jc)
	}
	for _, id := range def.Exports {
		exp := def.Ops[id].Export
		out.Exports = append(out.Exports, jsonExport{
			Target:        exp.TargetName,
			PersistentKey: exp.PersistentKey,
			Keys:          exp.KeyFields,
			SetupByUser:   exp.SetupByUser,
		})
	}

	return printResult(w, opts, out, func(w io.Writer) {
		fmt.Fprintf(w, "flow %s\n", out.Name)
		for _, s := range out.Sources {
			fmt.Fprintf(w, "  source %s\n", s)
		}
		for _, c := range out.Collectors {
			fmt.Fprintf(w, "  collector %s\n", c.Name)
			for _, f := range c.Fields {
				fmt.Fprintf(w, "    %s: %s\n", f.Name, f.Type)
			}
		}
		for _, e := range out.Exports {
			suffix := ""
			if e.SetupByUser {
				suffix = " (setup by user)"
			}
			fmt.Fprintf(w, "  export %s -> %s%s\n", e.Target, e.PersistentKey, suffix)
		}
	})
}
