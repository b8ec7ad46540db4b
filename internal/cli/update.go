package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/graph"
)

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flowFile string
		setup    bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run one incremental update cycle",
		Long: `Update lists every source, processes added and changed rows, retracts
deleted ones, and brings all targets up to date with the current
source state. Unchanged rows are skipped via their fingerprints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()
			if setup {
				if _, err := f.Setup(cmd.Context()); err != nil {
					return err
				}
			}
			stats, err := f.Update(cmd.Context())
			if err != nil {
				return err
			}
			return printUpdateStats(cmd.OutOrStdout(), rootOpts, f.Definition(), stats)
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	cmd.Flags().BoolVar(&setup, "setup", false, "run setup before updating")
	return cmd
}

func printUpdateStats(w io.Writer, opts *RootOptions, def *graph.Definition, stats *engine.UpdateStats) error {
	type jsonSource struct {
		Source    string `json:"source"`
		Processed int    `json:"processed"`
		Skipped   int    `json:"skipped"`
		Deleted   int    `json:"deleted"`
		Failed    int    `json:"failed"`
	}
	sources := make([]string, 0, len(def.Imports))
	for _, id := range def.Imports {
		sources = append(sources, def.Ops[id].Import.FieldName)
	}
	sort.Strings(sources)

	out := make([]jsonSource, 0, len(sources))
	for _, name := range sources {
		s := stats.Source(name)
		out = append(out, jsonSource{
			Source: name, Processed: s.Processed, Skipped: s.Skipped,
			Deleted: s.Deleted, Failed: s.Failed,
		})
	}
	return printResult(w, opts, out, func(w io.Writer) {
		for _, s := range out {
			fmt.Fprintf(w, "%s: %d processed, %d skipped, %d deleted, %d failed\n",
				s.Source, s.Processed, s.Skipped, s.Deleted, s.Failed)
		}
	})
}
