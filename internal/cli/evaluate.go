package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lagoonworks/silt/internal/engine"
)

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		flowFile string
		output   string
		useCache bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the flow and dump results without touching targets",
		Long: `Evaluate runs the flow's transformations over every source row and
writes the evaluated rows and collected entries as JSON files, one per
source. No target is mutated and no checkpoint is recorded.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()
			err = f.EvaluateAndDump(cmd.Context(), engine.DumpOptions{
				OutputDir: output,
				UseCache:  useCache,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote evaluation output to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory")
	cmd.Flags().BoolVar(&useCache, "use-cache", false, "reuse and fill the result cache")
	return cmd
}
