package cli

import (
	"github.com/spf13/cobra"
)

// NewDropCommand creates the drop command.
func NewDropCommand(rootOpts *RootOptions) *cobra.Command {
	var flowFile string
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop all target state owned by the flow",
		Long: `Drop removes every recorded target resource of the flow from its
backend and purges the flow's tracking state. Targets marked
setup-by-user are left alone. Dropping a flow that was never set up is
a no-op.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()
			report, err := f.Drop(cmd.Context())
			if err != nil {
				return err
			}
			return printSetupReport(cmd.OutOrStdout(), rootOpts, report)
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	return cmd
}
