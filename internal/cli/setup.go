package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lagoonworks/silt/internal/engine"
)

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	var flowFile string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Reconcile target backends with the flow definition",
		Long: `Setup compares every export target and declaration of the flow with
its recorded state and applies the difference: creating missing
resources, updating changed ones, and dropping removed ones.
Re-running setup with no changes touches nothing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()
			report, err := f.Setup(cmd.Context())
			if err != nil {
				return err
			}
			return printSetupReport(cmd.OutOrStdout(), rootOpts, report)
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	return cmd
}

func printSetupReport(w io.Writer, opts *RootOptions, report *engine.SetupReport) error {
	type jsonAction struct {
		TargetKey   string `json:"target_key"`
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}
	actions := make([]jsonAction, 0, len(report.Actions))
	for _, a := range report.Actions {
		actions = append(actions, jsonAction{
			TargetKey:   a.TargetKey,
			Kind:        string(a.Kind),
			Description: a.Description,
		})
	}
	return printResult(w, opts, struct {
		Changed bool         `json:"changed"`
		Actions []jsonAction `json:"actions"`
	}{Changed: report.Changed(), Actions: actions}, func(w io.Writer) {
		if len(report.Actions) == 0 {
			fmt.Fprintln(w, "nothing to set up")
			return
		}
		for _, a := range report.Actions {
			fmt.Fprintf(w, "%-6s %s\n", a.Kind, a.Description)
		}
	})
}
