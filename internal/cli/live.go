package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// NewLiveCommand creates the live command.
func NewLiveCommand(rootOpts *RootOptions) *cobra.Command {
	var flowFile string
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Keep targets continuously in sync with their sources",
		Long: `Live runs an initial update cycle, then keeps processing as sources
change: on their refresh interval, cron schedule, or pushed change
events. Without any change-capture mechanism it runs one cycle and
exits. Interrupt to stop; in-flight rows finish and checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closer, err := openFlow(rootOpts, flowFile)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			u := f.NewLiveUpdater()
			if err := u.Start(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				u.Abort()
			}()

			out := cmd.OutOrStdout()
			for {
				st, err := u.NextStatusUpdates(context.Background())
				if err != nil {
					break
				}
				if len(st.ChangedSources) > 0 {
					fmt.Fprintf(out, "updated: %s\n", strings.Join(st.ChangedSources, ", "))
				}
				if len(st.ActiveSources) == 0 {
					break
				}
			}

			if err := u.Wait(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(out, "live update %s\n", u.State())
			return nil
		},
	}
	cmd.Flags().StringVarP(&flowFile, "flow", "f", "", "flow file to compile")
	return cmd
}
