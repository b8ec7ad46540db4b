// Package cli implements the silt command line: compiling declarative
// flow files and running their lifecycle operations against the local
// environment.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	_ "github.com/lagoonworks/silt/internal/ops" // built-in kinds
)

// RootOptions holds the global flags shared by all commands.
type RootOptions struct {
	Settings string
	Format   string // "text" | "json"
	Verbose  bool
}

// ValidFormats are the allowed --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the silt root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "silt",
		Short: "silt - incremental data flow engine",
		Long:  "Silt compiles declarative flow files and keeps their targets in sync with their sources, incrementally.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			// Logs go to stderr so --format=json output stays parseable.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Settings, "settings", "", "settings file (default "+DefaultSettingsFile+" if present)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewSetupCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewLiveCommand(opts))
	cmd.AddCommand(NewDropCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewEvaluateCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
