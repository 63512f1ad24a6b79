package cli

import (
	"fmt"
	"log/slog"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the flowrun command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowrun",
		Short: "FlowRun visual flow engine CLI",
		Long:  "FlowRun: validate, compile, run and serve visual flow documents.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
		},
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("flowrun version %s\n", version))

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewCompileCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// commandLogger returns a text logger on stderr at the level chosen by
// --verbose and --quiet.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
