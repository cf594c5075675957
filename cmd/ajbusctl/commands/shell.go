package commands

import (
	"fmt"

	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive ajbusctl shell",
		Long:  "Launches a reeflective/console REPL exposing every ajbusctl subcommand. Type 'help' or press Ctrl-D to quit.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("ajbusctl")

			menu := app.ActiveMenu()
			menu.Short = "ajbusctl interactive shell"
			menu.Prompt().Primary = func() string { return "ajbusctl> " }

			menu.SetCommands(func() *cobra.Command {
				return shellRootCmd()
			})

			if err := app.Start(); err != nil {
				return fmt.Errorf("shell: %w", err)
			}

			return nil
		},
	}
}

// shellRootCmd builds a fresh copy of every non-shell subcommand for the
// console menu, so the shell's tab completion and help reflect exactly
// the same commands the top-level CLI exposes.
func shellRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ajbusctl",
		Short:         rootCmd.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		statusCmd(),
		namesCmd(),
		sessionsCmd(),
		endpointsCmd(),
		advertiseCmd(),
		findCmd(),
		versionCmd(),
	)

	return root
}
