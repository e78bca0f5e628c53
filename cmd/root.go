package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "nightshift",
		Short: "nightshift - keeps a coding agent server alive across sandbox hibernation",
		Long: `nightshift supervises a backend server process, fronts it with a reverse proxy
and restarts itself in place when the sandbox it runs in resumes from hibernation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := core.InitializeConfig(cmd); err != nil {
				return err
			}
			// The daemon installs its own broadcasting logger
			if cmd.Name() != "daemon" {
				color := term.IsTerminal(int(os.Stderr.Fd()))
				slog.SetDefault(slog.New(daemon.NewLogHandler(os.Stderr, core.Config.Verbose, color)))
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewLogsCommand(),
		NewEventsCommand(),
		NewTokenCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
