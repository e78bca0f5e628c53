package cmd

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	var timeout time.Duration

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the nightshift daemon",
		Long: `Stop the nightshift daemon. The backend is stopped, its pid marker removed and
the node deregistered before the daemon exits.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := runningDaemon()
			if err != nil {
				slog.Warn("Daemon is not running")
				return nil
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to signal daemon (PID %d): %w", pid, err)
			}
			slog.Info("Stopping daemon", "pid", pid)

			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				if _, ok := daemon.RunningDaemon(core.Config.ConfigPath); !ok {
					slog.Info("Daemon stopped")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, timeout)
		},
	}
	stopCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the daemon to exit")

	return stopCmd
}
