package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func NewRestartCommand() *cobra.Command {
	var timeout time.Duration

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the daemon in place",
		Long: `Restart the daemon in place by sending it SIGHUP. The daemon stops the backend
and replaces its own process image, keeping its pid. This is the same path a
detected resume from hibernation takes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := runningDaemon()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			before, err := fetchHealth(ctx)
			if err != nil {
				return fmt.Errorf("daemon (PID %d) is not serving: %w", pid, err)
			}

			if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
				return fmt.Errorf("failed to signal daemon (PID %d): %w", pid, err)
			}
			slog.Info("Restart requested", "pid", pid, "generation", before.Generation)

			after, err := waitForGeneration(ctx, before.Generation+1, timeout)
			if err != nil {
				return err
			}
			slog.Info("Daemon restarted",
				"pid", after.PID,
				"generation", after.Generation,
				"backend_pid", after.BackendPID)
			return nil
		},
	}
	restartCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the new generation")

	return restartCmd
}
