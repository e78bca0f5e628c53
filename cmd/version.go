package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)
			if core.Revision != "" {
				fmt.Fprintf(os.Stderr, "Revision:       %s\n", core.Revision)
			}

			health, err := fetchHealth(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			fmt.Fprintf(os.Stderr, "Daemon version: %s (generation %d)\n", health.Version, health.Generation)

			if health.Version != clientFormatted {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Run 'nightshift restart' to pick up the new binary.", clientFormatted, health.Version))
			}
		},
	}

	return versionCmd
}
