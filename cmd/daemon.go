package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor in the foreground",
		Long: `Run the supervisor in the foreground: spawn the backend, serve the proxy and
watch for hibernation. On resume the process replaces itself in place and keeps
its pid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A restarted generation finds its own pid in the pid file
			if pid, ok := daemon.RunningDaemon(core.Config.ConfigPath); ok && pid != os.Getpid() {
				return fmt.Errorf("daemon is already running (PID %d)", pid)
			}

			if code := daemon.New(core.Config).Run(); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	return daemonCmd
}
