package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
)

func NewLogsCommand() *cobra.Command {
	var lines int
	var filter string

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. The stream survives in-place restarts: when the daemon
replaces itself the command reconnects to the new generation.

Examples:
  nightshift logs            # Stream with 20 lines of history
  nightshift logs -L 100     # Show 100 history lines on connect
  nightshift logs -F restart # Only lines containing "restart"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := runningDaemon(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			history := lines
			for {
				err := followLogs(ctx, os.Stdout, history, filter)
				if ctx.Err() != nil {
					return nil
				}
				// Only the first connection replays history
				history = 0
				slog.Debug("Log stream ended, reconnecting", "error", err)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(500 * time.Millisecond):
				}
				if _, err := runningDaemon(); err != nil {
					fmt.Fprintln(os.Stderr, "Daemon stopped.")
					return nil
				}
			}
		},
	}
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "number of history lines to show on connect")
	logsCmd.Flags().StringVarP(&filter, "filter", "F", "", "only show lines containing this text")

	return logsCmd
}

// followLogs copies the daemon log stream to w until the stream ends or
// ctx is cancelled.
func followLogs(ctx context.Context, w io.Writer, history int, filter string) error {
	url := fmt.Sprintf("%s?history=%d", diagnosticsURL("logs"), history)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", core.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon logs returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
