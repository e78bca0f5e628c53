package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/db"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// eventColor groups lifecycle events by how alarming they are.
func eventColor(eventType string) string {
	switch eventType {
	case "start", "backend_ready":
		return colorGreen
	case "restart", "config_changed", "stale_backend":
		return colorYellow
	case "backend_exit", "proxy_failed":
		return colorRed
	default:
		return colorCyan
	}
}

func NewEventsCommand() *cobra.Command {
	var limit int
	var eventType string
	var runs bool

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent daemon lifecycle events",
		Long: `Show recent daemon lifecycle events from the event log: starts, backend
readiness and exits, in-place restarts and their reasons, and shutdowns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := db.Open(core.Config.DatabasePath())
			if err != nil {
				return err
			}
			defer database.Close()

			color := term.IsTerminal(int(os.Stdout.Fd()))

			if runs {
				backendRuns, err := database.GetRecentBackendRuns(limit)
				if err != nil {
					return fmt.Errorf("failed to read backend runs: %w", err)
				}
				renderRuns(os.Stdout, backendRuns)
				return nil
			}

			var events []db.DaemonEvent
			if eventType != "" {
				events, err = database.GetDaemonEventsByType(eventType, limit)
			} else {
				events, err = database.GetRecentDaemonEvents(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			renderEvents(os.Stdout, events, color)
			return nil
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	eventsCmd.Flags().StringVarP(&eventType, "type", "t", "", "only show events of this type")
	eventsCmd.Flags().BoolVar(&runs, "runs", false, "show backend runs instead of events")

	return eventsCmd
}

// renderEvents prints oldest first so the newest event is closest to the prompt.
func renderEvents(w io.Writer, events []db.DaemonEvent, color bool) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		typ := fmt.Sprintf("%-14s", e.EventType)
		if color {
			typ = eventColor(e.EventType) + typ + colorReset
		}
		when := e.Timestamp.Local().Format(time.DateTime)
		if color {
			when = colorDim + when + colorReset
		}
		fmt.Fprintf(w, "%s  %s gen %-3d pid %-7d %s\n", when, typ, e.Generation, e.PID, e.Details)
	}
}

func renderRuns(w io.Writer, runs []db.BackendRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No backend runs recorded")
		return
	}
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		ready := "never ready"
		if r.ReadyAt.Valid {
			ready = "ready after " + r.ReadyAt.Time.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		ended := "running"
		if r.ExitedAt.Valid {
			ended = fmt.Sprintf("exited %s (%s)", humanize.Time(r.ExitedAt.Time), r.ExitReason)
		}
		fmt.Fprintf(w, "gen %-3d pid %-7d started %s, %s, %s\n",
			r.Generation, r.PID, humanize.Time(r.StartedAt), ready, ended)
	}
}
