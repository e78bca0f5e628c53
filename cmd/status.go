package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/daemon"
	"go.nightshift.dev/nightshift/internal/proxy"
)

// statusReport combines what the pid files, the process table and the
// health endpoint say about the daemon.
type statusReport struct {
	Running    bool          `json:"running"`
	ConfigPath string        `json:"config_path"`
	ProxyPort  int           `json:"proxy_port"`
	Daemon     *processState `json:"daemon,omitempty"`
	Backend    *processState `json:"backend,omitempty"`
	Health     *proxy.Health `json:"health,omitempty"`
	HealthErr  string        `json:"health_error,omitempty"`
}

type processState struct {
	PID     int    `json:"pid"`
	Alive   bool   `json:"alive"`
	RSS     uint64 `json:"rss_bytes"`
	Cmdline string `json:"cmdline,omitempty"`
	Started string `json:"started,omitempty"`
}

func newProcessState(info daemon.ProcessInfo) *processState {
	state := &processState{
		PID:     info.PID,
		Alive:   info.Alive,
		RSS:     info.RSS,
		Cmdline: info.Cmdline,
	}
	if !info.StartedAt.IsZero() {
		state.Started = humanize.Time(info.StartedAt)
	}
	return state
}

func collectStatus(ctx context.Context) statusReport {
	report := statusReport{
		ConfigPath: core.Config.ConfigPath,
		ProxyPort:  core.Config.Proxy.Port,
	}

	pid, ok := daemon.RunningDaemon(core.Config.ConfigPath)
	if !ok {
		return report
	}
	report.Running = true
	report.Daemon = newProcessState(daemon.InspectProcess(pid))

	marker := daemon.NewPidMarker(core.Config.BackendPIDFilePath())
	if backendPID, err := marker.Read(); err == nil {
		report.Backend = newProcessState(daemon.InspectProcess(backendPID))
	}

	health, err := fetchHealth(ctx)
	if err != nil {
		report.HealthErr = err.Error()
	} else {
		report.Health = &health
	}
	return report
}

func renderStatus(w io.Writer, report statusReport) {
	if !report.Running {
		fmt.Fprintln(w, "Daemon: not running")
		return
	}

	fmt.Fprintf(w, "Daemon:  PID %d, %s RSS, started %s\n",
		report.Daemon.PID, humanize.IBytes(report.Daemon.RSS), report.Daemon.Started)

	switch {
	case report.Backend == nil:
		fmt.Fprintln(w, "Backend: not ready")
	case !report.Backend.Alive:
		fmt.Fprintf(w, "Backend: PID %d is not running\n", report.Backend.PID)
	default:
		fmt.Fprintf(w, "Backend: PID %d, %s RSS, started %s\n",
			report.Backend.PID, humanize.IBytes(report.Backend.RSS), report.Backend.Started)
	}

	if report.Health == nil {
		fmt.Fprintf(w, "Proxy:   port %d not answering (%s)\n", report.ProxyPort, report.HealthErr)
		return
	}
	h := report.Health
	restart := "fresh start"
	if h.ViaRestart {
		restart = "restarted in place"
	}
	fmt.Fprintf(w, "Proxy:   port %d, %s\n", report.ProxyPort, h.Status)
	fmt.Fprintf(w, "Generation %d (%s), up %s, version %s\n", h.Generation, restart, h.Uptime, h.Version)
}

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, backend and proxy status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			report := collectStatus(ctx)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				renderStatus(os.Stdout, report)
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			return nil
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}
