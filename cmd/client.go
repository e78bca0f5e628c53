package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/daemon"
	"go.nightshift.dev/nightshift/internal/proxy"
)

var errDaemonNotRunning = errors.New("daemon is not running")

// diagnosticsURL is the address of one of the paths the proxy answers
// itself instead of forwarding.
func diagnosticsURL(name string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s%s", core.Config.Proxy.Port, proxy.DiagnosticsPrefix, name)
}

func fetchHealth(ctx context.Context) (proxy.Health, error) {
	var health proxy.Health

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, diagnosticsURL("health"), nil)
	if err != nil {
		return health, err
	}
	req.Header.Set("User-Agent", core.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("daemon health returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return health, fmt.Errorf("failed to decode daemon health: %w", err)
	}
	return health, nil
}

// runningDaemon returns the pid of the daemon for the current config path.
func runningDaemon() (int, error) {
	pid, ok := daemon.RunningDaemon(core.Config.ConfigPath)
	if !ok {
		return 0, errDaemonNotRunning
	}
	return pid, nil
}

// waitForGeneration polls health until the daemon reports generation gen or
// later.
func waitForGeneration(ctx context.Context, gen int, timeout time.Duration) (proxy.Health, error) {
	deadline := time.Now().Add(timeout)
	for {
		health, err := fetchHealth(ctx)
		if err == nil && health.Generation >= gen {
			return health, nil
		}
		if time.Now().After(deadline) {
			return health, fmt.Errorf("generation %d not serving after %s", gen, timeout)
		}
		select {
		case <-ctx.Done():
			return health, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
