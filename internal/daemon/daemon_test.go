package daemon

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/db"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = t.TempDir()
	d := New(cfg)
	if err := d.marker.Write(4242); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return d
}

func TestShutdown_ClaimsGenerationFromRestart(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if !d.shutdown("signal terminated") {
		t.Fatal("shutdown() on a running generation should proceed")
	}
	if _, err := d.marker.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pid marker still present after shutdown: %v", err)
	}
	if d.gen.BeginRestart() {
		t.Error("a restart requested during shutdown must not claim the generation")
	}
	if !d.shutdown("signal interrupt") {
		t.Error("a second shutdown() should report the shutdown already owns the generation")
	}
}

func TestShutdown_YieldsToRestartInFlight(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)
	d.gen.BeginRestart()

	if d.shutdown("signal terminated") {
		t.Fatal("shutdown() should not run while a restart owns the generation")
	}
	if pid, err := d.marker.Read(); err != nil || pid != 4242 {
		t.Errorf("pid marker = %d, %v, want it left for the restart", pid, err)
	}
	if d.ctx.Err() != nil {
		t.Error("context cancelled by a shutdown that lost to a restart")
	}
}

func TestBeforeExec_LogsEventLogFailures(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })

	d := newTestDaemon(t)
	database, err := db.Open(d.cfg.DatabasePath())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	// Writes fail once the connection is gone
	database.Close()
	d.database = database
	d.backendRun = 1

	d.beforeExec("sighup")

	if !strings.Contains(buf.String(), "Failed to record backend exit") {
		t.Errorf("backend exit failure not logged:\n%s", buf.String())
	}
}
