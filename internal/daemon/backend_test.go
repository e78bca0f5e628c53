package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.nightshift.dev/nightshift/internal/core"
)

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startTestBackend(t *testing.T, cfg core.BackendConfig) *Backend {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	b, err := StartBackend(cfg)
	if err != nil {
		t.Fatalf("StartBackend() error = %v", err)
	}
	t.Cleanup(func() { b.Stop(100 * time.Millisecond) })
	return b
}

func TestBackend_ReadyWhenPortAccepts(t *testing.T) {
	quietLogger(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	b := startTestBackend(t, core.BackendConfig{Command: "sleep", Args: []string{"60"}})
	if err := b.WaitReady(context.Background(), ln.Addr().String(), 2*time.Second, 50*time.Millisecond); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if !b.Alive() {
		t.Error("backend not alive after readiness")
	}

	b.Stop(time.Second)
	if b.Alive() {
		t.Error("backend alive after Stop")
	}
}

func TestBackend_ReadinessTimeout(t *testing.T) {
	quietLogger(t)

	b := startTestBackend(t, core.BackendConfig{Command: "sleep", Args: []string{"60"}})

	start := time.Now()
	err := b.WaitReady(context.Background(), unusedAddr(t), 300*time.Millisecond, 50*time.Millisecond)
	if err == nil {
		t.Fatal("WaitReady() succeeded against a closed port")
	}
	if errors.Is(err, ErrBackendExited) {
		t.Errorf("WaitReady() = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WaitReady() took %v, deadline not honoured", elapsed)
	}
}

func TestBackend_ExitBeforeReadyFailsFast(t *testing.T) {
	quietLogger(t)

	b := startTestBackend(t, core.BackendConfig{Command: "sh", Args: []string{"-c", "exit 3"}})

	err := b.WaitReady(context.Background(), unusedAddr(t), 5*time.Second, 50*time.Millisecond)
	if !errors.Is(err, ErrBackendExited) {
		t.Fatalf("WaitReady() = %v, want ErrBackendExited", err)
	}
}

func TestBackend_StartFailure(t *testing.T) {
	_, err := StartBackend(core.BackendConfig{Command: filepath.Join(t.TempDir(), "missing-backend")})
	if err == nil {
		t.Fatal("StartBackend() succeeded for a missing command")
	}
}

func TestBackend_ArgsEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	b := startTestBackend(t, core.BackendConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "$NIGHTSHIFT_TEST_VALUE {port}" > out.txt`},
		Port:    4321,
		Dir:     dir,
		Env:     map[string]string{"NIGHTSHIFT_TEST_VALUE": "hello"},
	})

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not exit")
	}
	if b.Err() != nil {
		t.Fatalf("backend exit = %v", b.Err())
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "hello 4321" {
		t.Errorf("backend saw %q, want %q", got, "hello 4321")
	}
	if !strings.Contains(b.Command(), "4321") {
		t.Errorf("Command() = %q, want expanded port", b.Command())
	}
}

func TestBackend_StopKillsAfterGrace(t *testing.T) {
	quietLogger(t)

	b := startTestBackend(t, core.BackendConfig{Command: "sh", Args: []string{"-c", `trap "" TERM; while true; do sleep 1; done`}})
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	b.Stop(200 * time.Millisecond)
	if b.Alive() {
		t.Fatal("backend alive after Stop")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Stop returned after %v, before the grace period", elapsed)
	}
}
