package core

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, `# Test configuration
verbose    = 1
server_url = "https://coord.example.dev/"
public_url = "https://sprite.example.dev:8080"

proxy {
  port           = 20077
  startup_window = "4s"
  max_retries    = 0
  retry_delay    = "50ms"
}

backend {
  command            = "/usr/local/bin/opencode"
  args               = ["serve", "--port", "{port}"]
  port               = 20076
  readiness_timeout  = "2s"
  readiness_interval = "10ms"
  env = {
    OPENCODE_FLAG = "1"
  }
}

watchdog {
  interval  = "2s"
  threshold = "3s"
  logind    = false
}

registration {
  heartbeat_interval = "30s"
}
`)

	cfg, err := LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("LoadConfigDir() error = %v", err)
	}

	if cfg.Verbose != 1 {
		t.Errorf("Verbose = %d, want 1", cfg.Verbose)
	}
	if cfg.ServerURL != "https://coord.example.dev" {
		t.Errorf("ServerURL = %q, want trailing slash trimmed", cfg.ServerURL)
	}
	if cfg.Proxy.Port != 20077 || cfg.Proxy.StartupWindow != 4*time.Second {
		t.Errorf("Proxy = %+v", cfg.Proxy)
	}
	if cfg.Proxy.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0 to be kept", cfg.Proxy.MaxRetries)
	}
	if cfg.Proxy.RetryDelay != 50*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 50ms", cfg.Proxy.RetryDelay)
	}
	if cfg.Backend.Command != "/usr/local/bin/opencode" {
		t.Errorf("Backend.Command = %q", cfg.Backend.Command)
	}
	if got, want := cfg.Backend.ExpandedArgs(), []string{"serve", "--port", "20076"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandedArgs() = %v, want %v", got, want)
	}
	if cfg.Backend.Dir != dir {
		t.Errorf("Backend.Dir = %q, want config path %q", cfg.Backend.Dir, dir)
	}
	if cfg.Backend.Env["OPENCODE_FLAG"] != "1" {
		t.Errorf("Backend.Env = %v", cfg.Backend.Env)
	}
	// Unset fields keep their defaults
	if cfg.Backend.StopGrace != 500*time.Millisecond {
		t.Errorf("Backend.StopGrace = %v, want default 500ms", cfg.Backend.StopGrace)
	}
	if cfg.Watchdog.Interval != 2*time.Second || cfg.Watchdog.Threshold != 3*time.Second {
		t.Errorf("Watchdog = %+v", cfg.Watchdog)
	}
	if cfg.Watchdog.ForcedInterval != time.Second {
		t.Errorf("ForcedInterval = %v, want default 1s", cfg.Watchdog.ForcedInterval)
	}
	if cfg.Watchdog.Logind {
		t.Error("Watchdog.Logind should be false")
	}
	if cfg.Registration.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Registration.HeartbeatInterval)
	}
}

func TestLoadConfigDir_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("LoadConfigDir() error = %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Proxy != want.Proxy {
		t.Errorf("Proxy = %+v, want %+v", cfg.Proxy, want.Proxy)
	}
	if cfg.Watchdog != want.Watchdog {
		t.Errorf("Watchdog = %+v, want %+v", cfg.Watchdog, want.Watchdog)
	}
	if cfg.ConfigPath != dir || cfg.Backend.Dir != dir {
		t.Errorf("paths = %q / %q, want %q", cfg.ConfigPath, cfg.Backend.Dir, dir)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Proxy.Port != 19277 {
		t.Errorf("Proxy.Port = %d, want 19277", cfg.Proxy.Port)
	}
	if cfg.Backend.Port != 19276 {
		t.Errorf("Backend.Port = %d, want 19276", cfg.Backend.Port)
	}
	if cfg.Backend.ReadinessTimeout != 8*time.Second || cfg.Backend.ReadinessInterval != 200*time.Millisecond {
		t.Errorf("readiness = %v / %v", cfg.Backend.ReadinessTimeout, cfg.Backend.ReadinessInterval)
	}
	if cfg.Watchdog.Interval != 5*time.Second || cfg.Watchdog.Threshold != 5*time.Second {
		t.Errorf("watchdog = %v / %v", cfg.Watchdog.Interval, cfg.Watchdog.Threshold)
	}
	if cfg.Watchdog.RestartGrace != 300*time.Millisecond {
		t.Errorf("RestartGrace = %v, want 300ms", cfg.Watchdog.RestartGrace)
	}
	want := []string{"serve", "--log-level", "DEBUG", "--print-logs", "--port", "19276"}
	if got := cfg.Backend.ExpandedArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandedArgs() = %v, want %v", got, want)
	}
	if cfg.Backend.Address() != "127.0.0.1:19276" {
		t.Errorf("Address() = %q", cfg.Backend.Address())
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "watchdog {\n  interval = \"soon\"\n}\n",
			wantErr: "watchdog.interval",
		},
		{
			name:    "negative duration",
			content: "proxy {\n  retry_delay = \"-1s\"\n}\n",
			wantErr: "proxy.retry_delay",
		},
		{
			name:    "same ports",
			content: "proxy {\n  port = 4000\n}\nbackend {\n  port = 4000\n}\n",
			wantErr: "must differ",
		},
		{
			name:    "port out of range",
			content: "backend {\n  port = 70000\n}\n",
			wantErr: "backend.port",
		},
		{
			name:    "syntax error",
			content: "proxy {\n",
			wantErr: "failed to parse HCL config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.content)
			_, err := LoadConfigDir(dir)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvHome, "/srv/nightshift")
	if got := DefaultConfigPath(); got != "/srv/nightshift" {
		t.Errorf("DefaultConfigPath() = %q, want /srv/nightshift", got)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.ConfigPath = "/tmp/test-nightshift"

	tests := map[string]string{
		cfg.PIDFilePath():        "/tmp/test-nightshift/daemon.pid",
		cfg.BackendPIDFilePath(): "/tmp/test-nightshift/opencode.pid",
		cfg.DatabasePath():       "/tmp/test-nightshift/nightshift.db",
		cfg.NodesFilePath():      "/tmp/test-nightshift/nodes.json",
		cfg.ConfigFilePath():     "/tmp/test-nightshift/config.hcl",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
