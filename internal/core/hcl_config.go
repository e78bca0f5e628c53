package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete nightshift configuration
type Configuration struct {
	ConfigPath   string // Directory containing config, pid files and database
	Verbose      int    // Verbosity level
	ServerURL    string // Optional coordination server for remote node registration
	PublicURL    string // URL advertised for this node, defaults to http://localhost:<proxy port>
	Proxy        ProxyConfig
	Backend      BackendConfig
	Watchdog     WatchdogConfig
	Registration RegistrationConfig
}

// ProxyConfig holds the public listener and upstream retry policy
type ProxyConfig struct {
	Port          int
	StartupWindow time.Duration // Retry refused dials while the generation is younger than this
	MaxRetries    int
	RetryDelay    time.Duration
}

// BackendConfig describes the supervised child process
type BackendConfig struct {
	Command           string
	Args              []string // "{port}" expands to Port
	Port              int
	Dir               string // Working directory, defaults to ConfigPath
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration
	StopGrace         time.Duration // Grace between SIGTERM and SIGKILL on shutdown and stale reclaim
	Env               map[string]string
}

// WatchdogConfig controls hibernation detection
type WatchdogConfig struct {
	Interval       time.Duration
	Threshold      time.Duration
	ForcedInterval time.Duration // Tick used when NIGHTSHIFT_TEST_FORCE_THAW is set
	RestartGrace   time.Duration // Grace between SIGTERM and SIGKILL before exec
	Logind         bool          // Also listen for logind resume signals
}

// RegistrationConfig controls node registration
type RegistrationConfig struct {
	HeartbeatInterval time.Duration
}

// ExpandedArgs returns Args with "{port}" replaced by the backend port.
func (b BackendConfig) ExpandedArgs() []string {
	port := strconv.Itoa(b.Port)
	args := make([]string, len(b.Args))
	for i, arg := range b.Args {
		args[i] = strings.ReplaceAll(arg, "{port}", port)
	}
	return args
}

// Address is the loopback address the backend listens on.
func (b BackendConfig) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", b.Port)
}

// HCL parsing structs

type hclConfig struct {
	Verbose      int              `hcl:"verbose,optional"`
	ServerURL    string           `hcl:"server_url,optional"`
	PublicURL    string           `hcl:"public_url,optional"`
	Proxy        *hclProxy        `hcl:"proxy,block"`
	Backend      *hclBackend      `hcl:"backend,block"`
	Watchdog     *hclWatchdog     `hcl:"watchdog,block"`
	Registration *hclRegistration `hcl:"registration,block"`
}

type hclProxy struct {
	Port          int    `hcl:"port,optional"`
	StartupWindow string `hcl:"startup_window,optional"`
	MaxRetries    *int   `hcl:"max_retries,optional"`
	RetryDelay    string `hcl:"retry_delay,optional"`
}

type hclBackend struct {
	Command           string            `hcl:"command,optional"`
	Args              []string          `hcl:"args,optional"`
	Port              int               `hcl:"port,optional"`
	Dir               string            `hcl:"dir,optional"`
	ReadinessTimeout  string            `hcl:"readiness_timeout,optional"`
	ReadinessInterval string            `hcl:"readiness_interval,optional"`
	StopGrace         string            `hcl:"stop_grace,optional"`
	Env               map[string]string `hcl:"env,optional"`
}

type hclWatchdog struct {
	Interval       string `hcl:"interval,optional"`
	Threshold      string `hcl:"threshold,optional"`
	ForcedInterval string `hcl:"forced_interval,optional"`
	RestartGrace   string `hcl:"restart_grace,optional"`
	Logind         *bool  `hcl:"logind,optional"`
}

type hclRegistration struct {
	HeartbeatInterval string `hcl:"heartbeat_interval,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose
	cfg.ServerURL = strings.TrimRight(hclCfg.ServerURL, "/")
	cfg.PublicURL = hclCfg.PublicURL

	var errs []error
	duration := func(field, value string, target *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", field, value))
			return
		}
		*target = d
	}

	if p := hclCfg.Proxy; p != nil {
		if p.Port != 0 {
			cfg.Proxy.Port = p.Port
		}
		if p.MaxRetries != nil {
			cfg.Proxy.MaxRetries = *p.MaxRetries
		}
		duration("proxy.startup_window", p.StartupWindow, &cfg.Proxy.StartupWindow)
		duration("proxy.retry_delay", p.RetryDelay, &cfg.Proxy.RetryDelay)
	}

	if b := hclCfg.Backend; b != nil {
		if b.Command != "" {
			cfg.Backend.Command = b.Command
		}
		if b.Args != nil {
			cfg.Backend.Args = b.Args
		}
		if b.Port != 0 {
			cfg.Backend.Port = b.Port
		}
		cfg.Backend.Dir = b.Dir
		if b.Env != nil {
			cfg.Backend.Env = b.Env
		}
		duration("backend.readiness_timeout", b.ReadinessTimeout, &cfg.Backend.ReadinessTimeout)
		duration("backend.readiness_interval", b.ReadinessInterval, &cfg.Backend.ReadinessInterval)
		duration("backend.stop_grace", b.StopGrace, &cfg.Backend.StopGrace)
	}

	if w := hclCfg.Watchdog; w != nil {
		duration("watchdog.interval", w.Interval, &cfg.Watchdog.Interval)
		duration("watchdog.threshold", w.Threshold, &cfg.Watchdog.Threshold)
		duration("watchdog.forced_interval", w.ForcedInterval, &cfg.Watchdog.ForcedInterval)
		duration("watchdog.restart_grace", w.RestartGrace, &cfg.Watchdog.RestartGrace)
		if w.Logind != nil {
			cfg.Watchdog.Logind = *w.Logind
		}
	}

	if r := hclCfg.Registration; r != nil {
		duration("registration.heartbeat_interval", r.HeartbeatInterval, &cfg.Registration.HeartbeatInterval)
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return cfg, nil
}

func (c *Configuration) validate() error {
	var errs []error
	for name, port := range map[string]int{"proxy.port": c.Proxy.Port, "backend.port": c.Backend.Port} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d is not a valid port", name, port))
		}
	}
	if c.Proxy.Port == c.Backend.Port {
		errs = append(errs, fmt.Errorf("proxy.port and backend.port must differ (both %d)", c.Proxy.Port))
	}
	if c.Proxy.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("proxy.max_retries: must not be negative"))
	}
	if c.Backend.Command == "" {
		errs = append(errs, fmt.Errorf("backend.command: must not be empty"))
	}
	return errors.Join(errs...)
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose: 0,
		Proxy: ProxyConfig{
			Port:          19277,
			StartupWindow: 8 * time.Second,
			MaxRetries:    5,
			RetryDelay:    200 * time.Millisecond,
		},
		Backend: BackendConfig{
			Command:           "opencode",
			Args:              []string{"serve", "--log-level", "DEBUG", "--print-logs", "--port", "{port}"},
			Port:              19276,
			ReadinessTimeout:  8 * time.Second,
			ReadinessInterval: 200 * time.Millisecond,
			StopGrace:         500 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Interval:       5 * time.Second,
			Threshold:      5 * time.Second,
			ForcedInterval: time.Second,
			RestartGrace:   300 * time.Millisecond,
			Logind:         true,
		},
		Registration: RegistrationConfig{
			HeartbeatInterval: 60 * time.Second,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
