// Package daemon supervises the backend process, fronts it with the proxy
// and wires the watchdog to the in-place restart.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.nightshift.dev/nightshift/internal/core"
	"go.nightshift.dev/nightshift/internal/db"
	"go.nightshift.dev/nightshift/internal/keyring"
	"go.nightshift.dev/nightshift/internal/metrics"
	"go.nightshift.dev/nightshift/internal/nodes"
	"go.nightshift.dev/nightshift/internal/proxy"
	"go.nightshift.dev/nightshift/internal/restart"
	"go.nightshift.dev/nightshift/internal/watchdog"
)

const (
	configDebounce     = 500 * time.Millisecond
	verificationLinger = 200 * time.Millisecond
)

// Daemon owns one generation: the backend it spawned, the proxy in front of
// it and the watchdog that replaces the process on resume.
type Daemon struct {
	cfg          *core.Configuration
	gen          *restart.Generation
	logBroadcast *LogBroadcaster
	metrics      *metrics.Registry
	marker       *PidMarker
	nodes        *nodes.Registry

	backend    *Backend
	backendRun int64
	restarter  *restart.Controller
	watchdog   *watchdog.Watchdog
	proxy      *proxy.Server
	node       nodes.Node
	remote     *nodes.Client

	dbMu     sync.Mutex
	database *db.DB

	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

func New(cfg *core.Configuration) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:          cfg,
		gen:          restart.FromEnv(),
		logBroadcast: NewLogBroadcaster(1000),
		metrics:      metrics.New(),
		marker:       NewPidMarker(cfg.BackendPIDFilePath()),
		nodes:        nodes.NewRegistry(cfg.NodesFilePath()),
		ctx:          ctx,
		cancelFunc:   cancel,
	}
}

// Run supervises until shutdown and returns the process exit code. A
// planned restart never returns: the image is replaced by exec.
func (d *Daemon) Run() int {
	setupLogging(d.logBroadcast, d.cfg.Verbose)

	if d.gen.ViaRestart && os.Getenv(core.EnvTestSingleRestart) != "" {
		slog.Info("Restarted generation is up, exiting after single verification restart",
			"pid", os.Getpid(),
			"generation", d.gen.Number)
		time.Sleep(verificationLinger)
		return 0
	}

	// Buffer signals from the start; they are acted on once the race begins
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	slog.Info("Starting nightshift daemon",
		"version", core.FormatVersion(core.Version),
		"pid", os.Getpid(),
		"generation", d.gen.Number,
		"via_restart", d.gen.ViaRestart)

	if err := os.MkdirAll(d.cfg.ConfigPath, 0o755); err != nil {
		slog.Error("Fatal: could not create config directory", "path", d.cfg.ConfigPath, "error", err)
		return 1
	}
	d.openDatabase()
	d.logEvent("start", fmt.Sprintf("daemon started - version: %s, generation: %d, via restart: %v",
		core.FormatVersion(core.Version), d.gen.Number, d.gen.ViaRestart))

	if err := os.WriteFile(d.cfg.PIDFilePath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("Failed to write daemon pid file", "path", d.cfg.PIDFilePath(), "error", err)
	}

	if pid := reclaimStale(d.marker, d.cfg.Backend.StopGrace); pid > 0 {
		d.logEvent("stale_backend", fmt.Sprintf("terminated stale backend pid %d", pid))
	}

	if err := d.startBackend(); err != nil {
		slog.Error("Fatal: backend did not start", "error", err)
		d.logEvent("backend_exit", err.Error())
		d.shutdown("startup failed")
		return 1
	}

	d.restarter = restart.NewController(d.gen, d.cfg.Watchdog.RestartGrace, slog.Default())
	d.restarter.BeforeExec(d.beforeExec)

	d.startWatchdog()
	d.registerNode()

	if err := watchConfig(d.ctx, d.cfg, configDebounce, d.onConfigChange); err != nil {
		slog.Warn("Config file watching disabled", "error", err)
	}

	d.proxy = proxy.New(proxy.Config{
		ListenAddr:    fmt.Sprintf("0.0.0.0:%d", d.cfg.Proxy.Port),
		BackendAddr:   d.cfg.Backend.Address(),
		StartupWindow: d.cfg.Proxy.StartupWindow,
		MaxRetries:    d.cfg.Proxy.MaxRetries,
		RetryDelay:    d.cfg.Proxy.RetryDelay,
	}, d.gen.StartedAt, d.metrics, slog.Default(),
		proxy.WithHealth(d.health),
		proxy.WithLogs(d.logBroadcast),
		proxy.WithProjectDir(d.cfg.Backend.Dir))

	proxyErr := make(chan error, 1)
	go func() {
		proxyErr <- d.proxy.ListenAndServe()
	}()

	return d.supervise(signals, proxyErr)
}

// supervise races backend exit, proxy failure and signals. Whichever
// happens first decides the outcome.
func (d *Daemon) supervise(signals <-chan os.Signal, proxyErr <-chan error) int {
	for {
		select {
		case <-d.backend.Done():
			if d.gen.Restarting() {
				slog.Info("Backend exited for planned restart, waiting for exec", "pid", d.backend.Pid())
				select {}
			}
			slog.Error("Backend exited unexpectedly", "pid", d.backend.Pid(), "error", d.backend.Err())
			d.logEvent("backend_exit", fmt.Sprintf("backend pid %d exited: %v", d.backend.Pid(), d.backend.Err()))
			if !d.shutdown("backend exited") {
				awaitExec()
			}
			return 1

		case err := <-proxyErr:
			if err == nil {
				err = fmt.Errorf("proxy stopped serving")
			}
			slog.Error("Fatal: proxy failed", "error", err)
			d.logEvent("proxy_failed", err.Error())
			if !d.shutdown("proxy failed") {
				awaitExec()
			}
			return 1

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				slog.Info("SIGHUP received, restarting in place")
				go d.restarter.Restart(d.gen.BackendPID(), "sighup")
				continue
			}
			slog.Info("Shutdown signal received", "signal", sig.String())
			if !d.shutdown("signal " + sig.String()) {
				awaitExec()
			}
			return 0
		}
	}
}

// awaitExec parks the supervisor while a planned restart replaces the
// image. The restart path exits by itself if exec fails.
func awaitExec() {
	slog.Warn("Restart already in flight, waiting for exec")
	select {}
}

// startBackend spawns the backend, waits until its port accepts
// connections and only then records it in the pid marker.
func (d *Daemon) startBackend() error {
	if owner := portListener(d.cfg.Backend.Port); owner > 0 {
		slog.Warn("Backend port is already in use", "port", d.cfg.Backend.Port, "pid", owner)
	}

	backend, err := StartBackend(d.cfg.Backend)
	if err != nil {
		return err
	}
	d.backend = backend
	d.gen.SetBackendPID(backend.Pid())
	slog.Info("Backend started", "pid", backend.Pid(), "command", backend.Command())

	d.withDB(func(database *db.DB) {
		id, err := database.RecordBackendStart(backend.Pid(), d.gen.Number, backend.Command())
		if err != nil {
			slog.Debug("Failed to record backend start", "error", err)
			return
		}
		d.backendRun = id
	})

	started := time.Now()
	if err := backend.WaitReady(d.ctx, d.cfg.Backend.Address(),
		d.cfg.Backend.ReadinessTimeout, d.cfg.Backend.ReadinessInterval); err != nil {
		backend.Stop(d.cfg.Backend.StopGrace)
		return err
	}
	slog.Info("Backend ready", "pid", backend.Pid(), "address", d.cfg.Backend.Address(), "took", time.Since(started).Round(time.Millisecond))

	d.withDB(func(database *db.DB) {
		if d.backendRun > 0 {
			if err := database.MarkBackendReady(d.backendRun); err != nil {
				slog.Debug("Failed to mark backend ready", "error", err)
			}
		}
	})
	d.logEvent("backend_ready", fmt.Sprintf("backend pid %d ready on %s", backend.Pid(), d.cfg.Backend.Address()))

	if err := d.marker.Write(backend.Pid()); err != nil {
		slog.Warn("Failed to write backend pid marker", "path", d.marker.Path(), "error", err)
	}
	return nil
}

func (d *Daemon) startWatchdog() {
	forced := os.Getenv(core.EnvTestForceThaw) != ""
	d.watchdog = watchdog.New(watchdog.Config{
		Interval:       d.cfg.Watchdog.Interval,
		Threshold:      d.cfg.Watchdog.Threshold,
		ForcedInterval: d.cfg.Watchdog.ForcedInterval,
		Force:          forced,
	}, d.backend.Pid(), d.restarter, slog.Default())
	d.watchdog.Start()

	if d.cfg.Watchdog.Logind {
		d.watchdog.WatchResume(d.ctx)
	}

	d.metrics.RegisterWatchdog(d.watchdog.Ticks, d.watchdog.Anomalies)
	d.metrics.RegisterGeneration(d.gen.Number, d.gen.BackendPID)
}

// registerNode advertises this daemon locally and, when a server is
// configured, remotely. Neither is fatal.
func (d *Daemon) registerNode() {
	d.node = nodes.NewNode(d.cfg.Proxy.Port, d.cfg.PublicURL, core.FormatVersion(core.Version))
	if err := d.nodes.Register(d.node); err != nil {
		slog.Warn("Failed to register node locally", "error", err)
	} else {
		slog.Debug("Registered node locally", "id", d.node.ID, "url", d.node.URL)
	}

	if d.cfg.ServerURL == "" {
		return
	}
	token, err := keyring.NewStore().GetToken(d.cfg.ServerURL)
	if err != nil {
		slog.Warn("Could not read server token from keyring, registering without it", "error", err)
	}
	d.remote = nodes.NewClient(d.cfg.ServerURL, token, core.UserAgent())
	go nodes.Announce(d.ctx, d.remote, d.node, d.cfg.Registration.HeartbeatInterval, slog.Default())
}

func (d *Daemon) onConfigChange(_ *core.Configuration) {
	d.logEvent("config_changed", "configuration file changed")
	d.restarter.Restart(d.gen.BackendPID(), "config changed")
}

// beforeExec runs on the restarting goroutine after the backend is gone.
// The new generation reuses the pid, the daemon pid file and the node id,
// so those stay in place.
func (d *Daemon) beforeExec(reason string) {
	d.logEvent("restart", reason)
	d.withDB(func(database *db.DB) {
		if d.backendRun > 0 {
			if err := database.RecordBackendExit(d.backendRun, "restart: "+reason); err != nil {
				slog.Debug("Failed to record backend exit", "error", err)
			}
		}
	})
	d.cancelFunc()
	d.closeDatabase()
}

func (d *Daemon) health() proxy.Health {
	status := "ok"
	if d.gen.Restarting() {
		status = "restarting"
	}
	return proxy.Health{
		Status:     status,
		PID:        os.Getpid(),
		Generation: d.gen.Number,
		ViaRestart: d.gen.ViaRestart,
		BackendPID: d.gen.BackendPID(),
		Restarting: d.gen.Restarting(),
		Uptime:     d.gen.Uptime().Round(time.Second).String(),
		Version:    core.FormatVersion(core.Version),
	}
}

// shutdown stops everything and cleans up. It claims the generation first,
// so a restart requested while it runs is ignored. It returns false without
// doing anything when a restart already owns the generation.
func (d *Daemon) shutdown(reason string) bool {
	if !d.gen.BeginShutdown() {
		return false
	}
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence", "reason", reason)

		if d.watchdog != nil {
			d.watchdog.Stop()
		}
		d.cancelFunc()

		if d.backend != nil {
			d.backend.Stop(d.cfg.Backend.StopGrace)
			d.withDB(func(database *db.DB) {
				if d.backendRun > 0 {
					if err := database.RecordBackendExit(d.backendRun, reason); err != nil {
						slog.Debug("Failed to record backend exit", "error", err)
					}
				}
			})
		}
		if err := d.marker.Remove(); err != nil {
			slog.Warn("Failed to remove backend pid marker", "error", err)
		}

		if d.node.ID != "" {
			if err := d.nodes.Deregister(d.node.ID); err != nil {
				slog.Warn("Failed to deregister node locally", "error", err)
			}
		}
		if d.remote != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := d.remote.Deregister(ctx, d.node.ID); err != nil {
				slog.Warn("Failed to deregister node from server", "error", err)
			}
			cancel()
		}

		if d.proxy != nil {
			d.proxy.Close()
		}

		d.logEvent("stop", "daemon stopped - "+reason)
		d.closeDatabase()
		os.Remove(d.cfg.PIDFilePath())
	})
	return true
}

func (d *Daemon) openDatabase() {
	path := d.cfg.DatabasePath()
	database, err := db.Open(path)
	if err != nil {
		slog.Error("Failed to open database, continuing without event log", "error", err, "path", path)
		return
	}
	d.dbMu.Lock()
	d.database = database
	d.dbMu.Unlock()
	slog.Debug("Database opened", "path", path)
}

func (d *Daemon) closeDatabase() {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()
	if d.database == nil {
		return
	}
	if err := d.database.Close(); err != nil {
		slog.Error("Failed to close database", "error", err)
	}
	d.database = nil
}

// withDB runs fn if the event log is open.
func (d *Daemon) withDB(fn func(*db.DB)) {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()
	if d.database != nil {
		fn(d.database)
	}
}

func (d *Daemon) logEvent(eventType, details string) {
	d.withDB(func(database *db.DB) {
		if err := database.LogDaemonEvent(eventType, details, d.gen.Number); err != nil {
			slog.Error("Failed to log daemon event", "event", eventType, "error", err)
		}
	})
}
