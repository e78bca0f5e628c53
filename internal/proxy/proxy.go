// Package proxy forwards the public port to the loopback backend.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"syscall"
	"time"

	"go.nightshift.dev/nightshift/internal/metrics"
)

// Config describes the listener and the upstream retry policy.
type Config struct {
	ListenAddr  string // e.g. "0.0.0.0:19277"
	BackendAddr string // e.g. "127.0.0.1:19276"

	// Refused dials are retried while the generation is younger than
	// StartupWindow, at most MaxRetries times, RetryDelay apart.
	StartupWindow time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// Server is the public reverse proxy. Every accepted connection is served
// on its own goroutine; a failure on one connection never touches another.
type Server struct {
	cfg        Config
	startedAt  time.Time
	metrics    *metrics.Registry
	logger     *slog.Logger
	proxy      *httputil.ReverseProxy
	srv        *http.Server
	health     func() Health
	logs       LogSource
	projectDir string
}

// Option configures optional diagnostics.
type Option func(*Server)

// WithHealth supplies the snapshot served on the health path.
func WithHealth(fn func() Health) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogs enables the log streaming path.
func WithLogs(src LogSource) Option {
	return func(s *Server) { s.logs = src }
}

// WithProjectDir sets the directory reported by /project/absolute_path.
func WithProjectDir(dir string) Option {
	return func(s *Server) { s.projectDir = dir }
}

// New creates the proxy. startedAt is the start of the current generation
// and anchors the startup retry window.
func New(cfg Config, startedAt time.Time, m *metrics.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:       cfg,
		startedAt: startedAt,
		metrics:   m,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	transport := &http.Transport{
		DialContext:           s.dialBackend,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   256,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	errorLog := slog.NewLogLogger(logger.Handler(), slog.LevelDebug)

	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			// Forward verbatim: same path, query and Host, no X-Forwarded-*
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = cfg.BackendAddr
		},
		Transport: transport,
		// Event streams must reach the client as they are produced
		FlushInterval:  -1,
		ModifyResponse: s.recordResponse,
		ErrorHandler:   s.handleUpstreamError,
		ErrorLog:       errorLog,
	}

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnState:         s.trackConn,
		ErrorLog:          errorLog,
	}
	return s
}

// ListenAndServe binds the configured address and serves until Close. A
// bind failure is returned immediately.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Proxy listening", "addr", ln.Addr().String(), "backend", s.cfg.BackendAddr)
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("proxy serve: %w", err)
}

// Close stops accepting and drops open connections. Hijacked upgrade
// streams are not tracked by the server and end with the process.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.serveDiagnostics(w, r) {
		return
	}
	s.proxy.ServeHTTP(w, r)
}

func (s *Server) recordResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusSwitchingProtocols {
		s.metrics.RecordRequest(metrics.OutcomeUpgraded)
	} else {
		s.metrics.RecordRequest(metrics.OutcomeForwarded)
	}
	return nil
}

func (s *Server) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.RecordRequest(metrics.OutcomeBadGateway)
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("Client went away before backend answered", "path", r.URL.Path)
	} else {
		s.logger.Warn("Proxy error", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
}

func (s *Server) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metrics.OpenConns.Inc()
	case http.StateHijacked:
		s.metrics.HijackedConns.Inc()
		s.metrics.OpenConns.Dec()
	case http.StateClosed:
		s.metrics.OpenConns.Dec()
	}
}

// dialBackend connects to the backend, retrying refused connections while
// the backend may still be starting up.
func (s *Server) dialBackend(ctx context.Context, network, _ string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}

	for attempt := 0; ; attempt++ {
		conn, err := dialer.DialContext(ctx, network, s.cfg.BackendAddr)
		if err == nil {
			return conn, nil
		}
		if !s.shouldRetry(err, attempt) {
			return nil, err
		}

		s.metrics.UpstreamRetries.Inc()
		s.logger.Debug("Backend refused connection, retrying",
			"attempt", attempt+1,
			"max_retries", s.cfg.MaxRetries,
			"delay", s.cfg.RetryDelay)

		timer := time.NewTimer(s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Server) shouldRetry(err error, attempt int) bool {
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	return attempt < s.cfg.MaxRetries && time.Since(s.startedAt) < s.cfg.StartupWindow
}
