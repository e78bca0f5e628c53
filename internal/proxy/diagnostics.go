package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DiagnosticsPrefix is never forwarded to the backend.
const DiagnosticsPrefix = "/_nightshift/"

// ProjectPathRoute reports the directory the backend runs in.
const ProjectPathRoute = "/project/absolute_path"

// Health is served as JSON on /_nightshift/health.
type Health struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	Generation int    `json:"generation"`
	ViaRestart bool   `json:"via_restart"`
	BackendPID int    `json:"backend_pid"`
	Restarting bool   `json:"restarting"`
	Uptime     string `json:"uptime"`
	Version    string `json:"version"`
}

// LogSource is implemented by the daemon's log broadcaster.
type LogSource interface {
	SubscribeWithHistory(historyLines int) (chan string, []string)
	Unsubscribe(ch chan string)
}

// serveDiagnostics answers the paths the proxy owns. It returns false for
// everything that should be forwarded.
func (s *Server) serveDiagnostics(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if path == ProjectPathRoute && r.Method == http.MethodGet && s.projectDir != "" {
		writeJSON(w, map[string]string{"path": s.projectDir})
		return true
	}
	if !strings.HasPrefix(path, DiagnosticsPrefix) {
		return false
	}

	switch strings.TrimPrefix(path, DiagnosticsPrefix) {
	case "health":
		health := Health{Status: "ok"}
		if s.health != nil {
			health = s.health()
		}
		writeJSON(w, health)
	case "metrics":
		s.metrics.Handler().ServeHTTP(w, r)
	case "logs":
		s.streamLogs(w, r)
	default:
		http.NotFound(w, r)
	}
	return true
}

func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log streaming not enabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	historyLines := 20
	if v := r.URL.Query().Get("history"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid history %q", v), http.StatusBadRequest)
			return
		}
		historyLines = n
	}

	logChan, history := s.logs.SubscribeWithHistory(historyLines)
	defer s.logs.Unsubscribe(logChan)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, line := range history {
		if _, err := fmt.Fprint(w, line); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := fmt.Fprint(w, line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
