package nodes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewNode(t *testing.T) {
	node := NewNode(19277, "", "1.2.3")

	if !strings.HasSuffix(node.ID, "-19277") {
		t.Errorf("ID = %q, want hostname-port", node.ID)
	}
	if node.URL != "http://localhost:19277" {
		t.Errorf("URL = %q, want localhost default", node.URL)
	}
	if _, err := time.Parse(time.RFC3339, node.StartedAt); err != nil {
		t.Errorf("StartedAt %q is not RFC3339: %v", node.StartedAt, err)
	}

	public := NewNode(19277, "https://sprite.example.dev", "1.2.3")
	if public.URL != "https://sprite.example.dev" {
		t.Errorf("URL = %q, want public override", public.URL)
	}
}

func TestNode_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Node{ID: "a", StartedAt: "now", DaemonVersion: "v"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"id"`, `"startedAt"`, `"daemonVersion"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("JSON %s missing key %s", data, key)
		}
	}
}

func TestRegistry_RegisterReplacesSameURL(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "nodes.json"))

	first := Node{ID: "host-19277", URL: "http://localhost:19277", StartedAt: "t1"}
	other := Node{ID: "host-20000", URL: "http://localhost:20000"}
	again := Node{ID: "host-19277", URL: "http://localhost:19277", StartedAt: "t2"}

	for _, n := range []Node{first, other, again} {
		if err := reg.Register(n); err != nil {
			t.Fatalf("Register(%s) error = %v", n.ID, err)
		}
	}

	nodes, err := reg.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2: %+v", len(nodes), nodes)
	}
	for _, n := range nodes {
		if n.URL == first.URL && n.StartedAt != "t2" {
			t.Errorf("stale entry kept: %+v", n)
		}
	}
}

func TestRegistry_Deregister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	reg := NewRegistry(path)

	reg.Register(Node{ID: "a", URL: "http://a"})
	reg.Register(Node{ID: "b", URL: "http://b"})

	if err := reg.Deregister("a"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	if err := reg.Deregister("missing"); err != nil {
		t.Fatalf("Deregister(unknown) error = %v", err)
	}

	nodes, _ := reg.List()
	if len(nodes) != 1 || nodes[0].ID != "b" {
		t.Errorf("nodes = %+v, want only b", nodes)
	}

	reg.Deregister("b")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("file = %q, want empty JSON array", data)
	}
}

func TestRegistry_CorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	os.WriteFile(path, []byte("{not json"), 0o644)
	reg := NewRegistry(path)

	if err := reg.Register(Node{ID: "a", URL: "http://a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	nodes, _ := reg.List()
	if len(nodes) != 1 {
		t.Errorf("nodes = %+v, want one", nodes)
	}
}

// coordServer is a minimal coordination server.
type coordServer struct {
	mu         sync.Mutex
	registered []Node
	heartbeats int
	deleted    []string
	authHeader string
	forget     bool // answer the next heartbeat with 404
	failPosts  int
}

func (s *coordServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authHeader = r.Header.Get("Authorization")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/nodes":
		if s.failPosts > 0 {
			s.failPosts--
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var n Node
		json.NewDecoder(r.Body).Decode(&n)
		s.registered = append(s.registered, n)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/heartbeat"):
		s.heartbeats++
		if s.forget {
			s.forget = false
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/nodes/"):
		s.deleted = append(s.deleted, strings.TrimPrefix(r.URL.Path, "/nodes/"))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func TestClient_RegisterHeartbeatDeregister(t *testing.T) {
	coord := &coordServer{}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "nightshift/test")
	ctx := context.Background()
	node := Node{ID: "host-19277", URL: "http://localhost:19277"}

	if err := c.Register(ctx, node); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	coord.mu.Lock()
	auth := coord.authHeader
	coord.mu.Unlock()
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}

	expired, err := c.Heartbeat(ctx, node.ID)
	if err != nil || expired {
		t.Errorf("Heartbeat() = %v, %v; want live", expired, err)
	}

	coord.mu.Lock()
	coord.forget = true
	coord.mu.Unlock()
	expired, err = c.Heartbeat(ctx, node.ID)
	if err != nil || !expired {
		t.Errorf("Heartbeat() after forget = %v, %v; want expired", expired, err)
	}

	if err := c.Deregister(ctx, node.ID); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.deleted) != 1 || coord.deleted[0] != node.ID {
		t.Errorf("deleted = %v", coord.deleted)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	if err := c.Register(context.Background(), Node{ID: "x"}); err == nil {
		t.Error("expected error for 500")
	}
	if _, err := c.Heartbeat(context.Background(), "x"); err == nil {
		t.Error("expected heartbeat error for 500")
	}
}

func TestAnnounce_RetriesAndReregisters(t *testing.T) {
	orig := registerBackoff
	registerBackoff = []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}
	defer func() { registerBackoff = orig }()

	coord := &coordServer{failPosts: 2, forget: true}
	srv := httptest.NewServer(coord)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Announce(ctx, NewClient(srv.URL, "", ""), Node{ID: "n1", URL: "http://n1"}, 20*time.Millisecond, discardLogger(t))
		close(done)
	}()

	// Third POST succeeds, first heartbeat is 404 and triggers a fourth POST
	deadline := time.Now().Add(5 * time.Second)
	for {
		coord.mu.Lock()
		registered, beats := len(coord.registered), coord.heartbeats
		coord.mu.Unlock()
		if registered >= 2 && beats >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registered %d times with %d heartbeats", registered, beats)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Announce did not stop on cancel")
	}
}
