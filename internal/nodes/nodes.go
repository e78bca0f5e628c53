// Package nodes advertises this daemon in a local registry file and,
// optionally, to a coordination server.
package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Node describes one reachable daemon.
type Node struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	StartedAt     string `json:"startedAt"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	DaemonVersion string `json:"daemonVersion"`
}

// NewNode describes this host. The id is stable across restarts so a new
// generation replaces the entry of the previous one.
func NewNode(proxyPort int, publicURL, version string) Node {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	url := publicURL
	if url == "" {
		url = fmt.Sprintf("http://localhost:%d", proxyPort)
	}
	return Node{
		ID:            fmt.Sprintf("%s-%d", hostname, proxyPort),
		Name:          hostname,
		URL:           url,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		DaemonVersion: version,
	}
}

// Registry is the nodes.json file shared by all daemons of a user.
type Registry struct {
	path string
	mu   sync.Mutex
}

func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// List returns the registered nodes. A missing or corrupt file is empty.
func (r *Registry) List() ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

// Register adds node, replacing any entry with the same URL.
func (r *Registry) Register(node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return err
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if n.URL != node.URL {
			kept = append(kept, n)
		}
	}
	return r.write(append(kept, node))
}

// Deregister removes the node with the given id. Unknown ids are ignored.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return err
	}
	kept := nodes[:0]
	for _, n := range nodes {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(nodes) {
		return nil
	}
	return r.write(kept)
}

func (r *Registry) read() ([]Node, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		// another tool wrote garbage; start over rather than refuse to run
		return nil, nil
	}
	return nodes, nil
}

func (r *Registry) write(nodes []Node) error {
	if nodes == nil {
		nodes = []Node{}
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return err
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, r.path)
}
