package daemon

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogBroadcasterDefaultHistorySize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if lb := NewLogBroadcaster(size); lb.maxHist != 1000 {
			t.Errorf("NewLogBroadcaster(%d).maxHist = %d, want 1000", size, lb.maxHist)
		}
	}
}

func TestLogBroadcasterSubscribeAndBroadcast(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch1 := lb.Subscribe()
	defer lb.Unsubscribe(ch1)
	ch2 := lb.Subscribe()
	defer lb.Unsubscribe(ch2)

	lb.Broadcast("hello")

	for i, ch := range []chan string{ch1, ch2} {
		select {
		case msg := <-ch:
			if msg != "hello" {
				t.Errorf("subscriber %d: got %q, want %q", i, msg, "hello")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestLogBroadcasterUnsubscribeTwice(t *testing.T) {
	lb := NewLogBroadcaster(100)

	ch := lb.Subscribe()
	lb.Unsubscribe(ch)
	lb.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Broadcasting after unsubscribe must not panic on the closed channel
	lb.Broadcast("after")
}

func TestLogBroadcasterHistory(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for i := range 5 {
		lb.Broadcast(fmt.Sprintf("line %d", i))
	}

	tests := []struct {
		name string
		n    int
		want []string
	}{
		{"none", 0, nil},
		{"last two", 2, []string{"line 3", "line 4"}},
		{"capped at history size", 10, []string{"line 2", "line 3", "line 4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, history := lb.SubscribeWithHistory(tt.n)
			defer lb.Unsubscribe(ch)
			if strings.Join(history, ",") != strings.Join(tt.want, ",") {
				t.Errorf("history = %v, want %v", history, tt.want)
			}
		})
	}
}

func TestLogBroadcasterSlowClientDoesNotBlock(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := range 500 {
			lb.Broadcast(fmt.Sprintf("line %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a client that never reads")
	}
}

func TestLogBroadcasterConcurrent(t *testing.T) {
	lb := NewLogBroadcaster(50)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, _ := lb.SubscribeWithHistory(5)
			for j := range 20 {
				lb.Broadcast(fmt.Sprintf("%d-%d", i, j))
			}
			lb.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}

func TestSetupLogging_BroadcastsWithoutColor(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })

	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	setupLogging(lb, 0)
	slog.Info("Backend ready", "pid", 42)
	slog.Debug("Hidden at default level")

	select {
	case msg := <-ch:
		if !strings.Contains(msg, "Backend ready") || !strings.Contains(msg, "pid=42") {
			t.Errorf("broadcast line = %q", msg)
		}
		if strings.Contains(msg, "\x1b[") {
			t.Errorf("broadcast line contains ANSI escapes: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("log line was not broadcast")
	}

	select {
	case msg := <-ch:
		t.Errorf("debug line broadcast at info level: %q", msg)
	default:
	}
}

func TestNewLogHandler_Verbose(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLogHandler(&buf, 1, false))
	logger.Debug("Watching configuration file", "file", "config.hcl")

	if !strings.Contains(buf.String(), "Watching configuration file") {
		t.Errorf("debug line missing with verbose=1: %q", buf.String())
	}
}

func TestFanoutHandler_WithAttrs(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(fanoutHandler{
		NewLogHandler(&a, 0, false),
		NewLogHandler(&b, 0, false),
	}).With("generation", 2)

	logger.Info("Restarting daemon in place")

	for name, buf := range map[string]*bytes.Buffer{"first": &a, "second": &b} {
		if !strings.Contains(buf.String(), "generation=2") {
			t.Errorf("%s handler output = %q, want generation attribute", name, buf.String())
		}
	}
}
