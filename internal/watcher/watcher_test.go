package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelai/studiobridge/internal/config"
)

func TestDebounceCollapsesBurst(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fire := Debounce(50*time.Millisecond, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		fire()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (burst should collapse to a single fire)", calls)
	}
}

func TestWatcherReloadsOnConfigContentChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var mu sync.Mutex
	reloadCount := 0
	var lastPort int
	w, err := New(configPath, "", func(cfg *config.Config) {
		mu.Lock()
		reloadCount++
		lastPort = cfg.Port
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(configPath, []byte("port: 9090\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n, port := reloadCount, lastPort
		mu.Unlock()
		if n >= 1 && port == 9090 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("onConfigReload was not invoked with the new content within the deadline")
}

func TestHandleEventClassifiesProfileJSON(t *testing.T) {
	dir := t.TempDir()
	authDir := filepath.Join(dir, "active")
	if err := os.MkdirAll(authDir, 0o755); err != nil {
		t.Fatalf("mkdir authDir: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("port: 8080\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var mu sync.Mutex
	var gotPath string
	w, err := New(configPath, authDir, nil, func(path string, op fsnotify.Op) {
		mu.Lock()
		gotPath = path
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	profilePath := filepath.Join(authDir, "worker-1.json")
	if err := os.WriteFile(profilePath, []byte(`{"cookies":{}}`), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := gotPath
		mu.Unlock()
		if got == profilePath {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("onProfileChange was not invoked for %s within the deadline", profilePath)
}
