package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamdub/internal/config"
)

const watcherUpdatedYAML = minimalYAML + `
server:
  log_level: debug
`

const watcherInvalidYAML = minimalYAML + `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// startWatcher writes minimalYAML, creates a watcher on it and runs it until
// the test ends.
func startWatcher(t *testing.T, onChange func(old, new *config.Config, d config.ConfigDiff)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML)

	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, path
}

// bumpMtime guarantees the next poll sees a new modification time even on
// filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsLogLevelChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotDiff config.ConfigDiff
	var gotOld, gotNew *config.Config
	called := make(chan struct{}, 1)

	w, path := startWatcher(t, func(old, new *config.Config, d config.ConfigDiff) {
		mu.Lock()
		gotOld, gotNew, gotDiff = old, new, d
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	})

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("old/new log level = %q/%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if !gotDiff.LogLevelChanged || gotDiff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", gotDiff)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	w, path := startWatcher(t, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	_, path := startWatcher(t, func(*config.Config, *config.Config, config.ConfigDiff) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, minimalYAML)
	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
