package proxy

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// UpstreamMonitor tracks whether the upstream agent socket exists by
// watching its directory. Forwarding does not depend on it; it only feeds
// status reporting and logs.
type UpstreamMonitor struct {
	path      string
	available atomic.Bool

	mu       sync.Mutex
	onChange []func(available bool)
}

// NewUpstreamMonitor creates a monitor for the socket at path.
func NewUpstreamMonitor(path string) *UpstreamMonitor {
	m := &UpstreamMonitor{path: path}
	m.available.Store(socketExists(path))
	return m
}

// Path returns the monitored socket path.
func (m *UpstreamMonitor) Path() string {
	return m.path
}

// Available reports whether the upstream socket currently exists.
func (m *UpstreamMonitor) Available() bool {
	return m.available.Load()
}

// OnChange registers f to be called when availability flips.
func (m *UpstreamMonitor) OnChange(f func(available bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, f)
}

// Run watches the socket's directory until ctx is cancelled.
func (m *UpstreamMonitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// The socket may have changed between construction and Add.
	m.set(socketExists(m.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				m.set(socketExists(m.path))
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				m.set(false)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("upstream watcher error", "error", err)
		}
	}
}

func (m *UpstreamMonitor) set(available bool) {
	if m.available.Swap(available) == available {
		return
	}
	if available {
		slog.Info("upstream agent socket appeared", "path", m.path)
	} else {
		slog.Warn("upstream agent socket disappeared", "path", m.path)
	}

	m.mu.Lock()
	callbacks := append([]func(bool){}, m.onChange...)
	m.mu.Unlock()
	for _, f := range callbacks {
		f(available)
	}
}

func socketExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().Type() == fs.ModeSocket
}
