// Package configwatch implements the Config Watcher (C9): it polls the
// model-mapping file and the local-API-key file for changes and pushes
// the new values to subscribers. There is no fsnotify anywhere in the
// reference corpus this module was built from, so this follows the
// corpus's own idiom for background state refresh instead — a ticker
// loop, same shape as the teacher's periodic cleanup goroutines.
package configwatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ModelConfig is the subset of config.json this watcher owns.
type ModelConfig struct {
	ModelMapping map[string]string `json:"modelMapping"`
}

// Watcher polls a JSON file on disk and notifies subscribers when its
// content changes, including when the file is deleted and later
// recreated.
type Watcher struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	current  ModelConfig
	modTime  time.Time
	existed  bool
	subs     map[int]chan ModelConfig
	nextSub  int
}

func New(path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	w := &Watcher{path: path, debounce: debounce, subs: make(map[int]chan ModelConfig)}
	w.reload()
	return w
}

// Current returns the most recently loaded model mapping.
func (w *Watcher) Current() ModelConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe returns a channel fed with every config change after this
// call, plus its id for Unsubscribe.
func (w *Watcher) Subscribe() (int, <-chan ModelConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan ModelConfig, 4)
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	return id, ch
}

func (w *Watcher) Unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.subs[id]; ok {
		delete(w.subs, id)
		close(ch)
	}
}

// Run polls the file every debounce interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed := w.reload(); changed {
				w.notify()
			}
		}
	}
}

// reload re-reads the file if its mtime (or existence) changed, and
// reports whether the in-memory config actually changed as a result.
func (w *Watcher) reload() bool {
	info, err := os.Stat(w.path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		if !w.existed {
			return false
		}
		w.existed = false
		w.current = ModelConfig{}
		return true
	}

	if w.existed && !info.ModTime().After(w.modTime) {
		return false
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("configwatch: read failed", "path", w.path, "error", err)
		return false
	}

	var parsed ModelConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		slog.Warn("configwatch: malformed config, keeping previous value", "path", w.path, "error", err)
		return false
	}

	w.existed = true
	w.modTime = info.ModTime()
	w.current = parsed
	return true
}

func (w *Watcher) notify() {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- w.current:
		default:
		}
	}
}
