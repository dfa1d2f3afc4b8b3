// Package watch provides cross-process cache invalidation: when another
// process's save mutates a file this process holds an in-memory view of
// (the auth file, the affinity file), a Watcher notices within one debounce
// window and invokes a callback so the stale view gets reloaded. Adapted
// from the teacher's internal/watcher.Watcher, trimmed from "watch a whole
// config+auth-dir tree and hot-reload provider clients" down to "watch one
// file, debounce, call one callback."
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher fires Callback at most once per debounce window after path
// changes, and only when the file's content actually differs from what was
// last observed (a rename-then-rewrite or an editor's atomic-save temp file
// dance otherwise fires the callback twice for one logical change).
type Watcher struct {
	path     string
	debounce time.Duration
	callback func()

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	lastHash string

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Watcher for path. callback is invoked (from the watcher's
// own goroutine) after a debounced, hash-confirmed change; it must not
// block for long. debounce <= 0 uses a 200ms default.
func New(path string, debounce time.Duration, callback func()) (*Watcher, error) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// fsnotify watches directories, not individual inodes that may be
	// replaced by atomic-rename saves -- watch the parent so a rename-over
	// still fires an event, then filter to the exact path in handleEvent.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		callback: callback,
		fsw:      fsw,
		lastHash: hashFile(path),
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop closes the underlying fsnotify watcher and waits for the event loop
// to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		_ = w.fsw.Close()
	})
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stopTimerLocked()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				w.stopTimerLocked()
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			w.scheduleCheck()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithField("component", "watch").WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) scheduleCheck() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.checkAndFire)
}

func (w *Watcher) checkAndFire() {
	current := hashFile(w.path)

	w.mu.Lock()
	unchanged := current == w.lastHash
	w.lastHash = current
	w.mu.Unlock()

	if unchanged {
		return
	}
	w.callback()
}

func (w *Watcher) stopTimerLocked() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// hashFile returns a content hash of path, or "" if it cannot be read (a
// missing file counts as a distinct state from any hash of real content).
func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
