package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neboloop/foreman/internal/logging"
)

// Watcher reloads the host when descriptor files change. Bursts of events
// are collapsed into one reload after the debounce delay.
type Watcher struct {
	host     *Host
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for host's sources.
func NewWatcher(host *Host, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{host: host, debounce: debounce}
}

// Start begins watching. It returns once the initial watches are registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = fw

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	sources, err := ExpandSources(w.host.Sources())
	if err != nil {
		fw.Close()
		cancel()
		return err
	}
	// Directories created later under a glob source are picked up on restart.
	for _, src := range sources {
		info, err := os.Stat(src)
		if err != nil {
			logging.Warnf("[plugins] Could not watch %s: %v", src, err)
			continue
		}
		if info.IsDir() {
			w.watchRecursive(src)
		} else if err := fw.Add(filepath.Dir(src)); err != nil {
			logging.Warnf("[plugins] Could not watch %s: %v", src, err)
		}
	}

	go w.watchLoop(ctx)
	return nil
}

// Stop stops watching for changes.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *Watcher) watchRecursive(dir string) {
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				logging.Debugf("[plugins] Could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[plugins] Watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.watchRecursive(event.Name)
			w.schedule()
			return
		}
	}
	if descriptorKind(event.Name) == "" {
		return
	}
	logging.Debugf("[plugins] File event: %s %s", event.Op, event.Name)
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.host.Reload(w.host.Sources()); err == nil {
			logging.Infof("[plugins] Registry reloaded")
		}
	})
}
