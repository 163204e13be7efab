// Package configwatch tracks changes to workflow config layer files with
// fsnotify. Each change bumps a generation counter that callers fold into
// their cache keys.
package configwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a set of files through their parent directories, so files
// that do not exist yet or are replaced by rename are still seen.
type Watcher struct {
	fw *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]struct{}

	gen      atomic.Uint64
	onChange func(path string)
	stop     chan struct{}
	once     sync.Once
}

// New creates a watcher. onChange, when non-nil, is called after each bump
// from the watcher goroutine.
func New(onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Watcher{
		fw:       fw,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
		onChange: onChange,
		stop:     make(chan struct{}),
	}, nil
}

// Watch adds path. A missing parent directory is skipped silently: there is
// nothing to change until it exists, and Watch can be called again later.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[abs] = struct{}{}
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = struct{}{}
	return nil
}

// Generation returns the number of changes seen so far.
func (w *Watcher) Generation() uint64 {
	return w.gen.Load()
}

// Start processes events until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			_, watched := w.files[filepath.Clean(ev.Name)]
			w.mu.Unlock()
			if !watched {
				continue
			}
			w.gen.Add(1)
			slog.Debug("config layer changed", "path", ev.Name, "op", ev.Op.String())
			if w.onChange != nil {
				w.onChange(ev.Name)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fw.Close()
	})
	return err
}
