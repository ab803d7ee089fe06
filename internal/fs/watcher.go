package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports external replacements of files under the workspace root,
// typically a sync process swapping in a freshly pulled index file while a
// session holds a cached copy. Callbacks receive the path relative to the
// root.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	onChange []func(relPath string)
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher starts watching dir (non-recursive) under the local root.
func NewWatcher(l *Local, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fs: create watcher: %w", err)
	}
	full := l.resolve(dir)
	// The directory may not exist yet; fsnotify cannot watch a missing
	// path.
	if err := os.MkdirAll(full, PermDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("fs: watch %s: %w", dir, err)
	}
	if err := fsw.Add(full); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("fs: watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		root:    l.root,
		watcher: fsw,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	return w, nil
}

// OnChange registers a callback invoked for every create/write/rename of a
// non-temporary file in the watched directory.
func (w *Watcher) OnChange(fn func(relPath string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// Temp files from in-flight atomic writes are noise.
			if strings.Contains(filepath.Base(ev.Name), ".tmp.") {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			callbacks := append([]func(string){}, w.onChange...)
			w.mu.Unlock()
			for _, fn := range callbacks {
				fn(filepath.ToSlash(rel))
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}
