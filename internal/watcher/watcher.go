// Package watcher provides change notification for a session log root.
// It watches the root directory tree with fsnotify; when the facility
// cannot be acquired the watcher stays inactive and the caller falls back
// to timer-based polling.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits a callback whenever a log file under the root is written,
// created, removed, renamed or touched. fsnotify is not recursive, so
// each directory in the tree is registered individually and new
// directories are picked up from create events.
type Watcher struct {
	root     string
	onChange func(path string)
	fw       *fsnotify.Watcher
	active   bool
	closeOn  sync.Once
	done     chan struct{}
}

// New starts watching root. onChange is invoked from the watch goroutine;
// callers must only schedule work from it, never block. A watcher is
// always returned: if native notification is unavailable, Active reports
// false and no callbacks fire.
func New(root string, onChange func(path string)) *Watcher {
	w := &Watcher{
		root:     root,
		onChange: onChange,
		done:     make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w
	}

	added := 0
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := fw.Add(path); addErr == nil {
				added++
			}
		}
		return nil
	})
	if added == 0 {
		fw.Close()
		return w
	}

	w.fw = fw
	w.active = true
	go w.run()
	return w
}

// Active reports whether native change notification is in effect.
func (w *Watcher) Active() bool { return w.active }

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			// Transient notification errors are ignored; a periodic
			// rescan catches anything missed.
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// New subdirectories must be registered to keep the tree covered.
	// The whole subtree is walked because nested directories may already
	// exist by the time the create event is handled.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			filepath.WalkDir(event.Name, func(path string, d os.DirEntry, err error) error {
				if err == nil && d.IsDir() {
					w.fw.Add(path)
				}
				return nil
			})
			w.onChange(event.Name)
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) ||
		event.Has(fsnotify.Chmod) {
		w.onChange(event.Name)
	}
}

// Close cancels the subscription and releases the descriptor. Safe to
// call multiple times.
func (w *Watcher) Close() {
	w.closeOn.Do(func() {
		close(w.done)
		if w.fw != nil {
			w.fw.Close()
		}
		w.active = false
	})
}
