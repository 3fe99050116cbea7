// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package scripting

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// Watcher observes a plugin directory tree on its own goroutine and reports
// changed script paths through a callback. The callback runs on the watcher
// goroutine and must not block on interpreter state; the engine's callback
// only appends to the locked changed-file set.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func(path string)
	wg       sync.WaitGroup
	closed   sync.Once
}

// NewWatcher starts watching root recursively. Directories created later
// under root are picked up as they appear.
func NewWatcher(root string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("scripting").With("dir", root).Hint("failed to create file watcher").Wrap(err)
	}

	w := &Watcher{fsw: fsw, onChange: onChange}
	if err := w.addTree(root); err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup on setup failure
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		err = w.fsw.Close()
		w.wg.Wait()
	})
	if err != nil {
		return oops.In("scripting").Wrap(err)
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return oops.In("scripting").With("dir", root).Hint("failed to watch directory tree").Wrap(err)
	}
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("plugin file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// New directories must be added to the watch so plugins nested in
	// freshly-created folders still trigger reload notifications.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				slog.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if filepath.Ext(event.Name) != scriptFileExt {
		return
	}
	w.onChange(event.Name)
}
