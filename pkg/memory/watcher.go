package memory

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// notesWatcher watches note roots for markdown changes and marks the whole
// memory source dirty after a quiet period. Callbacks only touch the debounce
// timer; they never block the event loop.
type notesWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
}

func newNotesWatcher(logger zerolog.Logger, debounce time.Duration, onDirty func()) (*notesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &notesWatcher{
		watcher:  watcher,
		logger:   logger,
		onDirty:  onDirty,
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Watch adds a directory to the watch set.
func (w *notesWatcher) Watch(path string) error {
	return w.watcher.Add(path)
}

// WatchTree adds a directory and every nested subdirectory. fsnotify watches
// are not recursive, so each level needs its own watch.
func (w *notesWatcher) WatchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

// Stop stops the watcher and any pending debounce timer.
func (w *notesWatcher) Stop() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *notesWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// A created directory needs its own watch before the .md
			// filter drops the event; it may already hold notes if it
			// was moved in whole.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.WatchTree(event.Name); err != nil {
						w.logger.Debug().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					w.scheduleMarkDirty()
					continue
				}
			}

			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Note change detected")

				w.scheduleMarkDirty()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Notes watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleMarkDirty resets the quiet-period timer.
func (w *notesWatcher) scheduleMarkDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.logger.Debug().Msg("Marking memory source dirty after note changes")
		w.onDirty()
	})
}
