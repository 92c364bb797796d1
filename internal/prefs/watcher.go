package prefs

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the previous and current values after an
// external edit of the preference file.
type ChangeHandler func(old, current Values)

// Watcher observes the preference file for writes made by other
// processes (settings UI, manual edits) and reports value diffs. The
// store's own atomic writes produce no diff and are therefore silent.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	done     chan struct{}
}

// Watch starts watching the store's directory. Watching the directory
// rather than the file survives the rename dance of atomic writes.
func Watch(store *Store, handlers ...ChangeHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prefs watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch prefs directory: %w", err)
	}

	w := &Watcher{
		store:    store,
		watcher:  fsw,
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != prefsFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			old, current, err := w.store.Reload()
			if err != nil {
				log.Printf("analos: failed to reload prefs after change: %v", err)
				continue
			}
			if old == current {
				continue
			}
			for _, h := range w.handlers {
				h(old, current)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("analos: prefs watcher error: %v", err)
		}
	}
}
