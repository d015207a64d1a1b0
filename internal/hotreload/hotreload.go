package hotreload

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/edforge/edforge/pkg/config"
)

// Applier receives the tunable subset of a freshly parsed config.
type Applier func(config.Tunables)

// Watcher re-applies tunable config values when the config file changes.
// Non-tunable changes (pool size, endpoints) still require a restart.
type Watcher struct {
	path    string
	applier Applier
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the config file's directory. Editors replace
// files on save, so watching the directory catches rename-based writes.
func NewWatcher(path string, applier Applier) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		applier: applier,
		watcher: fsWatcher,
		done:    make(chan struct{}),
	}
	go w.loop()
	log.Printf("[HotReload] Watching %s", path)
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[HotReload] Watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.LoadConfigFromFile(w.path)
	if err != nil {
		// Keep running on the old values rather than dying on a bad edit.
		log.Printf("[HotReload] Ignoring invalid config update: %v", err)
		return
	}
	w.applier(cfg.CurrentTunables())
	log.Printf("[HotReload] Applied updated tunables from %s", w.path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
