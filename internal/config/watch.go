package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the config file.  Only the ICE server list is applied
// live; everything else needs a restart and is left untouched.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onICE   func([]string)

	mu      sync.Mutex
	current Config

	closed    chan struct{}
	closeOnce sync.Once
}

// Watch follows path for changes.  onICE receives the new ICE server list
// after each successful reload.
func Watch(path string, initial Config, onICE func([]string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onICE:   onICE,
		current: initial,
		closed:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("CONFIG: hot reload failed for %s: %v", w.path, err)
		return
	}

	w.mu.Lock()
	prev := w.current.Call.ICEServers
	w.current = cfg
	w.mu.Unlock()

	if !equalStrings(prev, cfg.Call.ICEServers) {
		log.Printf("CONFIG: ICE servers reloaded: %v", cfg.Call.ICEServers)
		if w.onICE != nil {
			w.onICE(cfg.Call.ICEServers)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return w.watcher.Close()
}
