package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tiller/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk. Editors
// often produce several write events per save; reloads are debounced.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Config)
	stopCh   chan struct{}
	debounce map[string]*time.Timer
	mu       sync.Mutex
	stop     sync.Once
}

// NewWatcher creates a watcher for the given config file. onReload is
// called with the freshly loaded configuration after each change.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		path:     expanded,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// handleEvent reloads the config after the debounce window.
func (w *Watcher) handleEvent(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}

	w.debounce[path] = time.AfterFunc(debounceDelay, func() {
		w.reload()

		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
	})
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous configuration")
		return
	}
	logger.Info().Str("path", w.path).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher and cancels pending reloads.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		for _, timer := range w.debounce {
			timer.Stop()
		}
		w.mu.Unlock()

		w.watcher.Close()
	})
}
