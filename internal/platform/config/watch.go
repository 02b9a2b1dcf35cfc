package config

import (
	"os"
	"sync"
	"time"

	"github.com/berdcoin/tapcoin/internal/platform/logger"
)

// FileWatcher polls file modification times and triggers a callback on change.
type FileWatcher struct {
	Paths     []string
	Interval  time.Duration
	onChange  func(string) // called with path that changed
	stopCh    chan struct{}
	stopOnce  sync.Once
	lastMTime map[string]time.Time
}

// NewFileWatcher creates a watcher for given paths and interval.
func NewFileWatcher(paths []string, interval time.Duration, onChange func(string)) *FileWatcher {
	return &FileWatcher{
		Paths:     paths,
		Interval:  interval,
		onChange:  onChange,
		stopCh:    make(chan struct{}),
		lastMTime: make(map[string]time.Time),
	}
}

// Start begins polling in a goroutine.
func (w *FileWatcher) Start() {
	// prime before returning so edits made right after Start are seen
	w.scanAll(true)
	ticker := time.NewTicker(w.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.scanAll(false)
			case <-w.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the watcher. Safe to call twice.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// scanAll checks mtimes and invokes onChange for files that changed since last scan.
func (w *FileWatcher) scanAll(prime bool) {
	for _, p := range w.Paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		mt := fi.ModTime()
		last, ok := w.lastMTime[p]
		if !ok {
			w.lastMTime[p] = mt
			// a file created after startup counts as a change
			if !prime && w.onChange != nil {
				w.onChange(p)
			}
			continue
		}
		if mt.After(last) {
			w.lastMTime[p] = mt
			if !prime && w.onChange != nil {
				w.onChange(p)
			}
		}
	}
}

// WatchFile reloads path on change and hands valid configs to apply.
// Invalid edits are logged and ignored; the running config stays in force.
func WatchFile(path string, interval time.Duration, getenv func(string) string, log *logger.Logger, apply func(*Config)) *FileWatcher {
	return NewFileWatcher([]string{path}, interval, func(p string) {
		cfg := Default()
		if err := readYAML(p, cfg); err != nil {
			log.Warnf("config reload: read %s: %v", p, err)
			return
		}
		if getenv != nil {
			if err := cfg.ApplyEnv(getenv); err != nil {
				log.Warnf("config reload: %v", err)
				return
			}
		}
		if err := cfg.Validate(); err != nil {
			log.Warnf("config reload rejected: %v", err)
			return
		}
		log.Info("Config reloaded from " + p)
		apply(cfg)
	})
}
