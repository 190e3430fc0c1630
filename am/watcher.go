package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// DefaultReloadDebounce collapses editor save bursts into one reload
const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadCallback receives each configuration that loaded and validated
type ReloadCallback func(*Config) error

// ConfigWatcher reloads configuration when any of its files change.
// A change that fails to load or validate is logged and the callbacks are
// not called, so the running daemon keeps its previous settings.
type ConfigWatcher struct {
	paths    map[string]bool
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	ownWrite  bool
	reloads   int
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches paths. Missing files are skipped; at least one
// must exist.
func NewConfigWatcher(log *zap.SugaredLogger, paths ...string) (*ConfigWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	cw := &ConfigWatcher{
		paths:    make(map[string]bool),
		watcher:  fw,
		debounce: DefaultReloadDebounce,
		logger:   logger.OrNop(log).With(logger.FieldComponent, "config-watcher"),
	}
	for _, p := range paths {
		if err := fw.Add(p); err != nil {
			cw.logger.Debugw("Skipping config file", "file", p, logger.FieldError, err)
			continue
		}
		cw.paths[filepath.Clean(p)] = true
	}
	if len(cw.paths) == 0 {
		fw.Close()
		return nil, errors.WithDetailf(errors.New("no config file to watch"), "candidates: %s", strings.Join(paths, ", "))
	}
	return cw, nil
}

// Paths returns the watched files
func (cw *ConfigWatcher) Paths() []string {
	out := make([]string, 0, len(cw.paths))
	for p := range cw.paths {
		out = append(out, p)
	}
	return out
}

// OnReload registers a callback
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// MarkOwnWrite suppresses the reload triggered by our next write
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWrite = true
}

// Reloads reports how many reloads reached the callbacks
func (cw *ConfigWatcher) Reloads() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.reloads
}

// Start watches in the background until Stop
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

// Stop closes the underlying watcher and cancels a pending reload
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handle(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if isBackupFile(event.Name) || !cw.paths[filepath.Clean(event.Name)] {
		return
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.ownWrite {
		cw.ownWrite = false
		cw.logger.Debugw("Ignoring own config write", "file", event.Name)
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	Reset()
	cfg, err := Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		cw.logger.Errorw("Config reload rejected, keeping previous settings", logger.FieldError, err)
		return
	}

	cw.mu.Lock()
	cw.reloads++
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Infow("Config reloaded", logger.FieldCount, len(callbacks))
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
}

// isBackupFile matches the rotated .back1 to .back3 copies written by SetOverride
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back") && len(ext) == len(".back")+1
}

// SetGlobalWatcher registers the watcher SetOverride marks its writes on
func SetGlobalWatcher(w *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = w
}
