package template

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// DefaultDebounce collapses editor save bursts into one invalidation
const DefaultDebounce = 500 * time.Millisecond

// Watcher invalidates a Cache when template files change
type Watcher struct {
	cache    *Cache
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	done    chan struct{}
}

// NewWatcher watches the cache directory
func NewWatcher(cache *Cache, debounce time.Duration, log *zap.SugaredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(cache.Dir()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch template dir %s", cache.Dir())
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		cache:    cache,
		watcher:  fw,
		debounce: debounce,
		logger:   logger.OrNop(log),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching in the background
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsTemplateFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugw("Template change detected", "file", event.Name, "op", event.Op.String())
			w.scheduleInvalidate()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Template watcher error", logger.FieldError, err)
		}
	}
}

func (w *Watcher) scheduleInvalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.cache.Invalidate()
		w.logger.Infow("Template cache invalidated", "dir", w.cache.Dir())
	})
}

// Stop closes the watcher and waits for the loop to exit
func (w *Watcher) Stop() error {
	err := w.watcher.Close()

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
