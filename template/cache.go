package template

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
	"github.com/lukinterlab/idealimage-ru-sub001/logger"
)

// Stats reports cache usage
type Stats struct {
	Templates int
	Hits      int64
	Misses    int64
	Loads     int64
	LoadedAt  time.Time // zero until the first load
}

// Cache holds the templates of one directory. It loads lazily on first Get
// and reloads after Invalidate.
type Cache struct {
	dir     string
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu        sync.RWMutex
	templates map[string]*Template
	loaded    bool
	loadedAt  time.Time
	hits      int64
	misses    int64
	loads     int64
}

// NewCache creates a cache over dir
func NewCache(dir string, log *zap.SugaredLogger) *Cache {
	return &Cache{
		dir:     dir,
		logger:  logger.OrNop(log),
		timeNow: time.Now,
	}
}

// Dir returns the watched template directory
func (c *Cache) Dir() string {
	return c.dir
}

// Load reads the directory unless already loaded. forceReload always rereads.
// On failure the previous contents stay in place.
func (c *Cache) Load(ctx context.Context, forceReload bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && !forceReload {
		return nil
	}
	return c.loadLocked()
}

func (c *Cache) loadLocked() error {
	templates, err := LoadDir(c.dir)
	if err != nil {
		return err
	}

	byName := make(map[string]*Template, len(templates))
	for _, t := range templates {
		byName[t.Name] = t
	}
	c.templates = byName
	c.loaded = true
	c.loadedAt = c.timeNow()
	c.loads++

	c.logger.Infow("Templates loaded", "dir", c.dir, logger.FieldCount, len(byName))
	return nil
}

// Get returns the named template, loading the directory if needed
func (c *Cache) Get(ctx context.Context, name string) (*Template, error) {
	if err := c.Load(ctx, false); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.templates[name]
	if !ok {
		c.misses++
		return nil, errors.WithDetailf(errors.Wrapf(errors.ErrNotFound, "template %q", name), "dir: %s", c.dir)
	}
	c.hits++
	return t, nil
}

// Names lists the loaded template names, sorted
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	if err := c.Load(ctx, false); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate marks the cache stale; the next Get rereads the directory
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

// Stats returns a snapshot of cache usage
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Templates: len(c.templates),
		Hits:      c.hits,
		Misses:    c.misses,
		Loads:     c.loads,
		LoadedAt:  c.loadedAt,
	}
}
