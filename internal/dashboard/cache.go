// Package dashboard serves the loaded snapshot to the presentation layer and
// owns the process-wide dataset cache.
package dashboard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"prwpanel/internal/logging"
	"prwpanel/internal/snapshot"
	"prwpanel/internal/warehouse"
)

// Entry is the memoized result for one cache epoch. Dataset is shared by all
// readers and must not be modified.
type Entry struct {
	Dataset   *warehouse.Dataset
	Epoch     uint64
	LoadedAt  time.Time
	Encrypted bool
	Origin    string
}

// Cache memoizes the whole dataset per epoch. The first Get in an epoch runs
// the source's full load chain; concurrent callers share that one load. Clear
// starts a new epoch. A failed load is never stored.
type Cache struct {
	src     snapshot.Source
	log     logging.Logger
	metrics *Metrics
	now     func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	epoch uint64
	entry *Entry
}

// NewCache wraps src. metrics may be nil.
func NewCache(src snapshot.Source, metrics *Metrics, log logging.Logger) *Cache {
	return &Cache{src: src, metrics: metrics, log: logging.OrNoop(log), now: time.Now}
}

// Get returns the dataset for the current epoch, loading it if needed.
func (c *Cache) Get(ctx context.Context) (*Entry, error) {
	c.mu.Lock()
	epoch, entry := c.epoch, c.entry
	c.mu.Unlock()
	if entry != nil {
		return entry, nil
	}

	v, err, shared := c.group.Do(strconv.FormatUint(epoch, 10), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), epoch)
	})
	if shared {
		c.log.Debug("joined in-flight snapshot load", "epoch", epoch)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) load(ctx context.Context, epoch uint64) (*Entry, error) {
	c.mu.Lock()
	if c.entry != nil && c.entry.Epoch == epoch {
		e := c.entry
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	start := c.now()
	loaded, err := c.src.Load(ctx)
	c.metrics.observeLoad(c.now().Sub(start), err)
	if err != nil {
		c.log.Error("snapshot load failed", "epoch", epoch, "error", err)
		return nil, err
	}
	e := &Entry{
		Dataset:   loaded.Dataset,
		Epoch:     epoch,
		LoadedAt:  c.now().UTC(),
		Encrypted: loaded.Encrypted,
		Origin:    loaded.Origin,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch {
		c.entry = e
		c.metrics.setDataset(e)
	}
	return e, nil
}

// Clear drops the cached dataset and returns the new epoch.
func (c *Cache) Clear() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entry = nil
	c.metrics.observeClear(c.epoch)
	c.log.Info("cache cleared", "epoch", c.epoch)
	return c.epoch
}

// Epoch reports the current epoch.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
