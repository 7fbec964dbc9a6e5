// Package illustration keeps one generated picture per calendar day for the
// "nothing scheduled" screen.
//
// Lookups go memory → disk → provider. A provider is asked at most once per
// date per process: a failed attempt is remembered and the caller falls back
// to the placeholder for the rest of the day.
package illustration

import (
	"context"
	"image"
	"sync"
	"time"

	"epdagenda/internal/bitmap"
	"epdagenda/internal/convert"
	appLog "epdagenda/internal/log"
)

// Generator produces a picture for a prompt. Implementations return
// *model.GenerationError on failure.
type Generator interface {
	Generate(ctx context.Context, prompt string) (image.Image, error)
}

const defaultTimeout = 90 * time.Second

// Options configures a Cache.
type Options struct {
	Enabled       bool
	Themes        []string
	Width, Height int // illustration panel size
	RetentionDays int
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// Now is the clock used for creation stamps and expiry. Defaults to
	// time.Now.
	Now func() time.Time
}

type Cache struct {
	mu sync.Mutex

	store *Store
	gen   Generator
	opts  Options

	mem       map[string]Entry
	attempted map[string]bool
	lastPurge string
}

func New(store *Store, gen Generator, opts Options) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetentionDays < 0 {
		opts.RetentionDays = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:     store,
		gen:       gen,
		opts:      opts,
		mem:       make(map[string]Entry),
		attempted: make(map[string]bool),
	}
}

// Enabled reports whether Get can ever return an illustration.
func (c *Cache) Enabled() bool {
	return c != nil && c.opts.Enabled && c.gen != nil
}

// DateKey is the cache key for the calendar day of t in t's location.
func DateKey(t time.Time) string {
	return t.Format(dateLayout)
}

// AgeInDays counts whole days elapsed since created.
func AgeInDays(created, now time.Time) int {
	if now.Before(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}

// Get returns the illustration for date. ok is false when illustrations are
// disabled or none could be produced; the error is logged, never returned.
func (c *Cache) Get(ctx context.Context, date time.Time) (*bitmap.Bitmap, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key := DateKey(date)

	c.mu.Lock()
	if e, ok := c.mem[key]; ok {
		c.mu.Unlock()
		return e.Bitmap, true
	}
	if e, ok := c.loadFromDisk(key); ok {
		c.mem[key] = e
		c.mu.Unlock()
		appLog.Info("illustration loaded from cache", "date", key, "theme", e.Theme)
		return e.Bitmap, true
	}
	if c.attempted[key] {
		c.mu.Unlock()
		return nil, false
	}
	c.attempted[key] = true
	c.mu.Unlock()

	theme := ThemeFor(date, c.opts.Themes)
	gctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	img, err := c.gen.Generate(gctx, Prompt(theme))
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a provider failure: leave the day's attempt unused.
			c.mu.Lock()
			delete(c.attempted, key)
			c.mu.Unlock()
			return nil, false
		}
		appLog.Error("illustration generation failed; using placeholder for today", err,
			"date", key, "theme", theme, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil, false
	}

	e := Entry{
		Date:      key,
		Theme:     theme,
		Bitmap:    convert.Illustration(img, c.opts.Width, c.opts.Height),
		CreatedAt: c.opts.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(e); err != nil {
		appLog.Error("illustration cache save failed", err, "date", key)
	}
	c.mem[key] = e
	appLog.Info("illustration generated", "date", key, "theme", theme,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return e.Bitmap, true
}

func (c *Cache) loadFromDisk(key string) (Entry, bool) {
	e, ok, err := c.store.Load(key)
	if err != nil {
		appLog.Error("illustration cache read failed", err, "date", key)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if e.Bitmap.Width() != c.opts.Width || e.Bitmap.Height() != c.opts.Height {
		appLog.Warn("illustration cache entry has stale size; ignoring",
			"date", key, "width", e.Bitmap.Width(), "height", e.Bitmap.Height())
		return Entry{}, false
	}
	if AgeInDays(e.CreatedAt, c.opts.Now()) > c.opts.RetentionDays {
		return Entry{}, false
	}
	return e, true
}

// PurgeExpired deletes entries whose age exceeds the retention window. It
// does the work at most once per calendar day of now; later calls that day
// return (0, nil).
func (c *Cache) PurgeExpired(now time.Time) (int, error) {
	if c == nil {
		return 0, nil
	}
	today := DateKey(now)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastPurge == today {
		return 0, nil
	}

	// Entries whose save failed exist only in memory.
	for k, e := range c.mem {
		if AgeInDays(e.CreatedAt, now) > c.opts.RetentionDays {
			delete(c.mem, k)
		}
	}

	entries, err := c.store.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if AgeInDays(e.CreatedAt, now) <= c.opts.RetentionDays {
			continue
		}
		if err := c.store.Delete(e.Date); err != nil {
			appLog.Error("illustration purge failed", err, "date", e.Date)
			continue
		}
		delete(c.mem, e.Date)
		removed++
	}

	for k := range c.attempted {
		if k != today {
			delete(c.attempted, k)
		}
	}
	c.lastPurge = today

	appLog.Info("illustration cache purged", "removed", removed, "retention_days", c.opts.RetentionDays)
	return removed, nil
}
