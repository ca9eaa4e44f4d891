// Package counts caches per-item totals across every usable storage source.
package counts

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type built struct {
	counts map[string]int
	at     time.Time
	frame  uint64
}

// Cache serves item totals. Readers on the fast path never block; a rebuild
// runs under one mutex and is published atomically, so no reader sees a
// partially built map.
type Cache struct {
	mu    sync.Mutex
	cur   atomic.Pointer[built]
	gen   atomic.Uint64
	build func() Totals

	window atomic.Int64
	now    func() time.Time
	log    *slog.Logger

	overflowLogged atomic.Bool
	rebuilds       atomic.Uint64
	hits           atomic.Uint64
}

// New returns a cache that calls build on every rebuild.
func New(build func() Totals, window time.Duration, now func() time.Time, logger *slog.Logger) *Cache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{build: build, now: now, log: logger}
	c.window.Store(int64(window))
	return c
}

func (c *Cache) SetWindow(d time.Duration) { c.window.Store(int64(d)) }

// Get returns the total for item. Results built during frame, or within the
// freshness window, are served as is.
func (c *Cache) Get(item string, frame uint64) int {
	return c.snapshot(frame)[item]
}

// All returns a copy of every total.
func (c *Cache) All(frame uint64) map[string]int {
	m := c.snapshot(frame)
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Cache) snapshot(frame uint64) map[string]int {
	if b := c.fresh(frame); b != nil {
		c.hits.Add(1)
		return b.counts
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.fresh(frame); b != nil {
		c.hits.Add(1)
		return b.counts
	}
	gen := c.gen.Load()
	t := c.build()
	if len(t.Overflow) > 0 && c.overflowLogged.CompareAndSwap(false, true) {
		c.log.Warn("item count saturated", "items", t.Overflow)
	}
	b := &built{counts: t.Counts, at: c.now(), frame: frame}
	c.rebuilds.Add(1)
	// An invalidation that raced the rebuild wins; the result is still
	// returned to this caller but not cached.
	if c.gen.Load() == gen {
		c.cur.Store(b)
	}
	return b.counts
}

func (c *Cache) fresh(frame uint64) *built {
	b := c.cur.Load()
	if b == nil {
		return nil
	}
	if b.frame == frame {
		return b
	}
	if c.now().Sub(b.at) < time.Duration(c.window.Load()) {
		return b
	}
	return nil
}

// Invalidate drops the cached totals immediately.
func (c *Cache) Invalidate() {
	c.gen.Add(1)
	c.cur.Store(nil)
}

func (c *Cache) Valid() bool { return c.cur.Load() != nil }

type Stats struct {
	Rebuilds uint64
	Hits     uint64
	Valid    bool
	BuiltAt  time.Time
}

func (c *Cache) Stats() Stats {
	st := Stats{Rebuilds: c.rebuilds.Load(), Hits: c.hits.Load()}
	if b := c.cur.Load(); b != nil {
		st.Valid = true
		st.BuiltAt = b.at
	}
	return st
}
