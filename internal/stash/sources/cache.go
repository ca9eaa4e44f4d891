package sources

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"voxelstash.ai/internal/stash/model"
)

// Cache keeps every source ever discovered (known) and the sources eligible
// as of their last scan (current). Known survives out-of-range excursions so
// coming back does not pay the discovery cost again.
type Cache struct {
	known   cmap.ConcurrentMap[model.Key, StorageSource]
	current cmap.ConcurrentMap[model.Key, StorageSource]
	gen     atomic.Uint64
}

func NewCache() *Cache {
	return &Cache{
		known:   cmap.NewWithCustomShardingFunction[model.Key, StorageSource](model.Key.Hash),
		current: cmap.NewWithCustomShardingFunction[model.Key, StorageSource](model.Key.Hash),
	}
}

// Upsert stores src under its key. Re-storing the wrapper already current
// for that key leaves the generation alone.
func (c *Cache) Upsert(src StorageSource) {
	k := src.Key()
	c.known.Set(k, src)
	changed := false
	c.current.Upsert(k, src, func(exist bool, old, nv StorageSource) StorageSource {
		changed = !exist || old != nv
		return nv
	})
	if changed {
		c.gen.Add(1)
	}
}

func (c *Cache) Remove(k model.Key) {
	_, cur := c.current.Pop(k)
	_, known := c.known.Pop(k)
	if cur || known {
		c.gen.Add(1)
	}
}

// Demote drops k from the current set but remembers it.
func (c *Cache) Demote(k model.Key) {
	if _, ok := c.current.Pop(k); ok {
		c.gen.Add(1)
	}
}

// Gen advances whenever the current set changes membership or a key is
// rebound to a different wrapper.
func (c *Cache) Gen() uint64 { return c.gen.Load() }

func (c *Cache) Get(k model.Key) (StorageSource, bool) { return c.current.Get(k) }

func (c *Cache) Known(k model.Key) (StorageSource, bool) { return c.known.Get(k) }

// SnapshotCurrent copies the current set. The copy is safe to iterate while
// scans keep mutating the cache.
func (c *Cache) SnapshotCurrent() []StorageSource { return snapshot(c.current) }

func (c *Cache) SnapshotKnown() []StorageSource { return snapshot(c.known) }

func (c *Cache) Len() int      { return c.current.Count() }
func (c *Cache) KnownLen() int { return c.known.Count() }

func (c *Cache) Clear() {
	c.current.Clear()
	c.known.Clear()
	c.gen.Add(1)
}

func snapshot(m cmap.ConcurrentMap[model.Key, StorageSource]) []StorageSource {
	items := m.Items()
	out := make([]StorageSource, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return model.KeyLess(out[i].Key(), out[j].Key()) })
	return out
}
