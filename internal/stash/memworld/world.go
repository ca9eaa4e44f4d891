// Package memworld is an in-memory world. It hosts the engine in stashd when
// no game is attached and backs the package tests.
package memworld

import (
	"sort"
	"sync"
	"sync/atomic"

	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

type chunk struct {
	mu   sync.RWMutex
	key  world.ChunkKey
	objs []*Block
}

func (c *chunk) Key() world.ChunkKey { return c.key }

func (c *chunk) RLock() func() {
	c.mu.RLock()
	return c.mu.RUnlock
}

func (c *chunk) FixedObjects() []world.FixedObject {
	out := make([]world.FixedObject, 0, len(c.objs))
	for _, b := range c.objs {
		out = append(out, b)
	}
	return out
}

type World struct {
	mu       sync.RWMutex
	actor    world.Actor
	hasActor bool
	frame    atomic.Uint64
	nextID   model.EntityID

	entities map[model.EntityID]*Entity
	chunks   map[world.ChunkKey]*chunk

	BoundedQueries atomic.Int64
	FullScans      atomic.Int64
	// PanicPartition makes every partition walk panic.
	PanicPartition atomic.Bool
}

var _ world.World = (*World)(nil)

func New() *World {
	return &World{
		entities: map[model.EntityID]*Entity{},
		chunks:   map[world.ChunkKey]*chunk{},
	}
}

func (w *World) SetActor(id string, pos model.Vec3i) {
	w.mu.Lock()
	w.actor = world.Actor{ID: id, Pos: pos}
	w.hasActor = true
	w.mu.Unlock()
}

func (w *World) ClearActor() {
	w.mu.Lock()
	w.hasActor = false
	w.mu.Unlock()
}

func (w *World) Actor() (world.Actor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.actor, w.hasActor
}

func (w *World) Frame() uint64 { return w.frame.Load() }

// NextFrame advances the logical frame counter.
func (w *World) NextFrame() uint64 { return w.frame.Add(1) }

func (w *World) addBlock(b *Block) *Block {
	if b.store != nil {
		b.store.owner = b
	}
	if b.output != nil {
		b.output.owner = b
	}
	k := world.ChunkOf(b.pos)
	w.mu.Lock()
	ch := w.chunks[k]
	if ch == nil {
		ch = &chunk{key: k}
		w.chunks[k] = ch
	}
	w.mu.Unlock()
	ch.mu.Lock()
	ch.objs = append(ch.objs, b)
	ch.mu.Unlock()
	return b
}

func (w *World) AddContainer(pos model.Vec3i, store *Store) *Block {
	return w.addBlock(&Block{pos: pos, kind: world.FixedContainer, store: store})
}

func (w *World) AddWorkstation(pos model.Vec3i, output *Store) *Block {
	return w.addBlock(&Block{pos: pos, kind: world.FixedWorkstation, store: NewStore(), output: output})
}

func (w *World) AddCollector(pos model.Vec3i, store *Store) *Block {
	return w.addBlock(&Block{pos: pos, kind: world.FixedCollector, store: store})
}

func (w *World) addEntity(kind world.EntityKind, owner string, pos model.Vec3i, store *Store) *Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	e := &Entity{id: w.nextID, kind: kind, owner: owner, pos: pos, store: store}
	if store != nil {
		store.owner = e
	}
	w.entities[e.id] = e
	return e
}

func (w *World) AddVehicle(owner string, pos model.Vec3i, store *Store) *Entity {
	return w.addEntity(world.EntityVehicle, owner, pos, store)
}

func (w *World) AddDrone(owner string, pos model.Vec3i, store *Store) *Entity {
	return w.addEntity(world.EntityDrone, owner, pos, store)
}

// AddCritter adds an entity without storage, which scans must skip cheaply.
func (w *World) AddCritter(pos model.Vec3i) *Entity {
	return w.addEntity(world.EntityOther, "", pos, nil)
}

// Forget removes an entity from the world entirely (unloaded).
func (w *World) Forget(id model.EntityID) {
	w.mu.Lock()
	delete(w.entities, id)
	w.mu.Unlock()
}

func (w *World) EntityCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}

func (w *World) sortedEntities() []*Entity {
	w.mu.RLock()
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (w *World) EntitiesInBounds(kind world.EntityKind, box model.Box) []world.Entity {
	w.BoundedQueries.Add(1)
	var out []world.Entity
	for _, e := range w.sortedEntities() {
		if e.kind == kind && !e.Destroyed() && box.Contains(e.Pos()) {
			out = append(out, e)
		}
	}
	return out
}

func (w *World) AllEntities() []world.Entity {
	w.FullScans.Add(1)
	all := w.sortedEntities()
	out := make([]world.Entity, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	return out
}

func (w *World) EntityByID(id model.EntityID) (world.Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	if !ok {
		return nil, false
	}
	return e, true
}

type panicPartition struct{ *chunk }

func (p panicPartition) FixedObjects() []world.FixedObject { panic("memworld: partition unloaded") }

func (w *World) Partitions() []world.Partition {
	w.mu.RLock()
	keys := make([]world.ChunkKey, 0, len(w.chunks))
	for k := range w.chunks {
		keys = append(keys, k)
	}
	w.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
	out := make([]world.Partition, 0, len(keys))
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, k := range keys {
		if w.PanicPartition.Load() {
			out = append(out, panicPartition{w.chunks[k]})
			continue
		}
		out = append(out, w.chunks[k])
	}
	return out
}
