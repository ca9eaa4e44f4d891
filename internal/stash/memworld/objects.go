package memworld

import (
	"sync"
	"sync/atomic"

	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

// Block is a fixed-position object: container, workstation or collector.
type Block struct {
	mu sync.Mutex

	pos          model.Vec3i
	kind         world.FixedKind
	destroyed    atomic.Bool
	accessLocked bool
	allowed      map[string]bool
	openedBy     string

	store  *Store
	output *Store

	Dirty atomic.Int64
}

func (b *Block) Pos() model.Vec3i       { return b.pos }
func (b *Block) Kind() world.FixedKind  { return b.kind }
func (b *Block) Destroyed() bool        { return b.destroyed.Load() }
func (b *Block) MarkDirty()             { b.Dirty.Add(1) }
func (b *Block) Store() *Store          { return b.store }
func (b *Block) Output() *Store         { return b.output }
func (b *Block) Destroy()               { b.destroyed.Store(true) }

func (b *Block) AccessLocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessLocked
}

func (b *Block) UserAllowed(actorID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.accessLocked || b.allowed[actorID]
}

func (b *Block) OpenedBy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedBy
}

func (b *Block) Storage() world.Storage {
	if b.store == nil {
		return nil
	}
	return b.store
}

func (b *Block) OutputStorage() world.Storage {
	if b.output == nil {
		return nil
	}
	return b.output
}

// Lock sets the block's access lock and the actors allowed through it.
func (b *Block) Lock(allowed ...string) *Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accessLocked = true
	b.allowed = map[string]bool{}
	for _, a := range allowed {
		b.allowed[a] = true
	}
	return b
}

func (b *Block) SetOpenedBy(actorID string) {
	b.mu.Lock()
	b.openedBy = actorID
	b.mu.Unlock()
}

// Entity is a movable entity with storage (vehicle or drone).
type Entity struct {
	mu sync.Mutex

	id        model.EntityID
	kind      world.EntityKind
	pos       model.Vec3i
	owner     string
	openedBy  string
	destroyed atomic.Bool
	store     *Store

	Dirty atomic.Int64
}

func (e *Entity) ID() model.EntityID     { return e.id }
func (e *Entity) Kind() world.EntityKind { return e.kind }
func (e *Entity) OwnerID() string        { return e.owner }
func (e *Entity) Destroyed() bool        { return e.destroyed.Load() }
func (e *Entity) MarkDirty()             { e.Dirty.Add(1) }
func (e *Entity) Store() *Store          { return e.store }
func (e *Entity) Destroy()               { e.destroyed.Store(true) }

func (e *Entity) Pos() model.Vec3i {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *Entity) MoveTo(p model.Vec3i) {
	e.mu.Lock()
	e.pos = p
	e.mu.Unlock()
}

func (e *Entity) OpenedBy() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openedBy
}

func (e *Entity) SetOpenedBy(actorID string) {
	e.mu.Lock()
	e.openedBy = actorID
	e.mu.Unlock()
}

func (e *Entity) Storage() world.Storage {
	if e.store == nil {
		return nil
	}
	return e.store
}
