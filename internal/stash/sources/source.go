// Package sources holds the storage source wrappers and the two-level cache
// the scanner fills and the counters and removal walk.
package sources

import (
	"fmt"

	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

// StorageSource is a closed variant: *StaticContainer, *MobileContainer or
// *SyntheticSource. Consumers switch over all three.
type StorageSource interface {
	Key() model.Key
	storageSource()
}

// StaticContainer is storage owned by a fixed-position object.
type StaticContainer struct {
	key model.Key
	Obj world.FixedObject
}

func NewStatic(obj world.FixedObject) *StaticContainer {
	return &StaticContainer{key: model.FixedKey(model.KindContainer, obj.Pos()), Obj: obj}
}

func (s *StaticContainer) Key() model.Key { return s.key }
func (*StaticContainer) storageSource()   {}

// EntityRef observes an entity the world owns. It never keeps the entity
// alive; Resolve fails once the world forgets or destroys it.
type EntityRef struct {
	ID     model.EntityID
	lookup func(model.EntityID) (world.Entity, bool)
}

func NewEntityRef(id model.EntityID, lookup func(model.EntityID) (world.Entity, bool)) EntityRef {
	return EntityRef{ID: id, lookup: lookup}
}

func (r EntityRef) Resolve() (world.Entity, bool) {
	if r.lookup == nil {
		return nil, false
	}
	e, ok := r.lookup(r.ID)
	if !ok || e == nil || e.Destroyed() {
		return nil, false
	}
	return e, true
}

// MobileContainer is storage carried by a vehicle or drone.
type MobileContainer struct {
	key model.Key
	Ref EntityRef
}

func NewMobile(kind model.Kind, ref EntityRef) *MobileContainer {
	return &MobileContainer{key: model.MobileKey(kind, ref.ID), Ref: ref}
}

func (m *MobileContainer) Key() model.Key { return m.key }
func (*MobileContainer) storageSource()   {}

// SyntheticSource exposes a slice of another object's state, such as a
// workstation output buffer, as if it were independent storage.
type SyntheticSource struct {
	key   model.Key
	Owner world.FixedObject
	slice func(world.FixedObject) world.Storage
}

func NewWorkstationOutput(owner world.FixedObject) *SyntheticSource {
	return &SyntheticSource{
		key:   model.FixedKey(model.KindWorkstation, owner.Pos()),
		Owner: owner,
		slice: func(o world.FixedObject) world.Storage { return o.OutputStorage() },
	}
}

func NewCollector(owner world.FixedObject) *SyntheticSource {
	return &SyntheticSource{
		key:   model.FixedKey(model.KindCollector, owner.Pos()),
		Owner: owner,
		slice: func(o world.FixedObject) world.Storage { return o.Storage() },
	}
}

func (s *SyntheticSource) Key() model.Key { return s.key }
func (*SyntheticSource) storageSource()   {}

// Wraps reports whether src is backed by obj. A position reused by a newly
// placed object must not keep the wrapper of the destroyed one.
func Wraps(src StorageSource, obj world.FixedObject) bool {
	switch s := src.(type) {
	case *StaticContainer:
		return s.Obj == obj
	case *MobileContainer:
		return false
	case *SyntheticSource:
		return s.Owner == obj
	default:
		panic(fmt.Sprintf("sources: unhandled source variant %T", src))
	}
}

// Probe is a point-in-time view of a live source.
type Probe struct {
	Pos          model.Vec3i
	Storage      world.Storage
	AccessLocked bool
	UserAllowed  bool
	OpenedBy     string
	OwnerID      string

	markDirty func()
}

// MarkChanged tells the owning object its storage was mutated so it persists
// and syncs the change.
func (p Probe) MarkChanged() {
	if p.markDirty != nil {
		p.markDirty()
	}
}

// Alive reports whether the underlying world object still exists.
func Alive(src StorageSource) bool {
	switch s := src.(type) {
	case *StaticContainer:
		return s.Obj != nil && !s.Obj.Destroyed()
	case *MobileContainer:
		_, ok := s.Ref.Resolve()
		return ok
	case *SyntheticSource:
		return s.Owner != nil && !s.Owner.Destroyed()
	default:
		panic(fmt.Sprintf("sources: unhandled source variant %T", src))
	}
}

// Inspect re-derives the real-world state of src. Mobile sources report the
// entity's current position; synthetic sources resolve to their owner.
func Inspect(src StorageSource, actorID string) (Probe, error) {
	switch s := src.(type) {
	case *StaticContainer:
		if s.Obj == nil || s.Obj.Destroyed() {
			return Probe{}, world.ErrGone
		}
		return Probe{
			Pos:          s.Obj.Pos(),
			Storage:      s.Obj.Storage(),
			AccessLocked: s.Obj.AccessLocked(),
			UserAllowed:  s.Obj.UserAllowed(actorID),
			OpenedBy:     s.Obj.OpenedBy(),
			markDirty:    s.Obj.MarkDirty,
		}, nil
	case *MobileContainer:
		e, ok := s.Ref.Resolve()
		if !ok {
			return Probe{}, world.ErrGone
		}
		return Probe{
			Pos:         e.Pos(),
			Storage:     e.Storage(),
			UserAllowed: true,
			OpenedBy:    e.OpenedBy(),
			OwnerID:     e.OwnerID(),
			markDirty:   e.MarkDirty,
		}, nil
	case *SyntheticSource:
		if s.Owner == nil || s.Owner.Destroyed() {
			return Probe{}, world.ErrGone
		}
		return Probe{
			Pos:         s.Owner.Pos(),
			Storage:     s.slice(s.Owner),
			UserAllowed: true,
			OpenedBy:    s.Owner.OpenedBy(),
			markDirty:   s.Owner.MarkDirty,
		}, nil
	default:
		panic(fmt.Sprintf("sources: unhandled source variant %T", src))
	}
}

// OpenHandle is the live state of the source the actor is interacting with.
// Its storage may differ from what the cached wrapper reads until the
// interaction ends.
type OpenHandle struct {
	Key     model.Key
	Pos     model.Vec3i
	Storage world.Storage
	// OnChange is called after the engine mutates Storage so attached UI can
	// refresh.
	OnChange func()
}
