package model

import (
	"fmt"
	"time"
)

// EntityID identifies a movable world entity.
type EntityID uint64

func (id EntityID) String() string { return fmt.Sprintf("entity#%d", uint64(id)) }

// Key identifies one storage source in the caches.
//
// Fixed and synthetic sources key by (kind, owner position); mobile sources key
// by (kind, entity id) since their position changes. The kind is part of the
// key, so a workstation's output buffer never collides with a container at the
// same coordinate.
type Key struct {
	Kind   Kind
	Pos    Vec3i
	Entity EntityID
}

func FixedKey(kind Kind, pos Vec3i) Key { return Key{Kind: kind, Pos: pos} }

func MobileKey(kind Kind, id EntityID) Key { return Key{Kind: kind, Entity: id} }

func (k Key) String() string {
	if k.Kind.Mobile() {
		return fmt.Sprintf("%s#%d", k.Kind, k.Entity)
	}
	return fmt.Sprintf("%s@%d,%d,%d", k.Kind, k.Pos.X, k.Pos.Y, k.Pos.Z)
}

func KeyLess(a, b Key) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Entity != b.Entity {
		return a.Entity < b.Entity
	}
	return Less(a.Pos, b.Pos)
}

// LockEntry is one position exclusively held by another actor.
type LockEntry struct {
	Pos      Vec3i
	LocalAt  time.Time
	OriginTS int64
}

func (k Key) Hash() uint32 {
	return k.Pos.Hash() ^ uint32(mix64(uint64(k.Entity)^uint64(k.Kind)<<56))
}
