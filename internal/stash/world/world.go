// Package world describes the host world the aggregation engine observes.
//
// The engine never owns world objects. Every handle obtained here may be
// destroyed by the host at any time; callers detect that lazily through
// Destroyed, a nil lookup, or an error from Storage.
package world

import (
	"errors"
	"fmt"

	"voxelstash.ai/internal/stash/model"
)

// ErrGone is returned by storage accessors once the backing object has been
// destroyed or unloaded.
var ErrGone = errors.New("world object gone")

// PartitionSize is the edge length, in blocks, of one spatial partition.
const PartitionSize = 16

// EntityKind classifies movable entities. Only vehicles and drones carry storage.
type EntityKind uint8

const (
	EntityOther EntityKind = iota
	EntityVehicle
	EntityDrone
)

// FixedKind classifies fixed-position objects that expose storage.
type FixedKind uint8

const (
	FixedOther FixedKind = iota
	FixedContainer
	FixedWorkstation
	FixedCollector
)

type Actor struct {
	ID  string
	Pos model.Vec3i
}

// Storage is a slotted item store.
type Storage interface {
	Slots() ([]model.ItemStack, error)
	SetSlot(i int, s model.ItemStack) error
	// SlotLocked reports whether the owner pinned slot i. Stores without a lock
	// mask always return false.
	SlotLocked(i int) bool
}

type FixedObject interface {
	Pos() model.Vec3i
	Kind() FixedKind
	Destroyed() bool
	AccessLocked() bool
	UserAllowed(actorID string) bool
	// OpenedBy returns the id of the actor currently interacting with the
	// object, or "".
	OpenedBy() string
	// Storage is the main store of a container or collector.
	Storage() Storage
	// OutputStorage is the output buffer of a workstation, nil otherwise.
	OutputStorage() Storage
	MarkDirty()
}

type Entity interface {
	ID() model.EntityID
	Kind() EntityKind
	Pos() model.Vec3i
	Destroyed() bool
	OwnerID() string
	OpenedBy() string
	Storage() Storage
	MarkDirty()
}

type ChunkKey struct {
	CX int
	CZ int
}

// Partition is one loaded spatial partition. FixedObjects may only be called
// while the read lock returned by RLock is held.
type Partition interface {
	Key() ChunkKey
	RLock() (unlock func())
	FixedObjects() []FixedObject
}

type World interface {
	// Actor returns the querying actor; ok is false when no world is active.
	Actor() (Actor, bool)
	// Frame is the host's logical frame counter.
	Frame() uint64
	EntityCount() int
	EntitiesInBounds(kind EntityKind, box model.Box) []Entity
	AllEntities() []Entity
	EntityByID(id model.EntityID) (Entity, bool)
	Partitions() []Partition
}

func ChunkOf(p model.Vec3i) ChunkKey {
	return ChunkKey{CX: floorDiv(p.X, PartitionSize), CZ: floorDiv(p.Z, PartitionSize)}
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

// EntityKindFor maps a source kind to the entity kind that backs it.
func EntityKindFor(k model.Kind) (EntityKind, bool) {
	switch k {
	case model.KindVehicle:
		return EntityVehicle, true
	case model.KindDrone:
		return EntityDrone, true
	}
	return EntityOther, false
}

// SourceKindOfEntity is the inverse of EntityKindFor.
func SourceKindOfEntity(k EntityKind) (model.Kind, bool) {
	switch k {
	case EntityVehicle:
		return model.KindVehicle, true
	case EntityDrone:
		return model.KindDrone, true
	}
	return model.KindUnknown, false
}

func SourceKindOfFixed(k FixedKind) (model.Kind, bool) {
	switch k {
	case FixedContainer:
		return model.KindContainer, true
	case FixedWorkstation:
		return model.KindWorkstation, true
	case FixedCollector:
		return model.KindCollector, true
	}
	return model.KindUnknown, false
}

func (k ChunkKey) String() string { return fmt.Sprintf("chunk(%d,%d)", k.CX, k.CZ) }
