package sources

import (
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

// Filter decides which sources and slots counting and removal may touch.
// Both paths use the same Filter so a count never promises items a removal
// cannot reach.
type Filter struct {
	Actor                 world.Actor
	Range                 int
	RespectLockedSlots    bool
	AllowLockedContainers bool
	Enabled               func(model.Kind) bool
	IsLocked              func(model.Vec3i) bool
}

// Admit reports whether a probed source of kind k is usable by the actor.
func (f Filter) Admit(k model.Kind, p Probe) bool {
	if f.Enabled != nil && !f.Enabled(k) {
		return false
	}
	if p.Storage == nil {
		return false
	}
	if !model.InRange(f.Actor.Pos, p.Pos, f.Range) {
		return false
	}
	if f.IsLocked != nil && f.IsLocked(p.Pos) {
		return false
	}
	if k == model.KindContainer && p.AccessLocked && (!p.UserAllowed || !f.AllowLockedContainers) {
		return false
	}
	if k.Mobile() && p.OwnerID != f.Actor.ID {
		return false
	}
	if p.OpenedBy != "" && p.OpenedBy != f.Actor.ID {
		return false
	}
	return true
}

// UsableSlots calls fn for every non-empty slot the filter allows.
func (f Filter) UsableSlots(st world.Storage, fn func(i int, s model.ItemStack)) error {
	slots, err := st.Slots()
	if err != nil {
		return err
	}
	for i, s := range slots {
		if s.Empty() {
			continue
		}
		if f.RespectLockedSlots && st.SlotLocked(i) {
			continue
		}
		fn(i, s)
	}
	return nil
}
