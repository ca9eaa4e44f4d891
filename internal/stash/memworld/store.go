package memworld

import (
	"sync"

	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

type destroyable interface{ Destroyed() bool }

// Store is an in-memory slotted storage with an optional per-slot lock mask.
type Store struct {
	mu     sync.Mutex
	slots  []model.ItemStack
	locked []bool
	owner  destroyable

	// Panic makes every access panic, simulating a host object torn down
	// mid-access.
	Panic bool
}

func NewStore(stacks ...model.ItemStack) *Store {
	s := &Store{slots: append([]model.ItemStack(nil), stacks...)}
	s.locked = make([]bool, len(s.slots))
	return s
}

// Stack is shorthand for building slot contents.
func Stack(item string, n int) model.ItemStack { return model.ItemStack{Item: item, Count: n} }

func (s *Store) check() error {
	if s.Panic {
		panic("memworld: storage torn down")
	}
	if s.owner != nil && s.owner.Destroyed() {
		return world.ErrGone
	}
	return nil
}

func (s *Store) Slots() ([]model.ItemStack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]model.ItemStack(nil), s.slots...), nil
}

func (s *Store) SetSlot(i int, st model.ItemStack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if i < 0 || i >= len(s.slots) {
		return world.ErrGone
	}
	if st.Empty() {
		st = model.ItemStack{}
	}
	s.slots[i] = st
	return nil
}

func (s *Store) SlotLocked(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return i >= 0 && i < len(s.locked) && s.locked[i]
}

func (s *Store) LockSlot(i int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.locked) {
		s.locked[i] = true
	}
	return s
}

// SetCount overwrites the count of slot i, keeping its item.
func (s *Store) SetCount(i, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[i].Count = n
}

// Total sums item over all slots, locked ones included.
func (s *Store) Total(item string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.slots {
		if st.Item == item {
			n += st.Count
		}
	}
	return n
}

// Clone copies contents and lock mask, as a UI would when a container opens.
func (s *Store) Clone() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Store{
		slots:  append([]model.ItemStack(nil), s.slots...),
		locked: append([]bool(nil), s.locked...),
	}
}
