package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/memworld"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

func v(x, y, z int) model.Vec3i { return model.Vec3i{X: x, Y: y, Z: z} }

func TestCacheDemoteKeepsKnown(t *testing.T) {
	w := memworld.New()
	b := w.AddContainer(v(1, 0, 0), memworld.NewStore())
	c := NewCache()
	src := NewStatic(b)
	c.Upsert(src)
	require.Equal(t, 1, c.Len())

	c.Demote(src.Key())
	_, ok := c.Get(src.Key())
	assert.False(t, ok)
	got, ok := c.Known(src.Key())
	require.True(t, ok)
	assert.Same(t, src, got)

	c.Remove(src.Key())
	assert.Equal(t, 0, c.KnownLen())
}

func TestCacheGenTracksChanges(t *testing.T) {
	w := memworld.New()
	b := w.AddContainer(v(1, 0, 0), memworld.NewStore())
	c := NewCache()
	src := NewStatic(b)

	g := c.Gen()
	c.Upsert(src)
	require.Greater(t, c.Gen(), g)

	g = c.Gen()
	c.Upsert(src)
	assert.Equal(t, g, c.Gen(), "same wrapper")

	c.Upsert(NewStatic(b))
	assert.Greater(t, c.Gen(), g, "replaced wrapper")

	g = c.Gen()
	c.Demote(src.Key())
	assert.Greater(t, c.Gen(), g)
	g = c.Gen()
	c.Demote(src.Key())
	assert.Equal(t, g, c.Gen(), "already demoted")

	c.Clear()
	assert.Greater(t, c.Gen(), g)
}

func TestSnapshotIsSorted(t *testing.T) {
	w := memworld.New()
	c := NewCache()
	for _, p := range []model.Vec3i{v(9, 0, 0), v(-3, 0, 0), v(4, 1, 0)} {
		c.Upsert(NewStatic(w.AddContainer(p, memworld.NewStore())))
	}
	c.Upsert(NewMobile(model.KindVehicle, NewEntityRef(7, w.EntityByID)))

	snap := c.SnapshotCurrent()
	require.Len(t, snap, 4)
	for i := 1; i < len(snap); i++ {
		assert.True(t, model.KeyLess(snap[i-1].Key(), snap[i].Key()))
	}
}

func TestEntityRefDoesNotOutliveEntity(t *testing.T) {
	w := memworld.New()
	e := w.AddVehicle("alice", v(0, 0, 0), memworld.NewStore())
	m := NewMobile(model.KindVehicle, NewEntityRef(e.ID(), w.EntityByID))
	assert.True(t, Alive(m))

	w.Forget(e.ID())
	assert.False(t, Alive(m))
	_, err := Inspect(m, "alice")
	assert.ErrorIs(t, err, world.ErrGone)
}

func TestInspectMobileReportsCurrentPosition(t *testing.T) {
	w := memworld.New()
	e := w.AddDrone("alice", v(0, 0, 0), memworld.NewStore())
	m := NewMobile(model.KindDrone, NewEntityRef(e.ID(), w.EntityByID))
	e.MoveTo(v(5, 5, 5))

	p, err := Inspect(m, "alice")
	require.NoError(t, err)
	assert.Equal(t, v(5, 5, 5), p.Pos)
	assert.Equal(t, "alice", p.OwnerID)

	p.MarkChanged()
	assert.EqualValues(t, 1, e.Dirty.Load())
}

func TestSyntheticSlicesOwner(t *testing.T) {
	w := memworld.New()
	out := memworld.NewStore(memworld.Stack("plank", 4))
	ws := w.AddWorkstation(v(2, 0, 0), out)
	s := NewWorkstationOutput(ws)
	assert.Equal(t, model.KindWorkstation, s.Key().Kind)

	p, err := Inspect(s, "alice")
	require.NoError(t, err)
	slots, err := p.Storage.Slots()
	require.NoError(t, err)
	assert.Equal(t, []model.ItemStack{memworld.Stack("plank", 4)}, slots)

	ws.Destroy()
	assert.False(t, Alive(s))
}

func TestWrapsDetectsReplacedObject(t *testing.T) {
	w := memworld.New()
	old := w.AddContainer(v(0, 0, 0), memworld.NewStore())
	src := NewStatic(old)
	old.Destroy()
	repl := w.AddContainer(v(0, 0, 0), memworld.NewStore())

	assert.True(t, Wraps(src, old))
	assert.False(t, Wraps(src, repl))
}

func TestFilterAdmit(t *testing.T) {
	w := memworld.New()
	reg := locks.New(locks.Config{})
	f := Filter{
		Actor:              world.Actor{ID: "alice"},
		Range:              10,
		RespectLockedSlots: true,
		IsLocked:           reg.IsLocked,
	}
	probe := func(src StorageSource) Probe {
		p, err := Inspect(src, "alice")
		require.NoError(t, err)
		return p
	}

	near := NewStatic(w.AddContainer(v(3, 0, 0), memworld.NewStore()))
	far := NewStatic(w.AddContainer(v(30, 0, 0), memworld.NewStore()))
	assert.True(t, f.Admit(model.KindContainer, probe(near)))
	assert.False(t, f.Admit(model.KindContainer, probe(far)))

	reg.Add(v(3, 0, 0), 1)
	assert.False(t, f.Admit(model.KindContainer, probe(near)))

	guarded := NewStatic(w.AddContainer(v(1, 0, 0), memworld.NewStore()).Lock("alice"))
	assert.False(t, f.Admit(model.KindContainer, probe(guarded)))
	f.AllowLockedContainers = true
	assert.True(t, f.Admit(model.KindContainer, probe(guarded)))

	theirs := w.AddVehicle("bob", v(1, 0, 0), memworld.NewStore())
	assert.False(t, f.Admit(model.KindVehicle, probe(NewMobile(model.KindVehicle, NewEntityRef(theirs.ID(), w.EntityByID)))))

	busy := w.AddContainer(v(2, 0, 0), memworld.NewStore())
	busy.SetOpenedBy("bob")
	assert.False(t, f.Admit(model.KindContainer, probe(NewStatic(busy))))

	f.Enabled = func(model.Kind) bool { return false }
	assert.False(t, f.Admit(model.KindContainer, probe(NewStatic(w.AddContainer(v(0, 1, 0), memworld.NewStore())))))
}

func TestUsableSlotsSkipsLocked(t *testing.T) {
	st := memworld.NewStore(memworld.Stack("stone", 10), memworld.Stack("stone", 5), model.ItemStack{}).LockSlot(0)
	var seen []int
	require.NoError(t, Filter{RespectLockedSlots: true}.UsableSlots(st, func(i int, _ model.ItemStack) { seen = append(seen, i) }))
	assert.Equal(t, []int{1}, seen)

	seen = nil
	require.NoError(t, Filter{}.UsableSlots(st, func(i int, _ model.ItemStack) { seen = append(seen, i) }))
	assert.Equal(t, []int{0, 1}, seen)
}

func TestReaperSweep(t *testing.T) {
	w := memworld.New()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	c := NewCache()
	reg := locks.New(locks.Config{Expiry: time.Second, Now: clock})
	r := NewReaper(c, reg, time.Minute, nil, nil, clock)

	gone := w.AddContainer(v(1, 0, 0), memworld.NewStore())
	stay := w.AddContainer(v(2, 0, 0), memworld.NewStore())
	drone := w.AddDrone("alice", v(3, 0, 0), memworld.NewStore())
	c.Upsert(NewStatic(gone))
	c.Upsert(NewStatic(stay))
	dsrc := NewMobile(model.KindDrone, NewEntityRef(drone.ID(), w.EntityByID))
	c.Upsert(dsrc)
	reg.Add(v(9, 9, 9), 1)

	gone.Destroy()
	drone.MoveTo(v(100, 0, 0))
	now = now.Add(2 * time.Second)

	actor := world.Actor{ID: "alice"}
	res, ran := r.MaybeSweep(actor, 10)
	require.True(t, ran)
	assert.Equal(t, 1, res.Destroyed)
	assert.Equal(t, 1, res.Demoted)
	assert.Equal(t, 1, res.Locks.Expired)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 2, c.KnownLen())
	_, known := c.Known(dsrc.Key())
	assert.True(t, known)

	_, ran = r.MaybeSweep(actor, 10)
	assert.False(t, ran, "interval not elapsed")
	now = now.Add(time.Minute)
	_, ran = r.MaybeSweep(actor, 10)
	assert.True(t, ran)
}

func TestReaperDropsPanickingSource(t *testing.T) {
	w := memworld.New()
	c := NewCache()
	e := w.AddVehicle("alice", v(0, 0, 0), memworld.NewStore())
	bad := NewMobile(model.KindVehicle, NewEntityRef(e.ID(), func(model.EntityID) (world.Entity, bool) {
		panic("entity table torn down")
	}))
	c.Upsert(bad)
	r := NewReaper(c, nil, time.Minute, nil, nil, nil)
	res := r.Sweep(world.Actor{ID: "alice"}, 10)
	assert.Equal(t, 1, res.Destroyed)
	assert.Equal(t, 0, c.KnownLen())
}
