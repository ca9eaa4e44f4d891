package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstash.ai/internal/stash/config"
	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/memworld"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/sources"
	"voxelstash.ai/internal/stash/world"
)

func v(x, y, z int) model.Vec3i { return model.Vec3i{X: x, Y: y, Z: z} }

type fixture struct {
	w     *memworld.World
	cache *sources.Cache
	locks *locks.Registry
	s     *Scanner
	now   time.Time
	actor world.Actor
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Range = 16
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		w:     memworld.New(),
		cache: sources.NewCache(),
		now:   time.Unix(1_700_000_000, 0),
		actor: world.Actor{ID: "alice"},
	}
	clock := func() time.Time { return f.now }
	f.locks = locks.New(locks.Config{Now: clock})
	f.s = New(Deps{
		World:  f.w,
		Cache:  f.cache,
		Locks:  f.locks,
		Faults: fault.Discard(),
		Now:    clock,
	}, cfg)
	return f
}

func TestSelectMethod(t *testing.T) {
	assert.Equal(t, MethodBounded, SelectMethod(CostModel{Range: 16, AlwaysCheapRange: 32}))
	assert.Equal(t, MethodFullIteration, SelectMethod(CostModel{Range: 0}))
	// 256/16 = 16 cells per axis: 256 vs 10*0.25.
	assert.Equal(t, MethodFullIteration, SelectMethod(CostModel{Range: 256, PartitionSize: 16, EntityCount: 10, IterationCostMultiplier: 0.25}))
	assert.Equal(t, MethodBounded, SelectMethod(CostModel{Range: 256, PartitionSize: 16, EntityCount: 5000, IterationCostMultiplier: 0.25}))
}

func TestScanDiscoversEligibleSources(t *testing.T) {
	f := newFixture(t, nil)
	f.w.AddContainer(v(1, 0, 0), memworld.NewStore(memworld.Stack("stone", 1)))
	f.w.AddWorkstation(v(2, 0, 0), memworld.NewStore())
	f.w.AddCollector(v(3, 0, 0), memworld.NewStore())
	f.w.AddVehicle("alice", v(4, 0, 0), memworld.NewStore())
	f.w.AddDrone("alice", v(5, 0, 0), memworld.NewStore())
	f.w.AddCritter(v(0, 0, 1))

	f.w.AddContainer(v(100, 0, 0), memworld.NewStore())
	f.w.AddVehicle("bob", v(1, 1, 0), memworld.NewStore())
	f.w.AddContainer(v(0, 2, 0), memworld.NewStore()).Lock()
	f.w.AddContainer(v(0, 3, 0), memworld.NewStore()).SetOpenedBy("bob")
	f.w.AddContainer(v(0, 4, 0), memworld.NewStore())
	f.locks.Add(v(0, 4, 0), 1)

	f.s.Scan(f.actor)

	var kinds []model.Kind
	for _, src := range f.cache.SnapshotCurrent() {
		kinds = append(kinds, src.Key().Kind)
	}
	assert.ElementsMatch(t, []model.Kind{
		model.KindContainer, model.KindWorkstation, model.KindCollector, model.KindVehicle, model.KindDrone,
	}, kinds)

	st := f.s.Stats()
	assert.Equal(t, MethodBounded, st.Method)
	assert.Equal(t, 1, st.SkippedOwner)
	assert.Equal(t, 2, st.SkippedLock)
	assert.Equal(t, 1, st.SkippedOpen)
	assert.EqualValues(t, 2, f.w.BoundedQueries.Load())
	assert.Zero(t, f.w.FullScans.Load())
}

func TestScanHonorsKindToggles(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Enable.Vehicles = false
		c.Enable.Drones = false
		c.Enable.Collectors = false
	})
	f.w.AddVehicle("alice", v(1, 0, 0), memworld.NewStore())
	f.w.AddCollector(v(2, 0, 0), memworld.NewStore())
	f.w.AddContainer(v(3, 0, 0), memworld.NewStore())

	f.s.Scan(f.actor)
	assert.Equal(t, 1, f.cache.Len())
	assert.Zero(t, f.w.BoundedQueries.Load()+f.w.FullScans.Load(), "entity queries skipped when no mobile kind is enabled")
}

func TestLockedContainerNeedsPermissionAndOption(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AllowLockedContainers = true })
	f.w.AddContainer(v(1, 0, 0), memworld.NewStore()).Lock("alice")
	f.w.AddContainer(v(2, 0, 0), memworld.NewStore()).Lock("bob")
	f.s.Scan(f.actor)
	require.Equal(t, 1, f.cache.Len())
	assert.Equal(t, v(1, 0, 0), f.cache.SnapshotCurrent()[0].Key().Pos)
}

func TestMaybeScanGate(t *testing.T) {
	f := newFixture(t, nil)
	assert.True(t, f.s.MaybeScan(f.actor, false), "first call scans")
	assert.False(t, f.s.MaybeScan(f.actor, false), "within cooldown")
	assert.True(t, f.s.MaybeScan(f.actor, true), "open source forces")

	moved := f.actor
	moved.Pos = v(9, 0, 0)
	assert.True(t, f.s.MaybeScan(moved, false), "moved past threshold")
	assert.False(t, f.s.MaybeScan(moved, false))

	f.now = f.now.Add(2 * time.Second)
	assert.True(t, f.s.MaybeScan(moved, false), "cooldown elapsed")

	f.s.Force()
	assert.True(t, f.s.MaybeScan(moved, false))
	assert.EqualValues(t, 2, f.s.Stats().Skipped)
}

func TestScanIsAdditiveUntilFullRefresh(t *testing.T) {
	f := newFixture(t, nil)
	b := f.w.AddContainer(v(1, 0, 0), memworld.NewStore())
	f.s.Scan(f.actor)
	require.Equal(t, 1, f.cache.Len())

	b.Destroy()
	f.s.Scan(f.actor)
	assert.Equal(t, 1, f.cache.Len(), "scan alone never removes")

	f.s.RequestFullRefresh()
	assert.True(t, f.s.MaybeScan(f.actor, false))
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, 0, f.cache.KnownLen())
}

func TestScanReusesKnownWrapper(t *testing.T) {
	f := newFixture(t, nil)
	e := f.w.AddVehicle("alice", v(1, 0, 0), memworld.NewStore())
	f.s.Scan(f.actor)
	key := model.MobileKey(model.KindVehicle, e.ID())
	first, ok := f.cache.Get(key)
	require.True(t, ok)

	f.cache.Demote(key)
	f.s.Scan(f.actor)
	again, ok := f.cache.Get(key)
	require.True(t, ok)
	assert.Same(t, first, again)
}

func TestScanReplacesWrapperOfReplacedObject(t *testing.T) {
	f := newFixture(t, nil)
	old := f.w.AddContainer(v(1, 0, 0), memworld.NewStore())
	f.s.Scan(f.actor)
	old.Destroy()
	repl := f.w.AddContainer(v(1, 0, 0), memworld.NewStore())
	f.s.Scan(f.actor)

	src, ok := f.cache.Get(model.FixedKey(model.KindContainer, v(1, 0, 0)))
	require.True(t, ok)
	assert.True(t, sources.Wraps(src, repl))
}

func TestPartitionPanicIsContained(t *testing.T) {
	f := newFixture(t, nil)
	f.w.AddContainer(v(1, 0, 0), memworld.NewStore())
	f.w.AddVehicle("alice", v(2, 0, 0), memworld.NewStore())
	f.w.PanicPartition.Store(true)

	require.NotPanics(t, func() { f.s.Scan(f.actor) })
	assert.Equal(t, 1, f.cache.Len(), "entities still discovered")
	assert.Positive(t, f.s.Stats().Faults)
}

func TestReconfigureReselectsMethod(t *testing.T) {
	f := newFixture(t, nil)
	f.s.Scan(f.actor)
	require.Equal(t, MethodBounded, f.s.Method())

	cfg := config.Defaults()
	cfg.Range = 0
	f.s.Reconfigure(cfg)
	assert.Equal(t, MethodUnset, f.s.Method())
	assert.True(t, f.s.MaybeScan(f.actor, false))
	assert.Equal(t, MethodFullIteration, f.s.Method())
	assert.EqualValues(t, 1, f.w.FullScans.Load())
}
