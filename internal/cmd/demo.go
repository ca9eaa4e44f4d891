package cmd

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"voxelstash.ai/internal/stash/engine"
	"voxelstash.ai/internal/stash/memworld"
	"voxelstash.ai/internal/stash/model"
)

var demoOrigin = model.Vec3i{X: 0, Y: 64, Z: 0}

var demoItems = []string{"iron_ingot", "plank", "coal", "copper_wire"}

const demoStack = 64

// demoLoop seeds a small base around the actor and then repeatedly counts,
// removes and restocks items, which keeps every engine path busy.
type demoLoop struct {
	w    *memworld.World
	eng  *engine.Engine
	log  *slog.Logger
	rnd  *rand.Rand
	refs []*memworld.Store

	vehicle *memworld.Entity
	ticks   int
}

func newDemoLoop(w *memworld.World, eng *engine.Engine, log *slog.Logger) *demoLoop {
	d := &demoLoop{w: w, eng: eng, log: log, rnd: rand.New(rand.NewPCG(1, 2))}
	actor, _ := w.Actor()

	for i := range 8 {
		st := memworld.NewStore(
			memworld.Stack(demoItems[i%len(demoItems)], demoStack),
			memworld.Stack(demoItems[(i+1)%len(demoItems)], demoStack/2),
			model.ItemStack{},
		)
		if i%3 == 0 {
			st.LockSlot(1)
		}
		pos := demoOrigin.Add(model.Vec3i{X: (i%4)*6 - 9, Z: (i/4)*6 - 3})
		w.AddContainer(pos, st)
		d.refs = append(d.refs, st)
	}
	ws := memworld.NewStore(memworld.Stack("copper_wire", 12))
	w.AddWorkstation(demoOrigin.Add(model.Vec3i{X: 2}), ws)
	d.refs = append(d.refs, ws)

	cs := memworld.NewStore(memworld.Stack("coal", 20), model.ItemStack{})
	w.AddCollector(demoOrigin.Add(model.Vec3i{Z: 12}), cs)
	d.refs = append(d.refs, cs)

	vs := memworld.NewStore(memworld.Stack("plank", demoStack), memworld.Stack("iron_ingot", 16))
	d.vehicle = w.AddVehicle(actor.ID, demoOrigin.Add(model.Vec3i{X: -4, Z: 4}), vs)
	d.refs = append(d.refs, vs)

	w.AddDrone(actor.ID, demoOrigin.Add(model.Vec3i{Y: 6}), memworld.NewStore(memworld.Stack("iron_ingot", 8)))
	// Someone else's vehicle never counts.
	w.AddVehicle("stranger", demoOrigin.Add(model.Vec3i{X: 3, Z: 3}), memworld.NewStore(memworld.Stack("coal", 99)))
	for i := range 24 {
		w.AddCritter(demoOrigin.Add(model.Vec3i{X: i * 5, Z: -i * 3}))
	}
	return d
}

func (d *demoLoop) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	d.eng.Prewarm()
	d.log.Info("demo seeded", "scan", d.eng.ScanMethodInfo(), "items", d.eng.GetItemCounts())

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.step()
		}
	}
}

func (d *demoLoop) step() {
	d.ticks++
	d.w.NextFrame()

	// The vehicle wanders in and out of range.
	off := (d.ticks % 40) * 3
	d.vehicle.MoveTo(demoOrigin.Add(model.Vec3i{X: -4 - off, Z: 4}))

	item := demoItems[d.rnd.IntN(len(demoItems))]
	have := d.eng.GetItemCount(item)
	if have == 0 {
		d.restock(item)
		return
	}
	want := 1 + d.rnd.IntN(min(have, 24))
	got := d.eng.RemoveItems(item, want)
	d.log.Debug("demo removal", "item", item, "want", want, "got", got, "left", d.eng.GetItemCount(item))
	if d.ticks%30 == 0 {
		d.log.Info("demo status", "scan", d.eng.ScanMethodInfo(), "locks", d.eng.LockInfo())
	}
}

func (d *demoLoop) restock(item string) {
	for _, st := range d.refs {
		slots, err := st.Slots()
		if err != nil {
			continue
		}
		for i, s := range slots {
			if s.Empty() {
				_ = st.SetSlot(i, memworld.Stack(item, demoStack))
				break
			}
			if s.Item == item {
				st.SetCount(i, demoStack)
				break
			}
		}
	}
	d.eng.InvalidateCache()
	d.log.Info("demo restocked", "item", item, "count", d.eng.GetItemCount(item))
}
