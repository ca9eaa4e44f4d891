// Package removal takes items out of the storage sources around the actor.
package removal

import (
	"io"
	"log/slog"
	"sort"
	"time"

	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/sources"
	"voxelstash.ai/internal/stash/world"
)

// Record describes items taken from one source.
type Record struct {
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Item   string      `json:"item"`
	Source model.Key   `json:"-"`
	Kind   model.Kind  `json:"kind"`
	Pos    model.Vec3i `json:"pos"`
	Taken  int         `json:"taken"`
	// Live is set when the items came from an open handle.
	Live bool `json:"live,omitempty"`
}

// Sink receives one Record per source that gave up items.
type Sink interface {
	RecordRemoval(Record)
}

// Input is the state one removal reads. Sources is a snapshot; the
// coordinator never mutates the cache.
type Input struct {
	Filter   sources.Filter
	Priority []model.Kind
	Open     map[model.Kind]sources.OpenHandle
	Sources  []sources.StorageSource
}

type Result struct {
	Removed int
	Records []Record
	Faulted []model.Key
}

type Deps struct {
	Faults *fault.Logger
	Logger *slog.Logger
	Now    func() time.Time
	Sink   Sink
	// OnFault runs once per faulted source, typically requesting a full
	// source refresh.
	OnFault func(model.Key)
	// Invalidate runs when at least one item was removed.
	Invalidate func()
}

type Coordinator struct {
	d Deps
}

func New(d Deps) *Coordinator {
	if d.Faults == nil {
		d.Faults = fault.Discard()
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Coordinator{d: d}
}

type candidate struct {
	src   sources.StorageSource
	probe sources.Probe
	dist  int64
}

// Remove takes up to n of item, walking kinds in priority order. Within a
// kind the open handle is drained first, then cached sources closest first.
// The result never exceeds n.
func (c *Coordinator) Remove(item string, n int, in Input) Result {
	var res Result
	if n <= 0 || item == "" {
		return res
	}
	handled := map[model.Key]bool{}
	byKind := map[model.Kind][]sources.StorageSource{}
	for _, src := range in.Sources {
		k := src.Key().Kind
		byKind[k] = append(byKind[k], src)
	}

	for _, kind := range in.Priority {
		if res.Removed >= n {
			break
		}
		if in.Filter.Enabled != nil && !in.Filter.Enabled(kind) {
			continue
		}
		if h, ok := in.Open[kind]; ok && h.Storage != nil {
			handled[h.Key] = true
			c.drainOpen(&res, in, h, item, n)
		}
		for _, cand := range c.candidates(&res, in, kind, byKind[kind], handled) {
			if res.Removed >= n {
				break
			}
			c.drain(&res, in, cand, item, n)
		}
	}

	if res.Removed > 0 && c.d.Invalidate != nil {
		c.d.Invalidate()
	}
	if len(res.Faulted) > 0 {
		c.d.Logger.Info("removal skipped faulted sources", "item", item, "faulted", len(res.Faulted))
	}
	return res
}

func (c *Coordinator) drainOpen(res *Result, in Input, h sources.OpenHandle, item string, n int) {
	taken := 0
	err := fault.Contain(c.d.Faults, "remove", h.Key, func() error {
		return take(h.Storage, item, n-res.Removed, in.Filter.RespectLockedSlots, &taken)
	})
	if taken > 0 && h.OnChange != nil {
		h.OnChange()
	}
	c.account(res, in, h.Key, h.Pos, item, taken, true)
	if err != nil {
		c.faulted(res, h.Key)
	}
}

func (c *Coordinator) candidates(res *Result, in Input, kind model.Kind, srcs []sources.StorageSource, handled map[model.Key]bool) []candidate {
	var out []candidate
	for _, src := range srcs {
		key := src.Key()
		if handled[key] {
			continue
		}
		p, ok := fault.Do(c.d.Faults, "inspect", key, func() (sources.Probe, error) {
			return sources.Inspect(src, in.Filter.Actor.ID)
		})
		if !ok {
			c.faulted(res, key)
			continue
		}
		if !in.Filter.Admit(kind, p) {
			continue
		}
		out = append(out, candidate{src: src, probe: p, dist: model.DistSq(in.Filter.Actor.Pos, p.Pos)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return model.KeyLess(out[i].src.Key(), out[j].src.Key())
	})
	return out
}

func (c *Coordinator) drain(res *Result, in Input, cand candidate, item string, n int) {
	key := cand.src.Key()
	taken := 0
	err := fault.Contain(c.d.Faults, "remove", key, func() error {
		return take(cand.probe.Storage, item, n-res.Removed, in.Filter.RespectLockedSlots, &taken)
	})
	if taken > 0 {
		_ = fault.Contain(c.d.Faults, "notify", key, func() error {
			cand.probe.MarkChanged()
			return nil
		})
	}
	c.account(res, in, key, cand.probe.Pos, item, taken, false)
	if err != nil {
		c.faulted(res, key)
	}
}

// account records items actually taken, including those taken before a
// source faulted part way through.
func (c *Coordinator) account(res *Result, in Input, key model.Key, pos model.Vec3i, item string, taken int, live bool) {
	if taken <= 0 {
		return
	}
	res.Removed += taken
	rec := Record{
		At:     c.d.Now(),
		Actor:  in.Filter.Actor.ID,
		Item:   item,
		Source: key,
		Kind:   key.Kind,
		Pos:    pos,
		Taken:  taken,
		Live:   live,
	}
	res.Records = append(res.Records, rec)
	if c.d.Sink != nil {
		c.d.Sink.RecordRemoval(rec)
	}
}

func (c *Coordinator) faulted(res *Result, key model.Key) {
	res.Faulted = append(res.Faulted, key)
	if c.d.OnFault != nil {
		c.d.OnFault(key)
	}
}

// take removes up to want of item from st, slot by slot, clamping each slot
// to what it holds. *taken is updated after every slot write.
func take(st world.Storage, item string, want int, respectLocked bool, taken *int) error {
	if want <= 0 {
		return nil
	}
	slots, err := st.Slots()
	if err != nil {
		return err
	}
	for i, s := range slots {
		if *taken >= want {
			return nil
		}
		if s.Empty() || s.Item != item {
			continue
		}
		if respectLocked && st.SlotLocked(i) {
			continue
		}
		grab := min(s.Count, want-*taken)
		s.Count -= grab
		if err := st.SetSlot(i, s); err != nil {
			return err
		}
		*taken += grab
	}
	return nil
}
