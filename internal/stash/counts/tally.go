package counts

import (
	"math"

	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/sources"
)

// Input is everything one rebuild reads.
type Input struct {
	Filter  sources.Filter
	Open    map[model.Kind]sources.OpenHandle
	Sources []sources.StorageSource
	Faults  *fault.Logger
	// OnFault is called for every source skipped because it faulted.
	OnFault func(model.Key)
}

// Totals maps item type to count.
type Totals struct {
	Counts   map[string]int
	Overflow []string
}

func (t *Totals) add(item string, n int) {
	if n <= 0 || item == "" {
		return
	}
	cur := t.Counts[item]
	if cur > math.MaxInt-n {
		if cur != math.MaxInt {
			t.Overflow = append(t.Overflow, item)
		}
		t.Counts[item] = math.MaxInt
		return
	}
	t.Counts[item] = cur + n
}

// walkOrder is open handles first, then fixed, mobile and synthetic sources.
var walkOrder = []model.Kind{
	model.KindContainer,
	model.KindVehicle, model.KindDrone,
	model.KindWorkstation, model.KindCollector,
}

// Tally sums usable items over open handles and cached sources. A cached
// source whose key is covered by an open handle is skipped so nothing is
// counted twice.
func Tally(in Input) Totals {
	t := Totals{Counts: map[string]int{}}
	visit(in, func(_ model.Key, s model.ItemStack) { t.add(s.Item, s.Count) })
	return t
}

// Stacks lists every usable stack, unmerged, for enumeration.
func Stacks(in Input) []model.ItemStack {
	var out []model.ItemStack
	visit(in, func(_ model.Key, s model.ItemStack) { out = append(out, s) })
	model.SortStacks(out)
	return out
}

func visit(in Input, fn func(model.Key, model.ItemStack)) {
	faults := in.Faults
	if faults == nil {
		faults = fault.Discard()
	}
	covered := map[model.Key]bool{}
	for _, k := range walkOrder {
		h, ok := in.Open[k]
		if !ok || h.Storage == nil {
			continue
		}
		if in.Filter.Enabled != nil && !in.Filter.Enabled(k) {
			continue
		}
		covered[h.Key] = true
		err := fault.Contain(faults, "count", h.Key, func() error {
			return in.Filter.UsableSlots(h.Storage, func(_ int, s model.ItemStack) { fn(h.Key, s) })
		})
		if err != nil && in.OnFault != nil {
			in.OnFault(h.Key)
		}
	}

	byKind := map[model.Kind][]sources.StorageSource{}
	for _, src := range in.Sources {
		byKind[src.Key().Kind] = append(byKind[src.Key().Kind], src)
	}
	for _, k := range walkOrder {
		for _, src := range byKind[k] {
			key := src.Key()
			if covered[key] {
				continue
			}
			err := fault.Contain(faults, "count", key, func() error {
				p, err := sources.Inspect(src, in.Filter.Actor.ID)
				if err != nil {
					return err
				}
				if !in.Filter.Admit(k, p) {
					return nil
				}
				return in.Filter.UsableSlots(p.Storage, func(_ int, s model.ItemStack) { fn(key, s) })
			})
			if err != nil && in.OnFault != nil {
				in.OnFault(key)
			}
		}
	}
}
