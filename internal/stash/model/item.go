package model

import "sort"

// ItemStack is one slot worth of a single item type.
type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

func (s ItemStack) Empty() bool { return s.Item == "" || s.Count <= 0 }

// SortStacks orders stacks by item then descending count, so enumerations are stable.
func SortStacks(out []ItemStack) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Item != out[j].Item {
			return out[i].Item < out[j].Item
		}
		return out[i].Count > out[j].Count
	})
}
