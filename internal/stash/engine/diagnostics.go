package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"voxelstash.ai/internal/stash/counts"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/scan"
)

// Diagnostics is a point-in-time view of engine internals for operators.
type Diagnostics struct {
	WorldAvailable bool         `json:"world_available"`
	Method         string       `json:"scan_method"`
	Range          int          `json:"range"`
	Entities       int          `json:"entities"`
	Sources        int          `json:"sources"`
	KnownSources   int          `json:"known_sources"`
	OpenKinds      []model.Kind `json:"open_kinds,omitempty"`
	Locks          int          `json:"locks"`
	TrackedLocks   int          `json:"tracked_locks"`
	LockExpiry     string       `json:"lock_expiry"`
	Scans          uint64       `json:"scans"`
	ScansSkipped   uint64       `json:"scans_skipped"`
	LastScan       time.Time    `json:"last_scan"`
	LastScanTook   string       `json:"last_scan_took"`
	Faults         uint64       `json:"faults"`
	Counts         counts.Stats `json:"counts"`
}

func (e *Engine) Diagnostics() Diagnostics {
	cfg := e.Config()
	st := e.scanner.Stats()
	_, ok := e.w.Actor()
	d := Diagnostics{
		WorldAvailable: ok,
		Method:         st.Method.String(),
		Range:          cfg.Range,
		Entities:       e.w.EntityCount(),
		Sources:        e.cache.Len(),
		KnownSources:   e.cache.KnownLen(),
		Locks:          e.locks.Active(),
		TrackedLocks:   e.locks.Len(),
		LockExpiry:     expiryString(e.locks.Expiry()),
		Scans:          st.Scans,
		ScansSkipped:   st.Skipped,
		LastScan:       st.LastScan,
		LastScanTook:   st.LastTook.String(),
		Faults:         e.faults.Total(),
		Counts:         e.counts.Stats(),
	}
	for _, k := range model.AllKinds {
		if e.isOpen(k) {
			d.OpenKinds = append(d.OpenKinds, k)
		}
	}
	return d
}

func (e *Engine) isOpen(k model.Kind) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.open[k]
	return ok
}

// ScanMethodInfo describes the active scan method in one line.
func (e *Engine) ScanMethodInfo() string {
	cfg := e.Config()
	st := e.scanner.Stats()
	rng := "unbounded"
	if cfg.Range > 0 {
		rng = fmt.Sprintf("%d blocks", cfg.Range)
	}
	last := "never"
	if !st.LastScan.IsZero() {
		last = humanize.RelTime(st.LastScan, e.now(), "ago", "from now")
	}
	if st.Method == scan.MethodUnset {
		return fmt.Sprintf("scan: not yet selected, range %s", rng)
	}
	return fmt.Sprintf("scan: %s, range %s, %s entities, %s sources, last %s",
		st.Method, rng, humanize.Comma(int64(e.w.EntityCount())), humanize.Comma(int64(e.cache.Len())), last)
}

// LockInfo describes the lock table in one line.
func (e *Engine) LockInfo() string {
	return fmt.Sprintf("locks: %s active, %s tracked, expiry %s",
		humanize.Comma(int64(e.locks.Active())), humanize.Comma(int64(e.locks.Len())), expiryString(e.locks.Expiry()))
}

func expiryString(d time.Duration) string {
	if d <= 0 {
		return "disabled"
	}
	return d.String()
}
