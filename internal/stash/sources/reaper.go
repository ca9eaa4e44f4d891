package sources

import (
	"io"
	"log/slog"
	"time"

	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/world"
)

type ReapResult struct {
	Destroyed int
	Demoted   int
	Locks     locks.SweepResult
}

// Reaper purges entries for destroyed sources and expired locks. It runs from
// the scan path on a longer interval than the scan cooldown.
type Reaper struct {
	cache  *Cache
	locks  *locks.Registry
	faults *fault.Logger
	log    *slog.Logger
	now    func() time.Time

	interval time.Duration
	last     time.Time
}

func NewReaper(cache *Cache, reg *locks.Registry, interval time.Duration, faults *fault.Logger, logger *slog.Logger, now func() time.Time) *Reaper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return &Reaper{cache: cache, locks: reg, faults: faults, log: logger, now: now, interval: interval}
}

func (r *Reaper) SetInterval(d time.Duration) { r.interval = d }

// MaybeSweep sweeps when the interval has elapsed since the last sweep.
func (r *Reaper) MaybeSweep(actor world.Actor, rng int) (ReapResult, bool) {
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return ReapResult{}, false
	}
	return r.Sweep(actor, rng), true
}

func (r *Reaper) Sweep(actor world.Actor, rng int) ReapResult {
	r.last = r.now()
	var res ReapResult
	for _, src := range r.cache.SnapshotKnown() {
		k := src.Key()
		alive, ok := fault.Do(r.faults, "reap", k, func() (bool, error) { return Alive(src), nil })
		if !ok || !alive {
			r.cache.Remove(k)
			res.Destroyed++
			continue
		}
		if _, current := r.cache.Get(k); !current {
			continue
		}
		p, ok := fault.Do(r.faults, "reap", k, func() (model.Vec3i, error) {
			pr, err := Inspect(src, actor.ID)
			return pr.Pos, err
		})
		if !ok {
			r.cache.Remove(k)
			res.Destroyed++
			continue
		}
		if !model.InRange(actor.Pos, p, rng) {
			r.cache.Demote(k)
			res.Demoted++
		}
	}
	if r.locks != nil {
		res.Locks = r.locks.Sweep()
	}
	if res.Destroyed > 0 || res.Demoted > 0 || res.Locks.Expired > 0 {
		r.log.Debug("reaped stale entries",
			"destroyed", res.Destroyed,
			"demoted", res.Demoted,
			"expired_locks", res.Locks.Expired,
			"orphan_locks", res.Locks.Orphans,
		)
	}
	return res
}
