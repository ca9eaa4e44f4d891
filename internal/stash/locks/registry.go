// Package locks tracks world positions held exclusively by other actors.
//
// Lock and unlock messages arrive from the network in any order. Each message
// carries the sender's origin timestamp and the greatest timestamp wins; an
// unlock wins a tie against a lock. Local receipt time is used only for expiry.
package locks

import (
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"voxelstash.ai/internal/stash/model"
)

type Reason string

const (
	ReasonMessage Reason = "message"
	ReasonExpired Reason = "expired"
	ReasonOrphan  Reason = "orphan"
	ReasonRestore Reason = "restore"
)

// Event is emitted for every applied state change.
type Event struct {
	Pos      model.Vec3i
	OriginTS int64
	Locked   bool
	Reason   Reason
	At       time.Time
}

type Config struct {
	// Expiry drops a lock this long after local receipt. <= 0 disables expiry.
	Expiry time.Duration
	// OrphanRetention is how long an ordering timestamp without an active lock
	// is kept to reject late stale messages. Defaults to one minute.
	OrphanRetention time.Duration

	Now      func() time.Time
	Logger   *slog.Logger
	OnChange func(Event)
}

type state struct {
	locked   bool
	originTS int64
	localAt  time.Time
}

type Registry struct {
	cfg    Config
	expiry atomic.Int64
	m      cmap.ConcurrentMap[model.Vec3i, state]
}

func New(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.OrphanRetention <= 0 {
		cfg.OrphanRetention = time.Minute
	}
	r := &Registry{
		cfg: cfg,
		m:   cmap.NewWithCustomShardingFunction[model.Vec3i, state](model.Vec3i.Hash),
	}
	r.expiry.Store(int64(cfg.Expiry))
	return r
}

// SetExpiry changes the expiry used by subsequent checks.
func (r *Registry) SetExpiry(d time.Duration) { r.expiry.Store(int64(d)) }

func (r *Registry) Expiry() time.Duration { return time.Duration(r.expiry.Load()) }

// Add applies a lock message. It reports whether the lock is in effect at
// originTS. A repeat of the applied lock is accepted but keeps the original
// receipt time, so redelivery cannot extend a lock past its expiry.
func (r *Registry) Add(pos model.Vec3i, originTS int64) bool {
	now := r.cfg.Now()
	applied, dup := false, false
	r.m.Upsert(pos, state{locked: true, originTS: originTS, localAt: now}, func(exist bool, cur, next state) state {
		if exist {
			if originTS < cur.originTS {
				return cur
			}
			if originTS == cur.originTS {
				dup = cur.locked
				return cur
			}
		}
		applied = true
		return next
	})
	switch {
	case applied:
		r.emit(Event{Pos: pos, OriginTS: originTS, Locked: true, Reason: ReasonMessage, At: now})
	case dup:
		return true
	default:
		r.cfg.Logger.Debug("stale lock message dropped", "pos", pos.ToArray(), "origin_ts", originTS)
	}
	return applied
}

// Remove applies an unlock message. The timestamp is retained so a delayed
// lock carrying an older timestamp cannot resurrect the lock.
func (r *Registry) Remove(pos model.Vec3i, originTS int64) bool {
	now := r.cfg.Now()
	applied := false
	r.m.Upsert(pos, state{originTS: originTS, localAt: now}, func(exist bool, cur, next state) state {
		if exist && originTS < cur.originTS {
			return cur
		}
		applied = true
		return next
	})
	if applied {
		r.emit(Event{Pos: pos, OriginTS: originTS, Locked: false, Reason: ReasonMessage, At: now})
	} else {
		r.cfg.Logger.Debug("stale unlock message dropped", "pos", pos.ToArray(), "origin_ts", originTS)
	}
	return applied
}

// IsLocked reports whether pos is held by another actor. An expired lock is
// released on the spot.
func (r *Registry) IsLocked(pos model.Vec3i) bool {
	st, ok := r.m.Get(pos)
	if !ok || !st.locked {
		return false
	}
	now := r.cfg.Now()
	if !r.expired(st, now) {
		return true
	}
	if r.release(pos, st, now) {
		r.cfg.Logger.Warn("recovered from ghost lock", "pos", pos.ToArray(), "origin_ts", st.originTS, "age", now.Sub(st.localAt).String())
		r.emit(Event{Pos: pos, OriginTS: st.originTS, Locked: false, Reason: ReasonExpired, At: now})
	}
	return false
}

// release turns an expired lock into an orphan that keeps its timestamp, so a
// delayed lock older than the expired one is still rejected. It reports
// false when st was replaced since it was read.
func (r *Registry) release(pos model.Vec3i, st state, now time.Time) bool {
	released := false
	r.m.Upsert(pos, state{originTS: st.originTS, localAt: now}, func(exist bool, cur, next state) state {
		if exist && !sameState(st, cur) {
			return cur
		}
		released = exist
		return next
	})
	return released
}

type SweepResult struct {
	Expired int
	Orphans int
}

// Sweep releases expired locks and drops ordering timestamps kept past the
// orphan retention.
func (r *Registry) Sweep() SweepResult {
	var res SweepResult
	now := r.cfg.Now()
	for pos, st := range r.m.Items() {
		switch {
		case st.locked && r.expired(st, now):
			if r.release(pos, st, now) {
				res.Expired++
				r.cfg.Logger.Warn("recovered from ghost lock", "pos", pos.ToArray(), "origin_ts", st.originTS)
				r.emit(Event{Pos: pos, OriginTS: st.originTS, Locked: false, Reason: ReasonExpired, At: now})
			}
		case !st.locked && now.Sub(st.localAt) >= r.cfg.OrphanRetention:
			if r.m.RemoveCb(pos, func(_ model.Vec3i, v state, exists bool) bool { return exists && sameState(st, v) }) {
				res.Orphans++
			}
		}
	}
	return res
}

// Restore loads locks saved by an earlier process, keeping their receipt
// times. Entries already expired, or older than what the registry holds, are
// skipped. It returns the number applied.
func (r *Registry) Restore(entries []model.LockEntry) int {
	now := r.cfg.Now()
	n := 0
	for _, e := range entries {
		st := state{locked: true, originTS: e.OriginTS, localAt: e.LocalAt}
		if r.expired(st, now) {
			continue
		}
		applied := false
		r.m.Upsert(e.Pos, st, func(exist bool, cur, next state) state {
			if exist && e.OriginTS <= cur.originTS {
				return cur
			}
			applied = true
			return next
		})
		if applied {
			n++
			r.emit(Event{Pos: e.Pos, OriginTS: e.OriginTS, Locked: true, Reason: ReasonRestore, At: now})
		}
	}
	return n
}

// Len is the number of tracked positions, orphaned ordering entries included.
func (r *Registry) Len() int { return r.m.Count() }

// Active is the number of positions currently locked (expiry not applied).
func (r *Registry) Active() int {
	n := 0
	for _, st := range r.m.Items() {
		if st.locked {
			n++
		}
	}
	return n
}

func (r *Registry) Clear() { r.m.Clear() }

// Snapshot lists active locks ordered by position.
func (r *Registry) Snapshot() []model.LockEntry {
	out := make([]model.LockEntry, 0, r.m.Count())
	for pos, st := range r.m.Items() {
		if !st.locked {
			continue
		}
		out = append(out, model.LockEntry{Pos: pos, LocalAt: st.localAt, OriginTS: st.originTS})
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i].Pos, out[j].Pos) })
	return out
}

func (r *Registry) expired(st state, now time.Time) bool {
	exp := r.Expiry()
	return exp > 0 && now.Sub(st.localAt) >= exp
}

func (r *Registry) emit(ev Event) {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(ev)
	}
}

// sameState reports whether an entry was left untouched since it was read.
func sameState(a, b state) bool {
	return a.locked == b.locked && a.originTS == b.originTS && a.localAt.Equal(b.localAt)
}
