// Package scan discovers storage sources around the actor and feeds the
// source cache.
package scan

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"voxelstash.ai/internal/stash/config"
	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/sources"
	"voxelstash.ai/internal/stash/world"
)

type Stats struct {
	Scans    uint64
	Skipped  uint64
	Method   Method
	LastScan time.Time
	LastTook time.Duration

	// Outcome of the last cycle.
	Upserted     int
	SkippedLock  int
	SkippedOwner int
	SkippedOpen  int
	Faults       int
	Reaped       sources.ReapResult
}

type Scanner struct {
	w      world.World
	cache  *sources.Cache
	locks  *locks.Registry
	reaper *sources.Reaper
	faults *fault.Logger
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      config.Config
	method   Method
	scanned  bool
	lastScan time.Time
	lastPos  model.Vec3i
	stats    Stats

	force       atomic.Bool
	fullRefresh atomic.Bool
}

type Deps struct {
	World  world.World
	Cache  *sources.Cache
	Locks  *locks.Registry
	Reaper *sources.Reaper
	Faults *fault.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

func New(d Deps, cfg config.Config) *Scanner {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Faults == nil {
		d.Faults = fault.Discard()
	}
	return &Scanner{
		w:      d.World,
		cache:  d.Cache,
		locks:  d.Locks,
		reaper: d.Reaper,
		faults: d.Faults,
		log:    d.Logger,
		now:    d.Now,
		cfg:    cfg,
	}
}

// Reconfigure swaps the configuration and drops the cached scan method.
func (s *Scanner) Reconfigure(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.method = MethodUnset
	s.mu.Unlock()
	s.force.Store(true)
}

// Force makes the next MaybeScan rescan regardless of cooldown.
func (s *Scanner) Force() { s.force.Store(true) }

// RequestFullRefresh makes the next scan drop every cached source first.
// Raised when a source faulted and dangling wrappers may remain.
func (s *Scanner) RequestFullRefresh() { s.fullRefresh.Store(true) }

func (s *Scanner) Method() Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method
}

func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Method = s.method
	return st
}

// Reset forgets scan history so the next call scans immediately.
func (s *Scanner) Reset() {
	s.mu.Lock()
	s.scanned = false
	s.lastScan = time.Time{}
	s.method = MethodUnset
	s.stats = Stats{}
	s.mu.Unlock()
	s.force.Store(false)
	s.fullRefresh.Store(false)
}

// MaybeScan rescans when forced, while a source is open, when the cooldown
// elapsed, or when the actor moved past the threshold. It reports whether a
// scan ran.
func (s *Scanner) MaybeScan(actor world.Actor, sourceOpen bool) bool {
	if !s.due(actor, sourceOpen) {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return false
	}
	s.Scan(actor)
	return true
}

func (s *Scanner) due(actor world.Actor, sourceOpen bool) bool {
	if s.force.Load() || s.fullRefresh.Load() || sourceOpen {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanned {
		return true
	}
	if s.now().Sub(s.lastScan) >= s.cfg.Cooldown() {
		return true
	}
	th := s.cfg.Scan.MoveThreshold
	return th > 0 && model.DistSq(actor.Pos, s.lastPos) > int64(th)*int64(th)
}

type cycle struct {
	s     *Scanner
	cfg   config.Config
	actor world.Actor
	st    Stats
}

// Scan runs one discovery cycle. It only adds or refreshes entries; stale
// ones are left to the reaper unless a full refresh was requested.
func (s *Scanner) Scan(actor world.Actor) {
	start := s.now()
	s.force.Store(false)
	if s.fullRefresh.Swap(false) {
		s.cache.Clear()
		s.log.Info("source cache cleared for full refresh")
	}

	s.mu.Lock()
	cfg := s.cfg
	if s.method == MethodUnset {
		s.method = SelectMethod(CostModel{
			Range:                   cfg.Range,
			AlwaysCheapRange:        cfg.Scan.AlwaysCheapRange,
			PartitionSize:           cfg.Scan.PartitionSize,
			EntityCount:             s.w.EntityCount(),
			IterationCostMultiplier: cfg.Scan.IterationCostMultiplier,
		})
		s.log.Debug("scan method selected", "method", s.method.String(), "range", cfg.Range)
	}
	method := s.method
	s.mu.Unlock()

	c := &cycle{s: s, cfg: cfg, actor: actor}
	faultsBefore := s.faults.Total()
	if mobileEnabled(cfg) {
		c.entities(method)
	}
	c.partitions()

	if s.reaper != nil {
		if res, ran := s.reaper.MaybeSweep(actor, cfg.Range); ran {
			c.st.Reaped = res
		}
	}
	c.st.Faults = int(s.faults.Total() - faultsBefore)

	s.mu.Lock()
	prev := s.stats
	c.st.Scans = prev.Scans + 1
	c.st.Skipped = prev.Skipped
	c.st.LastScan = start
	c.st.LastTook = s.now().Sub(start)
	s.stats = c.st
	s.scanned = true
	s.lastScan = start
	s.lastPos = actor.Pos
	s.mu.Unlock()
}

func mobileEnabled(cfg config.Config) bool {
	return cfg.Enabled(model.KindVehicle) || cfg.Enabled(model.KindDrone)
}

func (c *cycle) entities(method Method) {
	s := c.s
	switch method {
	case MethodBounded:
		box := model.BoxAround(c.actor.Pos, c.cfg.Range)
		for _, k := range []model.Kind{model.KindVehicle, model.KindDrone} {
			if !c.cfg.Enabled(k) {
				continue
			}
			ek, _ := world.EntityKindFor(k)
			found, ok := fault.Do(s.faults, "query", k, func() ([]world.Entity, error) {
				return s.w.EntitiesInBounds(ek, box), nil
			})
			if !ok {
				continue
			}
			for _, e := range found {
				c.entity(e)
			}
		}
	default:
		all, ok := fault.Do(s.faults, "iterate", fault.Label("entities"), func() ([]world.Entity, error) {
			return s.w.AllEntities(), nil
		})
		if !ok {
			return
		}
		for _, e := range all {
			c.entity(e)
		}
	}
}

func (c *cycle) entity(e world.Entity) {
	if e == nil {
		return
	}
	// Most entities carry no storage; reject them before anything else.
	kind, ok := world.SourceKindOfEntity(e.Kind())
	if !ok || !c.cfg.Enabled(kind) {
		return
	}
	s := c.s
	_ = fault.Contain(s.faults, "scan", e.ID(), func() error {
		if e.Destroyed() || e.Storage() == nil {
			return nil
		}
		if e.OwnerID() != c.actor.ID {
			c.st.SkippedOwner++
			return nil
		}
		pos := e.Pos()
		if !model.InRange(c.actor.Pos, pos, c.cfg.Range) {
			return nil
		}
		if s.locks.IsLocked(pos) {
			c.st.SkippedLock++
			return nil
		}
		if by := e.OpenedBy(); by != "" && by != c.actor.ID {
			c.st.SkippedOpen++
			return nil
		}
		key := model.MobileKey(kind, e.ID())
		src, ok := s.cache.Known(key)
		if !ok {
			src = sources.NewMobile(kind, sources.NewEntityRef(e.ID(), s.w.EntityByID))
		}
		s.cache.Upsert(src)
		c.st.Upserted++
		return nil
	})
}

func (c *cycle) partitions() {
	s := c.s
	parts, ok := fault.Do(s.faults, "list", fault.Label("partitions"), func() ([]world.Partition, error) {
		return s.w.Partitions(), nil
	})
	if !ok {
		return
	}
	for _, p := range parts {
		_ = fault.Contain(s.faults, "scan", p.Key(), func() error {
			unlock := p.RLock()
			defer unlock()
			for _, obj := range p.FixedObjects() {
				c.fixed(obj)
			}
			return nil
		})
	}
}

func (c *cycle) fixed(obj world.FixedObject) {
	if obj == nil {
		return
	}
	kind, ok := world.SourceKindOfFixed(obj.Kind())
	if !ok || !c.cfg.Enabled(kind) {
		return
	}
	s := c.s
	_ = fault.Contain(s.faults, "scan", model.FixedKey(kind, obj.Pos()), func() error {
		if obj.Destroyed() {
			return nil
		}
		pos := obj.Pos()
		if !model.InRange(c.actor.Pos, pos, c.cfg.Range) {
			return nil
		}
		if s.locks.IsLocked(pos) {
			c.st.SkippedLock++
			return nil
		}
		if kind == model.KindContainer && obj.AccessLocked() {
			if !obj.UserAllowed(c.actor.ID) || !c.cfg.AllowLockedContainers {
				c.st.SkippedLock++
				return nil
			}
		}
		if by := obj.OpenedBy(); by != "" && by != c.actor.ID {
			c.st.SkippedOpen++
			return nil
		}
		key := model.FixedKey(kind, pos)
		src, ok := s.cache.Known(key)
		if !ok || !sources.Wraps(src, obj) {
			switch kind {
			case model.KindContainer:
				if obj.Storage() == nil {
					return nil
				}
				src = sources.NewStatic(obj)
			case model.KindWorkstation:
				if obj.OutputStorage() == nil {
					return nil
				}
				src = sources.NewWorkstationOutput(obj)
			case model.KindCollector:
				if obj.Storage() == nil {
					return nil
				}
				src = sources.NewCollector(obj)
			default:
				return nil
			}
		}
		s.cache.Upsert(src)
		c.st.Upserted++
		return nil
	})
}
