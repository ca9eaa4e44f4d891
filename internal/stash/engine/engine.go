// Package engine aggregates item storage around the actor: it discovers
// nearby storage sources, counts items across them and removes items from
// them, skipping positions other actors hold locked.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"voxelstash.ai/internal/stash/config"
	"voxelstash.ai/internal/stash/counts"
	"voxelstash.ai/internal/stash/fault"
	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/removal"
	"voxelstash.ai/internal/stash/scan"
	"voxelstash.ai/internal/stash/sources"
	"voxelstash.ai/internal/stash/world"
)

const tracerName = "voxelstash.ai/internal/stash/engine"

// Engine owns every cache for one world view. Instances are independent.
type Engine struct {
	w      world.World
	log    *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
	audit  AuditSink
	faults *fault.Logger

	locks   *locks.Registry
	cache   *sources.Cache
	reaper  *sources.Reaper
	scanner *scan.Scanner
	counts  *counts.Cache
	removal *removal.Coordinator

	mu       sync.RWMutex
	cfg      config.Config
	priority []model.Kind
	open     map[model.Kind]sources.OpenHandle
}

func New(w world.World, cfg config.Config, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prio, err := cfg.Priority()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	e := &Engine{
		w:        w,
		log:      o.logger,
		now:      o.now,
		tracer:   o.tracer,
		audit:    o.audit,
		faults:   fault.NewLogger(o.logger, o.faultEvery, o.faultBurst),
		cache:    sources.NewCache(),
		cfg:      cfg,
		priority: prio,
		open:     map[model.Kind]sources.OpenHandle{},
	}
	e.locks = locks.New(locks.Config{
		Expiry:          cfg.LockExpiry(),
		OrphanRetention: cfg.OrphanRetention(),
		Now:             o.now,
		Logger:          o.logger,
		OnChange:        e.lockChanged,
	})
	e.reaper = sources.NewReaper(e.cache, e.locks, cfg.ReaperInterval(), e.faults, o.logger, o.now)
	e.scanner = scan.New(scan.Deps{
		World:  w,
		Cache:  e.cache,
		Locks:  e.locks,
		Reaper: e.reaper,
		Faults: e.faults,
		Logger: o.logger,
		Now:    o.now,
	}, cfg)
	e.counts = counts.New(e.tally, cfg.FreshnessWindow(), o.now, o.logger)
	e.removal = removal.New(removal.Deps{
		Faults:     e.faults,
		Logger:     o.logger,
		Now:        o.now,
		Sink:       removalSink{e},
		OnFault:    func(model.Key) { e.scanner.RequestFullRefresh() },
		Invalidate: e.counts.Invalidate,
	})
	return e, nil
}

type removalSink struct{ e *Engine }

func (s removalSink) RecordRemoval(r removal.Record) {
	if s.e.audit != nil {
		s.e.audit.RecordRemoval(r)
	}
}

func (e *Engine) lockChanged(ev locks.Event) {
	// Availability changed; totals may include or exclude the position now.
	if e.counts != nil {
		e.counts.Invalidate()
	}
	if e.audit != nil {
		e.audit.RecordLock(ev)
	}
}

// Reset returns the engine to its freshly constructed state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.open = map[model.Kind]sources.OpenHandle{}
	e.mu.Unlock()
	e.cache.Clear()
	e.locks.Clear()
	e.scanner.Reset()
	e.counts.Invalidate()
	e.log.Info("stash engine reset")
}

// Reconfigure applies cfg to every component. The scan method is
// reselected on the next scan.
func (e *Engine) Reconfigure(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	prio, err := cfg.Priority()
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.priority = prio
	e.mu.Unlock()
	e.locks.SetExpiry(cfg.LockExpiry())
	e.reaper.SetInterval(cfg.ReaperInterval())
	e.counts.SetWindow(cfg.FreshnessWindow())
	e.scanner.Reconfigure(cfg)
	e.counts.Invalidate()
	e.log.Info("stash engine reconfigured", "range", cfg.Range, "priority", cfg.StoragePriority)
	return nil
}

func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Prewarm forces an immediate scan.
func (e *Engine) Prewarm() {
	_, span := e.tracer.Start(context.Background(), "stash.Prewarm")
	defer span.End()
	actor, ok := e.w.Actor()
	if !ok {
		span.SetAttributes(attribute.Bool("stash.world_available", false))
		return
	}
	e.scanner.Force()
	e.scanner.MaybeScan(actor, e.hasOpen())
	e.counts.Invalidate()
}

// scan runs a due scan and drops cached totals only when it changed the
// source set. An open source makes every call due, so a rescan that finds
// the same wrappers must not defeat the per-frame cache.
func (e *Engine) scan(actor world.Actor) {
	gen := e.cache.Gen()
	if e.scanner.MaybeScan(actor, e.hasOpen()) && e.cache.Gen() != gen {
		e.counts.Invalidate()
	}
}

// GetItemCount returns how many of item the actor can reach. It is 0 when
// no world is available.
func (e *Engine) GetItemCount(item string) int {
	_, span := e.tracer.Start(context.Background(), "stash.GetItemCount",
		trace.WithAttributes(attribute.String("stash.item", item)))
	defer span.End()
	actor, ok := e.w.Actor()
	if !ok {
		span.SetAttributes(attribute.Bool("stash.world_available", false))
		return 0
	}
	e.scan(actor)
	n := e.counts.Get(item, e.w.Frame())
	span.SetAttributes(attribute.Int("stash.count", n))
	return n
}

// GetItemCounts returns every non-zero total.
func (e *Engine) GetItemCounts() map[string]int {
	actor, ok := e.w.Actor()
	if !ok {
		return map[string]int{}
	}
	e.scan(actor)
	return e.counts.All(e.w.Frame())
}

// GetStorageItems lists every usable stack, one entry per slot, sorted.
func (e *Engine) GetStorageItems() []model.ItemStack {
	_, span := e.tracer.Start(context.Background(), "stash.GetStorageItems")
	defer span.End()
	actor, ok := e.w.Actor()
	if !ok {
		return nil
	}
	e.scanner.MaybeScan(actor, e.hasOpen())
	out := counts.Stacks(e.countInput(actor))
	span.SetAttributes(attribute.Int("stash.stacks", len(out)))
	return out
}

// RemoveItems takes up to n of item and returns how many were taken.
func (e *Engine) RemoveItems(item string, n int) int {
	_, span := e.tracer.Start(context.Background(), "stash.RemoveItems",
		trace.WithAttributes(attribute.String("stash.item", item), attribute.Int("stash.requested", n)))
	defer span.End()
	actor, ok := e.w.Actor()
	if !ok || n <= 0 {
		return 0
	}
	e.scan(actor)
	e.mu.RLock()
	in := removal.Input{
		Filter:   e.filterLocked(actor),
		Priority: append([]model.Kind(nil), e.priority...),
		Open:     e.openLocked(),
		Sources:  e.cache.SnapshotCurrent(),
	}
	e.mu.RUnlock()
	res := e.removal.Remove(item, n, in)
	span.SetAttributes(attribute.Int("stash.removed", res.Removed), attribute.Int("stash.faulted", len(res.Faulted)))
	if res.Removed > 0 {
		e.log.Debug("items removed", "item", item, "requested", n, "removed", res.Removed, "sources", len(res.Records))
	}
	return res.Removed
}

// InvalidateCache drops cached totals and schedules a rescan.
func (e *Engine) InvalidateCache() {
	e.counts.Invalidate()
	e.scanner.Force()
}

// ClearAll forgets every discovered source and cached total and rescans on
// the next call. Locks are kept; they mirror other actors' state.
func (e *Engine) ClearAll() {
	e.cache.Clear()
	e.counts.Invalidate()
	e.scanner.Force()
}

func (e *Engine) AddLock(pos model.Vec3i, originTS int64) bool { return e.locks.Add(pos, originTS) }

func (e *Engine) RemoveLock(pos model.Vec3i, originTS int64) bool {
	return e.locks.Remove(pos, originTS)
}

func (e *Engine) IsLocked(pos model.Vec3i) bool { return e.locks.IsLocked(pos) }

// Locks exposes the registry for transports that feed it directly.
func (e *Engine) Locks() *locks.Registry { return e.locks }

// OpenSource registers the live handle of the source the actor is editing.
// It replaces any handle of the same kind.
func (e *Engine) OpenSource(h sources.OpenHandle) {
	e.mu.Lock()
	e.open[h.Key.Kind] = h
	e.mu.Unlock()
	e.counts.Invalidate()
}

// CloseSource drops the live handle of kind.
func (e *Engine) CloseSource(kind model.Kind) {
	e.mu.Lock()
	_, had := e.open[kind]
	delete(e.open, kind)
	e.mu.Unlock()
	if had {
		e.counts.Invalidate()
		e.scanner.Force()
	}
}

func (e *Engine) hasOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.open) > 0
}

// tally is the count cache rebuild.
func (e *Engine) tally() counts.Totals {
	actor, ok := e.w.Actor()
	if !ok {
		return counts.Totals{Counts: map[string]int{}}
	}
	return counts.Tally(e.countInput(actor))
}

func (e *Engine) countInput(actor world.Actor) counts.Input {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return counts.Input{
		Filter:  e.filterLocked(actor),
		Open:    e.openLocked(),
		Sources: e.cache.SnapshotCurrent(),
		Faults:  e.faults,
		OnFault: func(model.Key) { e.scanner.RequestFullRefresh() },
	}
}

func (e *Engine) filterLocked(actor world.Actor) sources.Filter {
	cfg := e.cfg
	return sources.Filter{
		Actor:                 actor,
		Range:                 cfg.Range,
		RespectLockedSlots:    cfg.RespectLockedSlots,
		AllowLockedContainers: cfg.AllowLockedContainers,
		Enabled:               cfg.Enabled,
		IsLocked:              e.locks.IsLocked,
	}
}

func (e *Engine) openLocked() map[model.Kind]sources.OpenHandle {
	out := make(map[model.Kind]sources.OpenHandle, len(e.open))
	for k, h := range e.open {
		out[k] = h
	}
	return out
}
