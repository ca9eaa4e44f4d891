package engine

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/removal"
)

// AuditSink receives removal records and applied lock events. Calls happen
// on the goroutine that caused them and must not block.
type AuditSink interface {
	RecordRemoval(removal.Record)
	RecordLock(locks.Event)
}

type Option func(*options)

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	audit      AuditSink
	tracer     trace.Tracer
	faultEvery time.Duration
	faultBurst int
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces time.Now for scan cooldowns, count freshness and lock
// expiry.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithAuditSink(s AuditSink) Option { return func(o *options) { o.audit = s } }

func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithFaultLogRate limits contained-fault warnings to burst per every.
func WithFaultLogRate(every time.Duration, burst int) Option {
	return func(o *options) {
		o.faultEvery = every
		o.faultBurst = burst
	}
}

// MultiSink fans records out to every non-nil sink in order.
func MultiSink(sinks ...AuditSink) AuditSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []AuditSink

func (m multiSink) RecordRemoval(r removal.Record) {
	for _, s := range m {
		s.RecordRemoval(r)
	}
}

func (m multiSink) RecordLock(ev locks.Event) {
	for _, s := range m {
		s.RecordLock(ev)
	}
}
