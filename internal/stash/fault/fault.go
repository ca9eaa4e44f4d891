// Package fault contains failures of a single storage source so the larger
// scan, count or removal pass can continue with the remaining sources.
package fault

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Error describes one contained source failure.
type Error struct {
	Op       string
	Source   string
	Panicked bool
	Err      error
}

func (e *Error) Error() string {
	if e.Panicked {
		return fmt.Sprintf("%s %s: recovered: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Logger reports contained faults without flooding the log when a whole
// region of the world unloads at once.
type Logger struct {
	log        *slog.Logger
	lim        *rate.Limiter
	total      atomic.Uint64
	suppressed atomic.Uint64
}

func NewLogger(l *slog.Logger, every time.Duration, burst int) *Logger {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if every <= 0 {
		every = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Logger{log: l, lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Discard is a Logger that drops everything but still counts.
func Discard() *Logger { return NewLogger(nil, 0, 0) }

func (l *Logger) Fault(err error) {
	if l == nil || err == nil {
		return
	}
	l.total.Add(1)
	if !l.lim.Allow() {
		l.suppressed.Add(1)
		return
	}
	attrs := []any{"error", err}
	if n := l.suppressed.Swap(0); n > 0 {
		attrs = append(attrs, "suppressed", n)
	}
	var fe *Error
	if errors.As(err, &fe) {
		attrs = append(attrs, "op", fe.Op, "source", fe.Source)
	}
	l.log.Warn("storage source fault contained", attrs...)
}

// Total is the number of faults seen, logged or not.
func (l *Logger) Total() uint64 {
	if l == nil {
		return 0
	}
	return l.total.Load()
}

// Contain runs fn for one source. A returned error or a panic is logged and
// handed back as *Error; the caller skips the source.
func Contain(l *Logger, op string, source fmt.Stringer, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: op, Source: name(source), Panicked: true, Err: fmt.Errorf("%v", r)}
		}
		if err != nil {
			l.Fault(err)
		}
	}()
	if e := fn(); e != nil {
		return &Error{Op: op, Source: name(source), Err: e}
	}
	return nil
}

// Do is Contain for operations that produce a value. ok is false when the
// source was skipped.
func Do[T any](l *Logger, op string, source fmt.Stringer, fn func() (T, error)) (out T, ok bool) {
	var v T
	err := Contain(l, op, source, func() error {
		var e error
		v, e = fn()
		return e
	})
	if err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

// Label names a contained operation that is not tied to one source.
type Label string

func (l Label) String() string { return string(l) }

func name(s fmt.Stringer) string {
	if s == nil {
		return "?"
	}
	return s.String()
}
