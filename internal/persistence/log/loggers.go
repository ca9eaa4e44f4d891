// Package log writes the removal and lock journals as hourly rotated,
// zstd-compressed JSONL files.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/removal"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("journal writer closed")

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// LockEntry is one applied lock state change.
type LockEntry struct {
	At       time.Time `json:"at"`
	Pos      [3]int    `json:"pos"`
	OriginTS int64     `json:"origin_ts"`
	Locked   bool      `json:"locked"`
	Reason   string    `json:"reason"`
}

func NewLockEntry(ev locks.Event) LockEntry {
	return LockEntry{At: ev.At, Pos: ev.Pos.ToArray(), OriginTS: ev.OriginTS, Locked: ev.Locked, Reason: string(ev.Reason)}
}

// Journal writes removals and lock events under dir/removals and dir/locks.
// Write failures are logged and counted, never returned to the engine.
type Journal struct {
	removals *JSONLZstdWriter
	locks    *JSONLZstdWriter
	log      *slog.Logger
	failures atomic.Uint64
}

func NewJournal(dir string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Journal{
		removals: NewJSONLZstdWriter(filepath.Join(dir, "removals"), "removals"),
		locks:    NewJSONLZstdWriter(filepath.Join(dir, "locks"), "locks"),
		log:      logger,
	}
}

func (j *Journal) RecordRemoval(r removal.Record) {
	if err := j.removals.Write(r); err != nil {
		j.failed("removals", err)
	}
}

func (j *Journal) RecordLock(ev locks.Event) {
	if err := j.locks.Write(NewLockEntry(ev)); err != nil {
		j.failed("locks", err)
	}
}

func (j *Journal) failed(stream string, err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	if j.failures.Add(1) == 1 {
		j.log.Error("journal write failed", "stream", stream, "error", err)
	}
}

// Failures is the number of entries that could not be written.
func (j *Journal) Failures() uint64 { return j.failures.Load() }

func (j *Journal) Close() error {
	err1 := j.removals.Close()
	err2 := j.locks.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
