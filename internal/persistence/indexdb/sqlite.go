// Package indexdb keeps a queryable SQLite copy of the removal and lock
// journals. The JSONL journal stays the source of truth; the index drops
// writes when it falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/removal"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against Close closing it.
	mu     sync.RWMutex
	closed bool

	dropRemoval atomic.Uint64
	dropLock    atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64

	commitEvery   int
	commitMaxWait time.Duration
}

type reqKind int

const (
	reqRemoval reqKind = iota + 1
	reqLock
	reqSync
)

type req struct {
	kind reqKind

	removal removal.Record
	lock    locks.Event
	done    chan struct{}
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropRemovalTotal uint64
	DropLockTotal    uint64
	WrittenTotal     uint64
	FailedTotal      uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:            db,
		ch:            make(chan req, 65536),
		commitEvery:   500,
		commitMaxWait: time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS removals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			actor TEXT NOT NULL,
			item TEXT NOT NULL,
			kind TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			taken INTEGER NOT NULL,
			live INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_removals_item ON removals(item, at);`,
		`CREATE INDEX IF NOT EXISTS idx_removals_actor ON removals(actor, at);`,
		`CREATE TABLE IF NOT EXISTS lock_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			origin_ts INTEGER NOT NULL,
			locked INTEGER NOT NULL,
			reason TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lock_events_pos ON lock_events(x, z, y, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordRemoval(r removal.Record) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- req{kind: reqRemoval, removal: r}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropRemoval.Add(1)
	}
}

func (s *SQLiteIndex) RecordLock(ev locks.Event) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- req{kind: reqLock, lock: ev}:
	default:
		s.dropLock.Add(1)
	}
}

// Sync blocks until every request queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil {
		return nil
	}
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropRemovalTotal: s.dropRemoval.Load(),
		DropLockTotal:    s.dropLock.Load(),
		WrittenTotal:     s.written.Load(),
		FailedTotal:      s.failed.Load(),
	}
}

// ItemTotal is the number of an item removed across all sources.
type ItemTotal struct {
	Item  string `json:"item"`
	Taken int64  `json:"taken"`
}

// TopRemoved lists the most removed items, largest first.
func (s *SQLiteIndex) TopRemoved(ctx context.Context, limit int) ([]ItemTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT item, SUM(taken) AS total FROM removals GROUP BY item ORDER BY total DESC, item ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemTotal
	for rows.Next() {
		var it ItemTotal
		if err := rows.Scan(&it.Item, &it.Taken); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LockHistory lists lock events at a position, oldest first.
func (s *SQLiteIndex) LockHistory(ctx context.Context, pos [3]int) ([]locks.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT at, origin_ts, locked, reason FROM lock_events WHERE x=? AND y=? AND z=? ORDER BY id`, pos[0], pos[1], pos[2])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []locks.Event
	for rows.Next() {
		var (
			at     string
			ev     locks.Event
			locked int
			reason string
		)
		if err := rows.Scan(&at, &ev.OriginTS, &locked, &reason); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		ev.Pos.X, ev.Pos.Y, ev.Pos.Z = pos[0], pos[1], pos[2]
		ev.Locked = locked != 0
		ev.Reason = locks.Reason(reason)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRemoval, _ := s.db.Prepare(`INSERT INTO removals(at,actor,item,kind,x,y,z,taken,live) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertLock, _ := s.db.Prepare(`INSERT INTO lock_events(at,x,y,z,origin_ts,locked,reason) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertRemoval != nil {
			_ = insertRemoval.Close()
		}
		if insertLock != nil {
			_ = insertLock.Close()
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		pending    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(pending))
		} else {
			s.written.Add(uint64(pending))
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(pending))
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		switch r.kind {
		case reqRemoval:
			rec := r.removal
			if insertRemoval == nil {
				break
			}
			live := 0
			if rec.Live {
				live = 1
			}
			if _, err := tx.Stmt(insertRemoval).Exec(
				rec.At.UTC().Format(time.RFC3339Nano),
				rec.Actor,
				rec.Item,
				rec.Kind.String(),
				rec.Pos.X, rec.Pos.Y, rec.Pos.Z,
				rec.Taken,
				live,
			); err != nil {
				s.failed.Add(1)
				rollback()
				continue
			}
			opCount++
			pending++

		case reqLock:
			ev := r.lock
			if insertLock == nil {
				break
			}
			locked := 0
			if ev.Locked {
				locked = 1
			}
			if _, err := tx.Stmt(insertLock).Exec(
				ev.At.UTC().Format(time.RFC3339Nano),
				ev.Pos.X, ev.Pos.Y, ev.Pos.Z,
				ev.OriginTS,
				locked,
				string(ev.Reason),
			); err != nil {
				s.failed.Add(1)
				rollback()
				continue
			}
			opCount++
			pending++
		}
		if opCount >= s.commitEvery || time.Since(lastCommit) >= s.commitMaxWait {
			commit()
		}
	}

	commit()
}
