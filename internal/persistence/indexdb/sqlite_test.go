package indexdb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/removal"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqRemoval}

	s.RecordRemoval(removal.Record{Item: "stone"})
	s.RecordLock(locks.Event{})

	st := s.Stats()
	if st.DropRemovalTotal != 1 {
		t.Fatalf("DropRemovalTotal=%d want=1", st.DropRemovalTotal)
	}
	if st.DropLockTotal != 1 {
		t.Fatalf("DropLockTotal=%d want=1", st.DropLockTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RemovalsAndLocks(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "stash.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = idx.Close() }()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, r := range []removal.Record{
		{At: at, Actor: "alice", Item: "stone", Kind: model.KindContainer, Pos: model.Vec3i{X: 1}, Taken: 4},
		{At: at, Actor: "alice", Item: "wheat", Kind: model.KindDrone, Pos: model.Vec3i{X: 2}, Taken: 9},
		{At: at, Actor: "bob", Item: "stone", Kind: model.KindVehicle, Pos: model.Vec3i{X: 3}, Taken: 6, Live: true},
	} {
		idx.RecordRemoval(r)
	}
	pos := model.Vec3i{X: 7, Y: 64, Z: -1}
	idx.RecordLock(locks.Event{Pos: pos, OriginTS: 10, Locked: true, Reason: locks.ReasonMessage, At: at})
	idx.RecordLock(locks.Event{Pos: pos, OriginTS: 10, Locked: false, Reason: locks.ReasonExpired, At: at.Add(time.Minute)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	top, err := idx.TopRemoved(ctx, 5)
	if err != nil {
		t.Fatalf("TopRemoved: %v", err)
	}
	want := []ItemTotal{{Item: "stone", Taken: 10}, {Item: "wheat", Taken: 9}}
	if len(top) != len(want) || top[0] != want[0] || top[1] != want[1] {
		t.Fatalf("TopRemoved=%v want=%v", top, want)
	}

	hist, err := idx.LockHistory(ctx, pos.ToArray())
	if err != nil {
		t.Fatalf("LockHistory: %v", err)
	}
	if len(hist) != 2 || !hist[0].Locked || hist[1].Reason != locks.ReasonExpired {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if !hist[1].At.Equal(at.Add(time.Minute)) {
		t.Fatalf("at=%v", hist[1].At)
	}

	if st := idx.Stats(); st.WrittenTotal != 5 || st.FailedTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSQLiteIndex_RecordAfterCloseIsDropped(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "stash.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				idx.RecordLock(locks.Event{OriginTS: 1, Locked: true, Reason: locks.ReasonMessage})
				idx.RecordRemoval(removal.Record{Item: "stone", Taken: 1})
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	idx.RecordLock(locks.Event{OriginTS: 2})
	idx.RecordRemoval(removal.Record{Item: "stone"})
	if err := idx.Sync(context.Background()); err != nil {
		t.Fatalf("Sync after Close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
