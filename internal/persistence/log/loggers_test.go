package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstash.ai/internal/stash/locks"
	"voxelstash.ai/internal/stash/model"
	"voxelstash.ai/internal/stash/removal"
)

func TestJSONLZstdWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := NewJSONLZstdWriter(dir, "x")
	w.now = func() time.Time { return now }

	require.NoError(t, w.Write(map[string]int{"n": 1}))
	now = now.Add(2 * time.Minute)
	require.NoError(t, w.Write(map[string]int{"n": 2}))
	require.NoError(t, w.Close())

	files, err := filepath.Glob(filepath.Join(dir, "x-*.jsonl.zst"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "x-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "x-2026-03-01-11.jsonl.zst"),
	}, files)

	var got []int
	for _, f := range files {
		require.NoError(t, ReadJSONL(f, func(raw json.RawMessage) error {
			var m map[string]int
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			got = append(got, m["n"])
			return nil
		}))
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestJournalWritesBothStreams(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, nil)
	at := time.Now().UTC()
	j.RecordRemoval(removal.Record{At: at, Actor: "alice", Item: "stone", Kind: model.KindContainer, Pos: model.Vec3i{X: 1}, Taken: 4})
	j.RecordLock(locks.Event{Pos: model.Vec3i{X: 2, Y: 3, Z: 4}, OriginTS: 9, Locked: true, Reason: locks.ReasonMessage, At: at})
	require.NoError(t, j.Close())
	assert.Zero(t, j.Failures())

	rem, _ := filepath.Glob(filepath.Join(dir, "removals", "*.jsonl.zst"))
	require.Len(t, rem, 1)
	var rec map[string]any
	require.NoError(t, ReadJSONL(rem[0], func(raw json.RawMessage) error { return json.Unmarshal(raw, &rec) }))
	assert.Equal(t, "stone", rec["item"])
	assert.Equal(t, "container", rec["kind"])
	assert.EqualValues(t, 4, rec["taken"])

	lk, _ := filepath.Glob(filepath.Join(dir, "locks", "*.jsonl.zst"))
	require.Len(t, lk, 1)
	var ev LockEntry
	require.NoError(t, ReadJSONL(lk[0], func(raw json.RawMessage) error { return json.Unmarshal(raw, &ev) }))
	assert.Equal(t, [3]int{2, 3, 4}, ev.Pos)
	assert.Equal(t, "message", ev.Reason)
}

func TestJournalCountsFailures(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "removals")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))
	j := NewJournal(dir, nil)
	j.RecordRemoval(removal.Record{Item: "stone", Taken: 1})
	assert.EqualValues(t, 1, j.Failures())
}

func TestJournalIgnoresWritesAfterClose(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, nil)
	require.NoError(t, j.Close())

	j.RecordRemoval(removal.Record{Item: "stone", Taken: 1})
	j.RecordLock(locks.Event{Pos: model.Vec3i{X: 1}, OriginTS: 1, Locked: true, Reason: locks.ReasonMessage})
	assert.Zero(t, j.Failures())

	files, err := filepath.Glob(filepath.Join(dir, "*", "*.jsonl.zst"))
	require.NoError(t, err)
	assert.Empty(t, files)
}
