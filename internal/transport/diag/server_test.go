package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelstash.ai/internal/persistence/indexdb"
	"voxelstash.ai/internal/stash/counts"
	"voxelstash.ai/internal/stash/engine"
)

type fakeEngine struct{}

func (fakeEngine) Diagnostics() engine.Diagnostics {
	return engine.Diagnostics{
		WorldAvailable: true,
		Method:         "bounded",
		Range:          32,
		Sources:        4,
		Locks:          2,
		Scans:          7,
		Faults:         1,
		Counts:         counts.Stats{Rebuilds: 3, Hits: 9},
	}
}
func (fakeEngine) ScanMethodInfo() string { return "scan: bounded, range 32 blocks" }
func (fakeEngine) LockInfo() string       { return "locks: 2 active, 2 tracked, expiry 5m0s" }

type fakeRelay int

func (r fakeRelay) Sessions() int { return int(r) }

type fakeIndex struct {
	items []indexdb.ItemTotal
	err   error
	limit int
}

func (f *fakeIndex) Stats() indexdb.Stats {
	return indexdb.Stats{QueueDepth: 1, QueueCapacity: 8, DropRemovalTotal: 2, WrittenTotal: 10}
}

func (f *fakeIndex) TopRemoved(ctx context.Context, limit int) ([]indexdb.ItemTotal, error) {
	f.limit = limit
	return f.items, f.err
}

func get(t *testing.T, h http.Handler, target, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzOpenToAll(t *testing.T) {
	mux := NewServer("test", fakeEngine{}, nil, nil, nil).Mux()
	rec := get(t, mux, "/healthz", "203.0.113.9:4000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestDebugEndpointsRequireLoopback(t *testing.T) {
	mux := NewServer("test", fakeEngine{}, nil, nil, nil).Mux()
	for _, path := range []string{"/debug/stash", "/metrics", "/debug/stash/removed"} {
		rec := get(t, mux, path, "203.0.113.9:4000")
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/debug/stash", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStateReportsEngineRelayAndIndex(t *testing.T) {
	mux := NewServer("test", fakeEngine{}, fakeRelay(3), &fakeIndex{}, nil).Mux()
	rec := get(t, mux, "/debug/stash", "[::1]:4000")
	require.Equal(t, http.StatusOK, rec.Code)

	var got stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "test", got.Name)
	assert.Equal(t, "scan: bounded, range 32 blocks", got.ScanInfo)
	assert.Equal(t, 3, got.Sessions)
	assert.Equal(t, 4, got.Engine.Sources)
	require.NotNil(t, got.Index)
	assert.Equal(t, uint64(10), got.Index.WrittenTotal)
}

func TestMetricsExposition(t *testing.T) {
	mux := NewServer("w1", fakeEngine{}, fakeRelay(1), &fakeIndex{}, nil).Mux()
	rec := get(t, mux, "/metrics", "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, line := range []string{
		`voxelstash_sources{name="w1"} 4`,
		`voxelstash_locks{name="w1"} 2`,
		`voxelstash_scans_total{name="w1"} 7`,
		`voxelstash_count_rebuilds_total{name="w1"} 3`,
		`voxelstash_relay_sessions{name="w1"} 1`,
		`voxelstash_index_dropped_total{name="w1",stream="removals"} 2`,
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
}

func TestRemovedUsesLimit(t *testing.T) {
	idx := &fakeIndex{items: []indexdb.ItemTotal{{Item: "iron", Taken: 40}}}
	mux := NewServer("test", fakeEngine{}, nil, idx, nil).Mux()

	rec := get(t, mux, "/debug/stash/removed?limit=5", "127.0.0.1:4000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, idx.limit)
	var got []indexdb.ItemTotal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, idx.items, got)

	rec = get(t, mux, "/debug/stash/removed?limit=zero", "127.0.0.1:4000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	idx.err = errors.New("disk gone")
	rec = get(t, mux, "/debug/stash/removed", "127.0.0.1:4000")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 20, idx.limit)
}

func TestRemovedWithoutIndex(t *testing.T) {
	mux := NewServer("test", fakeEngine{}, nil, nil, nil).Mux()
	rec := get(t, mux, "/debug/stash/removed", "127.0.0.1:4000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
