// Package diag serves read-only engine diagnostics over HTTP. Everything
// except /healthz is restricted to loopback callers.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voxelstash.ai/internal/persistence/indexdb"
	"voxelstash.ai/internal/stash/engine"
)

// Engine is the subset of *engine.Engine the handlers read.
type Engine interface {
	Diagnostics() engine.Diagnostics
	ScanMethodInfo() string
	LockInfo() string
}

// Relay reports live lock relay sessions.
type Relay interface {
	Sessions() int
}

// Index is the optional removal index.
type Index interface {
	Stats() indexdb.Stats
	TopRemoved(ctx context.Context, limit int) ([]indexdb.ItemTotal, error)
}

type Server struct {
	eng   Engine
	relay Relay
	index Index
	name  string
	log   *slog.Logger
}

// NewServer builds a diagnostics server. relay and index may be nil.
func NewServer(name string, eng Engine, relay Relay, index Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{eng: eng, relay: relay, index: index, name: name, log: logger}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.localOnly(s.metrics))
	mux.HandleFunc("/debug/stash", s.localOnly(s.state))
	mux.HandleFunc("/debug/stash/removed", s.localOnly(s.removed))
	return mux
}

type stateResponse struct {
	Name        string             `json:"name"`
	ScanInfo    string             `json:"scan_info"`
	LockInfo    string             `json:"lock_info"`
	Engine      engine.Diagnostics `json:"engine"`
	Sessions    int                `json:"sessions"`
	Index       *indexdb.Stats     `json:"index,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

func (s *Server) state(rw http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Name:        s.name,
		ScanInfo:    s.eng.ScanMethodInfo(),
		LockInfo:    s.eng.LockInfo(),
		Engine:      s.eng.Diagnostics(),
		GeneratedAt: time.Now().UTC(),
	}
	if s.relay != nil {
		resp.Sessions = s.relay.Sessions()
	}
	if s.index != nil {
		st := s.index.Stats()
		resp.Index = &st
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) removed(rw http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(rw, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	items, err := s.index.TopRemoved(ctx, limit)
	if err != nil {
		s.log.Warn("top removed query failed", "err", err)
		http.Error(rw, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, items)
}

func (s *Server) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	d := s.eng.Diagnostics()

	// Minimal Prometheus exposition format.
	gauge(rw, "voxelstash_sources", "Cached storage sources.", s.name, d.Sources)
	gauge(rw, "voxelstash_known_sources", "Source identities seen since the last full refresh.", s.name, d.KnownSources)
	gauge(rw, "voxelstash_entities", "Entities in the world at the last scan.", s.name, d.Entities)
	gauge(rw, "voxelstash_locks", "Active position locks.", s.name, d.Locks)
	counter(rw, "voxelstash_scans_total", "Scan cycles run.", s.name, d.Scans)
	counter(rw, "voxelstash_scans_skipped_total", "Scan requests skipped by cooldown or movement threshold.", s.name, d.ScansSkipped)
	counter(rw, "voxelstash_faults_total", "Contained source faults.", s.name, d.Faults)
	counter(rw, "voxelstash_count_rebuilds_total", "Item count cache rebuilds.", s.name, d.Counts.Rebuilds)
	counter(rw, "voxelstash_count_hits_total", "Item count cache hits.", s.name, d.Counts.Hits)
	if s.relay != nil {
		gauge(rw, "voxelstash_relay_sessions", "Connected lock relay sessions.", s.name, s.relay.Sessions())
	}
	if s.index != nil {
		st := s.index.Stats()
		gauge(rw, "voxelstash_index_queue_depth", "Index writer backlog.", s.name, st.QueueDepth)
		fmt.Fprintf(rw, "# HELP voxelstash_index_dropped_total Index records dropped on a full queue.\n")
		fmt.Fprintf(rw, "# TYPE voxelstash_index_dropped_total counter\n")
		fmt.Fprintf(rw, "voxelstash_index_dropped_total{name=%q,stream=%q} %d\n", s.name, "removals", st.DropRemovalTotal)
		fmt.Fprintf(rw, "voxelstash_index_dropped_total{name=%q,stream=%q} %d\n", s.name, "locks", st.DropLockTotal)
		counter(rw, "voxelstash_index_written_total", "Index records committed.", s.name, st.WrittenTotal)
	}
}

func gauge(rw http.ResponseWriter, metric, help, name string, v int) {
	fmt.Fprintf(rw, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(rw, "%s{name=%q} %d\n", metric, name, v)
}

func counter(rw http.ResponseWriter, metric, help, name string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", metric, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", metric)
	fmt.Fprintf(rw, "%s{name=%q} %d\n", metric, name, v)
}

func (s *Server) localOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
