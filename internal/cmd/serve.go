package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"voxelstash.ai/internal/persistence/indexdb"
	plog "voxelstash.ai/internal/persistence/log"
	"voxelstash.ai/internal/persistence/snapshot"
	"voxelstash.ai/internal/stash/config"
	"voxelstash.ai/internal/stash/engine"
	"voxelstash.ai/internal/stash/memworld"
	"voxelstash.ai/internal/telemetry"
	"voxelstash.ai/internal/transport/diag"
	"voxelstash.ai/internal/transport/ws"
)

type serveOptions struct {
	addr      string
	name      string
	dataDir   string
	indexPath string
	lockSnap  string
	upstream  string
	actor     string
	demo      bool
	tick      time.Duration
	relayRate float64
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its lock relay and diagnostics endpoints",
	Long: `Run the aggregation engine over an in-process world. The same listener
serves the lock relay at /v1/locks and loopback-only diagnostics at
/debug/stash and /metrics. Removals and lock changes are journaled under
--data-dir and indexed in SQLite unless --index is empty.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.addr, "addr", "127.0.0.1:8090", "listen address")
	f.StringVar(&serveOpts.name, "name", "stash_1", "instance name used in metrics")
	f.StringVar(&serveOpts.dataDir, "data-dir", "data", "journal directory")
	f.StringVar(&serveOpts.indexPath, "index", "data/index.sqlite", "sqlite index path (empty disables)")
	f.StringVar(&serveOpts.lockSnap, "lock-snapshot", "data/locks.snap.zst", "lock table saved on shutdown and restored on start (empty disables)")
	f.StringVar(&serveOpts.upstream, "upstream", "", "relay url to follow for remote locks")
	f.StringVar(&serveOpts.actor, "actor", "local", "actor id")
	f.BoolVar(&serveOpts.demo, "demo", false, "seed demo storage and run a removal loop")
	f.DurationVar(&serveOpts.tick, "tick", time.Second, "demo loop interval")
	f.Float64Var(&serveOpts.relayRate, "relay-rate", 20, "lock messages per second per relay session")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	tcfg, err := telemetry.ConfigFromEnv()
	if err != nil {
		return err
	}
	shutdownTracing, err := telemetry.Setup(ctx, "stashd", tcfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	rt, err := newRuntime(serveOpts, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.restoreLocks(); err != nil {
		logger.Warn("lock snapshot not restored", "path", serveOpts.lockSnap, "error", err)
	}
	defer func() {
		if err := rt.saveLocks(time.Now()); err != nil {
			logger.Error("lock snapshot not saved", "path", serveOpts.lockSnap, "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              serveOpts.addr,
		Handler:           rt.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", serveOpts.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		err := srv.Shutdown(ctx2)
		// Shutdown does not wait for hijacked relay connections.
		rt.relay.Close()
		return err
	})
	if serveOpts.upstream != "" {
		g.Go(func() error {
			followUpstream(gctx, serveOpts.upstream, serveOpts.actor, rt.eng, logger.With("component", "upstream"))
			return nil
		})
	}
	if rt.demo != nil {
		g.Go(func() error { return rt.demo.Run(gctx, serveOpts.tick) })
	}
	if rt.index != nil {
		g.Go(func() error {
			t := time.NewTicker(10 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					st := rt.index.Stats()
					if st.DropRemovalTotal+st.DropLockTotal > 0 {
						logger.Warn("index dropping records", "removals", st.DropRemovalTotal, "locks", st.DropLockTotal)
					}
				}
			}
		})
	}
	return g.Wait()
}

// runtime is everything serve wires together, split out so tests can build
// it without a listener.
type runtime struct {
	opts    serveOptions
	log     *slog.Logger
	world   *memworld.World
	eng     *engine.Engine
	relay   *ws.Server
	journal *plog.Journal
	index   *indexdb.SQLiteIndex
	demo    *demoLoop
	mux     *http.ServeMux
}

func newRuntime(o serveOptions, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{opts: o, log: logger, world: memworld.New()}
	rt.world.SetActor(o.actor, demoOrigin)

	rt.journal = plog.NewJournal(o.dataDir, logger.With("component", "journal"))
	sinks := []engine.AuditSink{rt.journal}
	var idx diag.Index
	if o.indexPath != "" {
		ix, err := indexdb.OpenSQLite(o.indexPath)
		if err != nil {
			_ = rt.journal.Close()
			return nil, fmt.Errorf("open index: %w", err)
		}
		rt.index = ix
		sinks = append(sinks, ix)
		idx = ix
	}

	eng, err := engine.New(rt.world, cfg,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithAuditSink(engine.MultiSink(sinks...)),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.eng = eng
	rt.relay = ws.NewServer(eng.Locks(), ws.ServerConfig{MessagesPerSecond: o.relayRate}, logger.With("component", "relay"))

	if o.demo {
		rt.demo = newDemoLoop(rt.world, eng, logger.With("component", "demo"))
	}

	rt.mux = diag.NewServer(o.name, eng, rt.relay, idx, logger.With("component", "diag")).Mux()
	rt.mux.HandleFunc("/v1/locks", rt.relay.Handler())
	return rt, nil
}

func (rt *runtime) restoreLocks() error {
	if rt.opts.lockSnap == "" {
		return nil
	}
	snap, err := snapshot.Read(rt.opts.lockSnap)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	n := rt.eng.Locks().Restore(snap.Entries())
	rt.log.Info("lock snapshot restored", "saved", len(snap.Locks), "restored", n, "taken_at", snap.Header.TakenAt)
	return nil
}

func (rt *runtime) saveLocks(now time.Time) error {
	if rt.opts.lockSnap == "" {
		return nil
	}
	return snapshot.Write(rt.opts.lockSnap, snapshot.FromEntries(rt.opts.name, now, rt.eng.Locks().Snapshot()))
}

// Close stops the relay before closing the sinks its sessions write to.
func (rt *runtime) Close() {
	if rt.relay != nil {
		rt.relay.Close()
	}
	if rt.index != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.index.Sync(ctx)
		cancel()
		_ = rt.index.Close()
	}
	if rt.journal != nil {
		_ = rt.journal.Close()
	}
}

// followUpstream mirrors another relay's locks into the engine registry,
// reconnecting with backoff until ctx ends.
func followUpstream(ctx context.Context, url, actor string, eng *engine.Engine, log *slog.Logger) {
	backoff := time.Second
	for ctx.Err() == nil {
		c, err := ws.Dial(ctx, url, actor, eng.Locks(), log)
		if err == nil {
			log.Info("following upstream relay", "url", url, "session", c.SessionID())
			backoff = time.Second
			err = c.Run(ctx)
			_ = c.Close()
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("upstream relay lost", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
