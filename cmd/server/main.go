package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"citybridge.ai/internal/bridge"
	persistlog "citybridge.ai/internal/persistence/log"
	"citybridge.ai/internal/persistence/snapshot"
	"citybridge.ai/internal/sim/catalogs"
	"citybridge.ai/internal/sim/city"
	"citybridge.ai/internal/sim/tuning"
	"citybridge.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", "", "bridge tcp listen address (default: tuning bridge.addr)")
		httpAddr   = flag.String("http", "127.0.0.1:8080", "http listen address for health, metrics, admin and /v1/ws (empty to disable)")
		cityID     = flag.String("city", "city_1", "city id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (commands, turns, catalogs, snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		mcpListen     = flag.String("mcp_listen", "127.0.0.1:8090", "embedded MCP http listen address (empty to disable)")
		mcpHMACSecret = flag.String("mcp_hmac_secret", "", "embedded MCP hmac secret (or set CB_MCP_HMAC_SECRET)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	cityDir := filepath.Join(*dataDir, "cities", *cityID)
	_ = os.MkdirAll(cityDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, _, err := snapshot.Latest(filepath.Join(cityDir, "snapshots")); err == nil {
			snapshotToLoad = p
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Printf("scan snapshots: %v", err)
		}
	}

	// Tuning is required for a fresh city; a resume carries its own clock.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(cityDir, *cityID, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	cfg := city.ConfigFromTuning(*cityID, tune)
	var snap *snapshot.SnapshotV1
	if snapshotToLoad != "" {
		s, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if s.Header.CityID != "" && s.Header.CityID != *cityID {
			logger.Fatalf("snapshot city id mismatch: flag=%s snap=%s", *cityID, s.Header.CityID)
		}
		cfg.TickRateHz = s.TickRate
		cfg.TurnTicks = s.TurnTicks
		if s.SnapshotEveryTicks > 0 {
			cfg.SnapshotEveryTicks = s.SnapshotEveryTicks
		}
		cfg.Width, cfg.Height = s.Map.Width, s.Map.Height
		cfg.CenterX, cfg.CenterY = s.Map.CenterX, s.Map.CenterY
		snap = &s
	}

	c, err := city.New(cfg, cats, log.New(os.Stdout, "[city] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("city: %v", err)
	}
	if snap != nil {
		if err := c.ImportSnapshot(*snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), c.CurrentTick())
	}

	ctx, cancel := signalContext()
	defer cancel()

	cmdLog := persistlog.NewCommandLogger(cityDir)
	turnLog := persistlog.NewTurnLogger(cityDir)
	defer cmdLog.Close()
	defer turnLog.Close()
	turns := newTurnQueue(turnLoggers{turnLog, idx}, 64, logger)
	c.SetTurnLogger(turns)

	hub := observer.NewHub()
	c.SetPublisher(hub)

	snapCh := make(chan snapshot.SnapshotV1, 2)
	c.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-snapCh:
				path := filepath.Join(cityDir, "snapshots", snapshot.FileName(s.Header.Tick))
				if err := snapshot.WriteSnapshot(path, s); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, s)
				}
			}
		}
	}()

	bcfg := tune.BridgeConfig()
	if strings.TrimSpace(*addr) != "" {
		bcfg.Addr = strings.TrimSpace(*addr)
	}
	mb := bridge.NewMailbox(log.New(os.Stdout, "[mailbox] ", log.LstdFlags|log.Lmicroseconds))
	exec := bridge.NewExecutor(mb, c, logger)
	bsrv := bridge.NewServer(bcfg, mb, log.New(os.Stdout, "[bridge] ", log.LstdFlags|log.Lmicroseconds))
	bsrv.SetRecorder(bridge.MultiRecorder{cmdLog, idx})

	cityDone := make(chan struct{})
	go func() {
		defer close(cityDone)
		if err := c.Run(ctx, exec); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("city stopped: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", bsrv.Config().Addr)
	if err != nil {
		logger.Fatalf("bridge listen: %v", err)
	}
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bsrv.Serve(ctx, ln); err != nil {
			logger.Printf("bridge serve: %v", err)
			cancel()
		}
	}()
	logger.Printf("city=%s tick_rate=%dHz turn_ticks=%d bridge_timeout=%s",
		*cityID, cfg.TickRateHz, cfg.TurnTicks, bsrv.Config().Timeout)

	em, err := startEmbeddedMCP(ctx, embeddedMCPCfg{
		Listen:     strings.TrimSpace(*mcpListen),
		BridgeAddr: ln.Addr().String(),
		HMACSecret: strings.TrimSpace(*mcpHMACSecret),
	}, log.New(os.Stdout, "[mcp] ", log.LstdFlags|log.Lmicroseconds))
	if err != nil {
		logger.Fatalf("embedded mcp: %v", err)
	}
	defer em.Close()

	rt := &cityRuntime{
		cityID:  *cityID,
		city:    c,
		mailbox: mb,
		exec:    exec,
		bridge:  bsrv,
		hub:     hub,
		idx:     idx,
		logger:  logger,
	}

	if h := strings.TrimSpace(*httpAddr); h != "" {
		srv := &http.Server{
			Addr:              h,
			Handler:           rt.routes(envBool("CB_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()), envBool("CB_ENABLE_PPROF_HTTP", false)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("http listening on %s", h)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("http: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	<-cityDone
	turns.Close()
	<-bridgeDone
	<-snapDone

	// WebSocket exchanges run outside Serve; wait for them before the
	// deferred Close calls on the command log and index.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := bsrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("bridge shutdown: %v", err)
	}
	logger.Printf("stopped at tick=%d", c.CurrentTick())
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
