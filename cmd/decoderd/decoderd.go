// decoderd runs the real-time decode pipeline: it receives feature
// packets, executes the active decoder through the scheduler, and
// serves the dashboard API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parietal-data/decode.stream/internal/api"
	"github.com/parietal-data/decode.stream/internal/config"
	"github.com/parietal-data/decode.stream/internal/db"
	"github.com/parietal-data/decode.stream/internal/monitor"
	"github.com/parietal-data/decode.stream/internal/monitoring"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
	"github.com/parietal-data/decode.stream/internal/neuro/loader"
	"github.com/parietal-data/decode.stream/internal/neuro/model"
	"github.com/parietal-data/decode.stream/internal/neuro/sched"
	"github.com/parietal-data/decode.stream/internal/neuro/sink"
	"github.com/parietal-data/decode.stream/internal/neuro/stream"
)

var (
	devMode       = flag.Bool("dev", false, "Run in dev mode with a synthetic feature source")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	configPath    = flag.String("config", "", "Path to pipeline config JSON (optional)")
	dbPath        = flag.String("db", "", "Path to sqlite database (overrides config)")
	migrationsDir = flag.String("migrations", "db/migrations", "Path to schema migrations")
	artifactsDir  = flag.String("artifacts", "artifacts", "Directory local model artifacts may be loaded from (empty to disable the restriction)")
	debugLog      = flag.Bool("debug", false, "Enable scheduler debug logging to stderr")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyDecodeConfig()
	if *configPath != "" {
		loaded, err := config.LoadDecodeConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	if *debugLog {
		sched.SetDebugLogger(os.Stderr)
	}

	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}
	database, err := db.NewDB(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.MigrateUp(*migrationsDir); err != nil {
		log.Printf("Warning: migrations not applied: %v", err)
	}

	registry := decoder.NewRegistry()
	registry.SetEMAAlpha(cfg.GetEMAAlpha())
	if err := decoder.RegisterBuiltins(registry); err != nil {
		log.Fatalf("failed to register builtin decoders: %v", err)
	}

	// Restore custom decoders and their lifetime stats from the catalog.
	persisted, err := database.LoadDecoders()
	if err != nil {
		log.Fatalf("failed to restore decoder catalog: %v", err)
	}
	for _, d := range persisted {
		if err := registry.Register(d); err != nil {
			log.Printf("skipping persisted decoder %q: %v", d.ID, err)
		}
	}
	if len(persisted) > 0 {
		monitoring.Logf("restored %d custom decoders from catalog", len(persisted))
	}
	if snaps, err := database.LoadDecoderStats(); err == nil {
		for id, snap := range snaps {
			if d, ok := registry.Get(id); ok && d.Stats != nil {
				d.Stats.Restore(snap)
			}
		}
	} else {
		log.Printf("Warning: decoder stats not restored: %v", err)
	}

	backend := model.NewBackend(cfg.GetInferenceQueueDepth())
	defer backend.Close()

	ld := loader.New(backend, cfg.GetFeatureDim(), cfg.GetTemporalWindowSteps(), time.Now().UnixNano())
	ld.SetArtifactRoot(*artifactsDir)

	store := sink.NewStateStore(cfg.GetPublishBuffer())
	defer store.Close()

	tee := sink.NewTee(store, database, 0, cfg.GetFlushInterval())

	scheduler := sched.New(backend, tee, sched.Options{
		HistoryLength: cfg.GetHistoryLength(),
		TimeoutWarnMs: cfg.GetTimeoutWarnMs(),
		DedupDisabled: !cfg.GetDedupEnabled(),
		Policy:        sched.FailurePolicy(cfg.GetFailurePolicy()),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry writer routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		tee.Run(ctx)
		log.Print("telemetry routine terminated")
	}()

	// Feature source routine: synthetic generator in dev mode, UDP
	// listener otherwise.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if *devMode {
			src := stream.NewSyntheticSource(cfg.GetFeatureDim(), 25*time.Millisecond, time.Now().UnixNano(), scheduler.Submit)
			if err := src.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("synthetic source failed: %v", err)
			}
		} else {
			listener := stream.NewUDPListener(stream.UDPListenerConfig{
				Address: cfg.GetListenAddr(),
				RcvBuf:  cfg.GetRcvBuf(),
				Handler: scheduler.Submit,
			})
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				log.Printf("feature listener failed: %v", err)
			}
		}
		log.Print("feature source routine terminated")
	}()

	// HTTP server routine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(registry, ld, scheduler, store, database, cfg).ServeMux()
		monitor.NewWebServer(database, scheduler).AttachDebugRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Persist lifetime stats so EMA latency survives restarts.
	for _, info := range registry.ListByKind("") {
		if d, ok := registry.Get(info.ID); ok && d.Stats != nil {
			if err := database.SaveDecoderStats(d.ID, d.Stats.Snapshot()); err != nil {
				log.Printf("failed to persist stats for %q: %v", d.ID, err)
			}
		}
	}
	log.Printf("Graceful shutdown complete")
}
