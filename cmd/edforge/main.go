package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/edforge/edforge/internal/api"
	"github.com/edforge/edforge/internal/auth"
	"github.com/edforge/edforge/internal/decision"
	"github.com/edforge/edforge/internal/generator"
	"github.com/edforge/edforge/internal/hotreload"
	"github.com/edforge/edforge/internal/logging"
	"github.com/edforge/edforge/internal/messagebus"
	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/internal/orchestrator"
	"github.com/edforge/edforge/internal/personalize"
	"github.com/edforge/edforge/internal/progress"
	"github.com/edforge/edforge/internal/provider"
	"github.com/edforge/edforge/internal/storage"
	"github.com/edforge/edforge/internal/swarm"
	"github.com/edforge/edforge/internal/telemetry"
	"github.com/edforge/edforge/internal/validator"
	"github.com/edforge/edforge/internal/worker"
	"github.com/edforge/edforge/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("EdForge v%s\n", version)
		return
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		if os.IsNotExist(err) || !fileExists(*configPath) {
			log.Printf("Config file %s not found, using defaults", *configPath)
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("failed to load config from %s: %v", *configPath, err)
		}
	}

	// OpenTelemetry export is optional; the service runs without a collector.
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(), cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	m := metrics.NewMetrics()

	store, err := storage.New(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	var profiles storage.ProfileStore = store
	if cfg.Redis.Enabled {
		cached, err := storage.NewCachedProfileStore(cfg.Redis, store)
		if err != nil {
			log.Printf("Warning: Redis cache unavailable, using direct store: %v", err)
		} else {
			profiles = cached
			defer cached.Close()
		}
	}

	var bus *messagebus.NatsBus
	if cfg.Nats.Enabled {
		bus, err = messagebus.NewNatsBus(cfg.Nats)
		if err != nil {
			log.Printf("Warning: NATS unavailable, progress stays in-process: %v", err)
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	logManager := logging.NewManager()

	var transport progress.Transport
	if bus != nil {
		transport = bus
		if err := bus.SubscribeProgress("edforge-core", messagebus.TerminalEventLogger(logManager)); err != nil {
			log.Printf("Warning: terminal event consumer unavailable: %v", err)
		}
	}
	broadcaster := progress.NewBroadcaster(transport, cfg.Pipeline.EventBuffer)

	protocol := provider.NewHTTPClient(cfg.Provider)
	pool := worker.NewPool(cfg.Swarm.WorkerSpecs(), protocol)
	m.PoolWorkers.Set(float64(pool.Size()))

	controller := swarm.NewController(cfg.Swarm, pool)
	gen := generator.New(controller)
	val := validator.New(cfg.Validator)
	dec := decision.NewManager(cfg.Decision)
	dec.SetAcceptThreshold(cfg.Pipeline.AcceptThreshold)
	eng := personalize.NewEngine(cfg.Personalization, profiles)

	orch := orchestrator.New(cfg.Pipeline, gen, val, dec, eng, controller, broadcaster, store, m)

	if cfg.HotReload.Enabled {
		watcher, err := hotreload.NewWatcher(*configPath, func(t config.Tunables) {
			orch.SetThresholds(t.AcceptThreshold, t.RemediationFloor)
			controller.SetDissimilarityThreshold(t.DissimilarityThreshold)
			dec.SetAcceptThreshold(t.AcceptThreshold)
			dec.SetRewardWeights(t.RewardWeights[0], t.RewardWeights[1], t.RewardWeights[2])
			if len(t.ValidatorWeights) > 0 {
				val.SetWeights(t.ValidatorWeights)
			}
		})
		if err != nil {
			log.Printf("Hot-reload initialization failed: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	authManager := auth.NewManager(cfg.Security.JWTSecret, cfg.Security.EscalationRoles...)

	apiServer := api.NewServer(orch, val, broadcaster, authManager, bus, logManager, cfg)
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "edforge-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("EdForge API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Periodically drop replay logs for long-finished executions.
	pruneCtx, prunecancel := context.WithCancel(context.Background())
	defer prunecancel()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				if n := broadcaster.Prune(1 * time.Hour); n > 0 {
					log.Printf("Pruned %d stale progress logs", n)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("Executions still in flight at shutdown: %v", err)
	}
	pool.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
