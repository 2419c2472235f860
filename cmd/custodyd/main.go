package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multisafe/custody/internal/config"
	"github.com/multisafe/custody/internal/envelope"
	"github.com/multisafe/custody/internal/eth"
	"github.com/multisafe/custody/internal/executor"
	"github.com/multisafe/custody/internal/hsm"
	"github.com/multisafe/custody/internal/logger"
	"github.com/multisafe/custody/internal/monitor"
	"github.com/multisafe/custody/internal/policy"
	"github.com/multisafe/custody/internal/relay"
	"github.com/multisafe/custody/internal/secretstore"
	"github.com/multisafe/custody/internal/signing"
	"github.com/multisafe/custody/internal/storage"
	"github.com/multisafe/custody/pkg/types"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	// Initialize storage: Postgres when configured, in-memory otherwise.
	var secrets secretstore.Store
	var pendingRepo storage.PendingTransactionRepository
	if cfg.PostgresDSN != "" {
		store, err := storage.New(ctx, cfg.PostgresDSN, cfg.PoolMaxConns, cfg.PoolMinConns)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		secrets = secretstore.NewPostgresStore(store.DB())
		pendingRepo = storage.NewPendingTxRepository(store)
		slog.Info("connected to database")
	} else {
		secrets = secretstore.NewMemoryStore()
		pendingRepo = storage.NewMemoryPendingTxRepository()
		slog.Warn("no POSTGRES_DSN configured, using in-memory storage")
	}

	// Initialize the sealing backend and key provider.
	sealer, err := hsm.NewSealer(cfg.SealerConfig())
	if err != nil {
		slog.Error("failed to initialize sealer", "error", err)
		os.Exit(1)
	}
	slog.Info("initialized sealing backend", "backend", sealer.Backend())

	keys := hsm.NewKeyProvider(secrets, sealer, nil)

	// Envelope stores and the security policy center.
	sensitive := envelope.NewStore(secrets, keys, types.ClassSensitive)
	data := envelope.NewStore(secrets, keys, types.ClassData)
	center := policy.NewCenter(sensitive, data, secrets, nil)
	if err := center.Bootstrap(ctx); err != nil {
		slog.Error("failed to bootstrap security center", "error", err)
		os.Exit(1)
	}

	router := signing.NewRouter(sensitive, nil, nil)

	// One controller and monitor target per configured chain.
	var targets []monitor.Target
	controllers := make(map[int64]*executor.Controller, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		client, err := eth.Dial(ctx, chain.RPCURL)
		if err != nil {
			slog.Error("failed to connect to chain", "chain_id", chain.ChainID, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		if client.ChainID() != chain.ChainID {
			slog.Error("chain id mismatch",
				"configured", chain.ChainID, "reported", client.ChainID())
			os.Exit(1)
		}

		var relays relay.Service
		if chain.RelayBaseURL != "" {
			relays = relay.NewClient(relay.ClientConfig{BaseURL: chain.RelayBaseURL})
		}

		controllers[chain.ChainID] = executor.NewController(client, relays, router, pendingRepo)
		targets = append(targets, monitor.Target{Client: client, Relay: relays})
		slog.Info("chain ready", "chain_id", chain.ChainID)
	}

	mon := monitor.New(pendingRepo, targets, cfg.MonitorInterval)
	mon.Start()
	defer mon.Stop()

	// Metrics endpoint.
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
		slog.Info("metrics listening", "port", cfg.MetricsPort)
	}

	slog.Info("custodyd started", "chains", len(controllers))

	// Wait for shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	slog.Info("received shutdown signal", "signal", sig.String())

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("error during metrics shutdown", "error", err)
		}
	}

	slog.Info("custodyd stopped")
}
