package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tomer-shavit/clawster/server/internal/config"
	"github.com/tomer-shavit/clawster/server/internal/gateway"
	"github.com/tomer-shavit/clawster/server/internal/metrics"
	"github.com/tomer-shavit/clawster/server/internal/monitor"
)

func main() {
	// ── Load config ────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// ── Logger ─────────────────────────────────────────
	var logger *zap.Logger
	if cfg.Server.Mode == "release" {
		logger, _ = zap.NewProduction()
	} else {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	// ── Instance roster ────────────────────────────────
	instances, err := config.LoadInstances(cfg.Gateway.InstancesFile)
	if err != nil {
		log.Fatalf("Failed to load instances: %v", err)
	}
	logger.Info("Loaded instance roster", zap.Int("instances", len(instances)))

	// ── Metrics + Gateway Manager ──────────────────────
	m := metrics.New()

	manager := gateway.NewManager(logger)

	var connMu sync.Mutex
	connected := make(map[string]bool)
	manager.OnClientState = func(instanceID string, state gateway.State) {
		connMu.Lock()
		defer connMu.Unlock()
		now := state == gateway.StateConnected
		if now && !connected[instanceID] {
			m.ConnectionsActive.Inc()
		} else if !now && connected[instanceID] {
			m.ConnectionsActive.Dec()
		}
		connected[instanceID] = now
	}
	manager.OnClientReconnect = func(string, int) {
		m.ReconnectsTotal.Inc()
	}

	// ── Monitor ────────────────────────────────────────
	mon := monitor.New(manager, instances, cfg.Gateway, cfg.Monitor, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go mon.Start(ctx)

	// ── Mgmt listener (/healthz + /metrics) ────────────
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"instances": mon.Snapshot(),
		})
	})

	addr := fmt.Sprintf(":%d", cfg.Server.MgmtPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("Starting Clawster gateway daemon", zap.String("addr", addr), zap.String("mode", cfg.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mgmt listener failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	manager.ShutdownAll()
	logger.Info("Shutdown complete")
}
