package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/Lexiie/KangKlip/internal/api"
	"github.com/Lexiie/KangKlip/internal/artifacts"
	"github.com/Lexiie/KangKlip/internal/auth"
	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
	"github.com/Lexiie/KangKlip/internal/config"
	"github.com/Lexiie/KangKlip/internal/credits"
	"github.com/Lexiie/KangKlip/internal/dispatch"
	"github.com/Lexiie/KangKlip/internal/monitoring"
	"github.com/Lexiie/KangKlip/internal/nosana"
	"github.com/Lexiie/KangKlip/internal/objstore"
	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

// recoverInterval is how often crashed unlock attempts are swept back
// into a committed state.
const recoverInterval = time.Minute

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.New(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer st.Close()

	chainRPC := credits.GuardRPC(rpc.New(cfg.Chain.RPCURL), circuitbreaker.New(circuitbreaker.Chain(), logger))
	creditSvc, err := credits.NewService(chainRPC, st, cfg.Chain, logger)
	if err != nil {
		log.Fatalf("credits: %v", err)
	}

	ctx := context.Background()
	objects, err := objstore.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	fabric := nosana.NewClient(nosana.Config{
		APIBase: cfg.Fabric.APIBase,
		APIKey:  cfg.Fabric.APIKey,
		Market:  cfg.Fabric.Market,
	}, logger)

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	dispatcher := dispatch.New(st, fabric, cfg, logger)
	coordinator := unlock.NewCoordinator(st, unlock.InstrumentChain(creditSvc, metrics), logger)

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Auth:      auth.NewService(st, logger),
		Credits:   creditSvc,
		Unlock:    coordinator,
		Artifacts: artifacts.NewService(st, objects, logger),
		Dispatch:  dispatcher,
		Metrics:   metrics,
		Log:       logger,
	})

	// Sweep unlock attempts that died between charge and commit, once
	// at boot and then on an interval.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		sweep := func() {
			if n, err := coordinator.RecoverStale(sweepCtx); err != nil {
				logger.Error("unlock recovery sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("recovered stale unlocks", "count", n)
			}
		}
		sweep()
		ticker := time.NewTicker(recoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Range", "x-job-token", "x-auth-token"},
	}).Handler(server.Router())

	// Write timeout is sized for clip streaming, not just JSON.
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	drained := make(chan struct{})
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		dispatcher.Wait()
		close(drained)
	}()

	logger.Info("kangklip api starting", "port", cfg.Server.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	<-drained
	logger.Info("server stopped")
}
