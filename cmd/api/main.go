package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hexline-labs/couponpool-backend/api/routes"
	"github.com/hexline-labs/couponpool-backend/internal/coupons"
	"github.com/hexline-labs/couponpool-backend/internal/ledger"
	"github.com/hexline-labs/couponpool-backend/internal/withdrawals"
	"github.com/hexline-labs/couponpool-backend/pkg/config"
	"github.com/hexline-labs/couponpool-backend/pkg/db"
	"github.com/hexline-labs/couponpool-backend/pkg/logger"
	"github.com/hexline-labs/couponpool-backend/pkg/metrics"
	"github.com/hexline-labs/couponpool-backend/pkg/migrate"
	"github.com/hexline-labs/couponpool-backend/pkg/redis"
	"github.com/hexline-labs/couponpool-backend/pkg/settlement"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry := prometheus.NewRegistry()
	withdrawalMetrics := metrics.NewWithdrawalMetrics(registry)

	gateway, err := buildGateway(cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap settlement gateway", err)
		os.Exit(1)
	}

	couponRepo := coupons.NewRepository(dbClient.DB())
	eventRepo := ledger.NewRepository(dbClient.DB())
	attemptRepo := withdrawals.NewRepository(dbClient.DB())

	couponSvc, err := coupons.NewService(couponRepo, eventRepo, dbClient, cfg.Settlement.PoolAddress)
	if err != nil {
		logg.Error(context.Background(), "failed to create coupon service", err)
		os.Exit(1)
	}

	reconciler, err := withdrawals.NewReconciler(couponSvc, attemptRepo, eventRepo, gateway, dbClient, logg, withdrawalMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create withdrawal reconciler", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Settlement.NormalizedMode() == config.SettlementModeNode {
		sweeper, err := withdrawals.NewSweeper(withdrawals.SweeperParams{
			Logger:     logg,
			Reconciler: reconciler,
			Attempts:   attemptRepo,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create withdrawal sweeper", err)
			os.Exit(1)
		}
		go sweeper.Run(runCtx)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":             cfg.App.Env,
		"addr":            addr,
		"settlement_mode": cfg.Settlement.NormalizedMode(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:     cfg,
			Logger:     logg,
			Redis:      redisClient,
			Limiter:    redisClient,
			Coupons:    couponSvc,
			Reconciler: reconciler,
			Registry:   registry,
		}),
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		logg.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
}

func buildGateway(cfg *config.Config, logg *logger.Logger) (settlement.Gateway, error) {
	switch cfg.Settlement.NormalizedMode() {
	case config.SettlementModeNode:
		return settlement.NewNodeClient(context.Background(), cfg.Settlement, logg)
	default:
		return settlement.NewDisabled(), nil
	}
}
