package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/config"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/dispatch"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/gateway"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/geo"
	httpapi "github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/http"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/ingest"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/logging"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/payments"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/registry"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/rides"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		ggeo = rg
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
		ggeo = geo.NewIndex()
	}

	svc := &rides.Service{Store: store, Geo: ggeo, Logger: logger, Currency: cfg.FareCurrency}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		svc.Publisher = kp
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	reg := registry.New()
	router := &dispatch.Router{Registry: reg, Geo: ggeo, Logger: logger}
	gw := &gateway.Gateway{Registry: reg, Rides: svc, Router: router, Logger: logger}
	api := httpapi.NewServer(svc, router, store, gw, cfg.SearchRadiusKm, cfg.SearchLimit, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_schema.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
