package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/feed"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/scheduler"
	"github.com/atmx/paper-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := pflag.StringP("config", "c", os.Getenv("PAPER_CONFIG"), "path to YAML config (env PAPER_* overrides)")
	pflag.Parse()

	cfg, err := config.Load(*configPath, *configPath == "")
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	engCfg, err := cfg.EngineConfig()
	if err != nil {
		slog.Error("invalid engine config", "err", err)
		os.Exit(1)
	}
	weights, err := cfg.Weights()
	if err != nil {
		slog.Error("invalid signal weights", "err", err)
		os.Exit(1)
	}
	notional, err := cfg.Notional()
	if err != nil {
		slog.Error("invalid signal notional", "err", err)
		os.Exit(1)
	}
	startPrices, err := cfg.StartPrices()
	if err != nil {
		slog.Error("invalid start prices", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Cache snapshots and fills in Redis if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("db.url not set, using in-memory ledger (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Paper feed ---
	for _, sym := range cfg.Symbols {
		if _, ok := startPrices[sym]; !ok {
			slog.Warn("symbol has no start price and will not be quoted", "symbol", sym)
		}
	}
	prices := feed.NewRandomWalk(cfg.Feed.Seed, mustDecimal(cfg.Feed.Volatility), startPrices, nil)
	signals := feed.NewSynthetic(prices, weights)
	funding := feed.FixedFunding{Rate: mustDecimal(cfg.Feed.FundingRate)}

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run()

	// --- Engine ---
	eng, err := engine.New(engCfg, prices, st,
		engine.WithPublisher(hub),
		engine.WithLogger(logger),
	)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- Scheduler ---
	runner := scheduler.NewRunner(logger, ctx)
	if cfg.Scheduler.Enabled {
		jobs := &scheduler.Jobs{
			Engine:      eng,
			Prices:      prices,
			Signals:     signals,
			Funding:     funding,
			Logger:      logger,
			Symbols:     cfg.Symbols,
			Leverage:    cfg.Signal.Leverage,
			Notional:    notional,
			EntryWindow: cfg.Entry.Window,
		}
		if err := jobs.Register(runner, cfg.Scheduler.Tick, cfg.Scheduler.Signals, cfg.Scheduler.Funding); err != nil {
			slog.Error("invalid scheduler spec", "err", err)
			os.Exit(1)
		}
		runner.Start()
	}

	handler := api.NewHandler(eng, st, weights)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for position transitions.
		r.Get("/ws", hub.HandleWS)
		handler.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "addr", cfg.Server.HTTPAddr, "symbols", cfg.Symbols)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if cfg.Scheduler.Enabled {
		runner.Stop()
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "err", err)
	}
	hub.Close()
	fmt.Println("paper-engine stopped")
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		slog.Error("invalid decimal setting", "value", s, "err", err)
		os.Exit(1)
	}
	return d
}
