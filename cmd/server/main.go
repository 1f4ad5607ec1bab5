package main

import (
	"context"
	"errors"
	"flag"
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
	"golang.org/x/sync/errgroup"

	"github.com/peerlend/escrow-engine/internal/config"
	"github.com/peerlend/escrow-engine/internal/dispute"
	"github.com/peerlend/escrow-engine/internal/feed"
	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/monitoring"
	"github.com/peerlend/escrow-engine/internal/notify"
	"github.com/peerlend/escrow-engine/internal/payments"
	"github.com/peerlend/escrow-engine/internal/ratelimit"
	"github.com/peerlend/escrow-engine/internal/risk"
	"github.com/peerlend/escrow-engine/internal/store"
	"github.com/peerlend/escrow-engine/internal/trading"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("escrow-engine exited", "err", err)
		os.Exit(1)
	}
	slog.Info("escrow-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	bus := feed.NewBus()

	// --- Initialize store ---
	var (
		st       store.Store
		profiles store.ProfileStore
		rdb      redis.UniversalClient
		cleanup  []func()
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, bus)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore(bus)
	}
	profiles = st

	// Redis fronts profile reads and is the primary rate-limit backend.
	var primary ratelimit.Backend
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opt)
		cleanup = append(cleanup, func() { client.Close() })
		rdb = client
		profiles = store.NewCachedProfiles(st, rdb, cfg.Redis.ProfileCacheTTL.Duration)
		primary = ratelimit.NewRedisBackend(rdb, cfg.RateLimit.RecordTTL.Duration)
		slog.Info("Redis enabled for profile cache and rate limiting")
	} else {
		slog.Warn("REDIS_URL not set, rate limiting uses the document store only")
	}

	// --- Services ---
	notifier := notify.NewDispatcher(profiles,
		notify.NewStoreSender(st),
		notify.NewFeedSender(bus),
		notify.LogSender{},
	)

	tradeSvc := trading.NewService(st, profiles, risk.NewScorer(), trading.Config{
		RiskGate:          cfg.Trading.RiskGate,
		FailurePenalty:    cfg.Trading.FailurePenalty,
		AssessConcurrency: cfg.Trading.AssessConcurrency,
	})
	disputeSvc := dispute.NewService(st, profiles, notifier, dispute.Config{
		HighValueThreshold: cfg.Dispute.HighValueThreshold,
	})
	monitor := monitoring.NewService(st, notifier, monitoring.DefaultRegistry(cfg.Location()))
	if cfg.Monitoring.SeedDefaultRules {
		if err := monitor.SeedDefaults(ctx); err != nil {
			return err
		}
	}

	policy := ratelimit.Policy{
		Window:     cfg.RateLimit.Window.Duration,
		HardFlagAt: cfg.RateLimit.HardFlagAt,
		Limits:     make(map[string]ratelimit.Limit, len(cfg.RateLimit.Operations)),
	}
	for op, l := range cfg.RateLimit.Operations {
		policy.Limits[op] = ratelimit.Limit{MaxCount: l.MaxCount, MaxAmount: l.MaxAmount}
	}
	limiter := ratelimit.NewLimiter(policy, primary, ratelimit.NewStoreBackend(st)).
		WithTrustedProxies(cfg.TrustedProxies())

	hub := feed.NewHub()
	hubSub := hub.Attach(bus)
	defer hubSub.Unsubscribe()

	// Subscribed before the listener starts so no committed ticket escapes
	// evaluation.
	monitorSub := monitor.Start(ctx, bus)
	defer monitorSub.Unsubscribe()

	// --- HTTP router ---
	trades := trading.NewHandler(tradeSvc)
	disputes := dispute.NewHandler(disputeSvc)
	alerts := monitoring.NewHandler(monitor)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+httpx.UserHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ticket, alert and notification changes.
		r.Get("/ws", hub.HandleWS)

		r.Get("/tickets", trades.ListTickets)
		r.With(limiter.Middleware(ratelimit.OpCreate)).Post("/tickets", trades.CreateTicket)
		r.Get("/tickets/{ticketID}", trades.GetTicket)
		r.With(limiter.Middleware(ratelimit.OpMatch)).Post("/tickets/{ticketID}/match", trades.Match)
		r.With(limiter.Middleware(ratelimit.OpConfirm)).Post("/tickets/{ticketID}/confirm", trades.Confirm)
		r.With(limiter.Middleware(ratelimit.OpCancel)).Post("/tickets/{ticketID}/cancel", trades.Cancel)
		r.Get("/wallets/{userID}", trades.GetWallet)

		r.With(limiter.Middleware(ratelimit.OpDispute)).Post("/tickets/{ticketID}/disputes", disputes.Create)
		r.Get("/tickets/{ticketID}/disputes", disputes.ListByTicket)
		r.Get("/disputes/{disputeID}", disputes.Get)
		r.Post("/disputes/{disputeID}/evidence", disputes.SubmitEvidence)
		r.Post("/disputes/{disputeID}/comments", disputes.AddComment)
		r.Post("/disputes/{disputeID}/status", disputes.UpdateStatus)

		r.Get("/alerts", alerts.ListAlerts)
		r.Patch("/alerts/{alertID}", alerts.ReviewAlert)
		r.Get("/rules", alerts.ListRules)
		r.Put("/rules/{ruleID}", alerts.PutRule)

		r.Get("/notifications", notify.ListHandler(st))

		if cfg.Payments.WebhookSecret != "" {
			r.Method(http.MethodPost, "/webhooks/payments", payments.NewWebhook(st, cfg.Payments.WebhookSecret))
		} else {
			slog.Warn("payment webhook secret not set, webhook endpoint disabled")
		}
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx.Done())
		return nil
	})
	g.Go(func() error {
		slog.Info("escrow-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down escrow-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
