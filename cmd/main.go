package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/drift"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/embedding"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/governor"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/limiter"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/maintenance"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/provider"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/semcache"
	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/cache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("governor exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}
	pricing := policy.PricingTable()

	db := connectDB(ctx, cfg, logger)
	defer db.Close()
	if overrides, err := db.LoadPricing(ctx); err != nil {
		logger.Warn("loading stored price overrides failed", "error", err)
	} else if len(overrides) > 0 {
		pricing = pricing.WithOverrides(overrides)
		logger.Info("applied stored price overrides", "count", len(overrides))
	}

	rdb, err := cache.New(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisChannel, logger)
	if err != nil {
		logger.Warn("redis unavailable, spend counters and message fan-out disabled", "error", err)
		rdb = nil
	}
	defer rdb.Close()

	// Admission.
	routes := make(map[string]limiter.Profile, len(policy.Routes))
	for route, rp := range policy.Routes {
		routes[route] = limiter.Profile{Capacity: rp.Capacity, RefillRate: rp.RefillRate}
	}
	lim := limiter.New(routes, limiter.WithDefaultProfile(limiter.Profile{
		Capacity:   cfg.DefaultCapacity,
		RefillRate: cfg.DefaultRefillRate,
	}))

	// Semantic cache.
	var embedder embedding.Embedder
	if cfg.EmbeddingURL != "" {
		embedder = embedding.NewClient(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingAPIKey, cfg.EmbeddingDimension)
	} else {
		logger.Warn("GOVERNOR_EMBEDDING_URL not set, semantic cache lookups are disabled")
	}
	cacheOpts := []semcache.Option{semcache.WithLogger(logger)}
	if cfg.CacheBackend == "pgvector" {
		if idx, ok := pgvectorIndex(ctx, db, cfg.EmbeddingDimension, logger); ok {
			cacheOpts = append(cacheOpts, semcache.WithIndex(idx))
		}
	}
	sc := semcache.New(semcache.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxSize:             cfg.MaxCacheSize,
		Dimension:           cfg.EmbeddingDimension,
	}, embedder, cacheOpts...)

	// Cost ledger, mirrored to Postgres and Redis when they are up.
	ledgerOpts := []ledger.Option{ledger.WithLogger(logger), ledger.WithPricing(pricing)}
	if db.Enabled() {
		ledgerOpts = append(ledgerOpts, ledger.WithSink(db))
	}
	if rdb.Enabled() {
		ledgerOpts = append(ledgerOpts, ledger.WithSink(rdb))
	}
	led := ledger.New(ledger.Config{
		DailyBudget:   cfg.DailyBudget,
		MonthlyBudget: cfg.MonthlyBudget,
		RetentionDays: cfg.RetentionDays,
		DefaultModel:  policy.DefaultModel,
	}, ledgerOpts...)

	dm := drift.New(drift.Config{
		BinCount:   cfg.BinCount,
		KSAlpha:    cfg.KSAlpha,
		WindowSize: cfg.DriftWindow,
	}, drift.WithLogger(logger))

	board := blackboard.New(blackboard.WithLogger(logger))
	unsubscribe := board.Subscribe(mirrorMessages(db, rdb, logger))
	defer unsubscribe()

	rt := router.NewRouter(router.RoutingStrategy(cfg.RoutingStrategy), pricing)
	invoker := provider.NewClient(provider.Keys{
		OpenAI:    cfg.OpenAIKey,
		Anthropic: cfg.AnthropicKey,
		Gemini:    cfg.GeminiKey,
	})

	pipeline, err := governor.New(governor.Deps{
		Limiter:    lim,
		Cache:      sc,
		Router:     rt,
		Invoker:    invoker,
		Ledger:     led,
		Blackboard: board,
		Drift:      dm,
	}, governor.WithLogger(logger), governor.WithDefaultModel(policy.DefaultModel))
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Background maintenance.
	sched := maintenance.New(maintenance.WithLogger(logger))
	var prunes []func(context.Context, time.Time) (int64, error)
	if db.Enabled() {
		prunes = append(prunes, db.PruneCostRecords)
	}
	for _, j := range []maintenance.Job{
		maintenance.LimiterSweep(lim, cfg.BucketGCInterval, logger),
		maintenance.LedgerPrune(led, cfg.RetentionDays, cfg.LedgerPruneInterval, logger, prunes...),
		maintenance.BlackboardCleanup(board, time.Duration(cfg.RetentionHours)*time.Hour, cfg.AgentIdleAfter, cfg.BlackboardCleanupEvery),
		maintenance.DriftSweep(dm, board, cfg.DriftCheckInterval, logger),
	} {
		if err := sched.Add(j); err != nil {
			return fmt.Errorf("scheduling %s: %w", j.Name, err)
		}
	}
	maintCtx, cancelMaint := context.WithCancel(context.Background())
	sched.Start(maintCtx)

	// HTTP.
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Admin-Key", "X-API-Key", "X-Client-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if cfg.AdminAPIKey == "" {
		logger.Warn("GOVERNOR_ADMIN_API_KEY not set, management API is disabled (fail-secure)")
	}
	if cfg.QueryAPIKey == "" {
		logger.Warn("GOVERNOR_QUERY_API_KEY not set, query API is disabled (fail-secure)")
	}
	handlers := api.NewHandlers(api.Deps{
		Pipeline:   pipeline,
		Limiter:    lim,
		Cache:      sc,
		Ledger:     led,
		Drift:      dm,
		Blackboard: board,
		Router:     rt,
		Pricing:    pricingStore(db),
		Spend:      spendReader(rdb),
		Backends: map[string]bool{
			"postgres":  db.Enabled(),
			"redis":     rdb.Enabled(),
			"embedding": embedder != nil,
		},
		Logger: logger,
	})
	handlers.Register(r, api.Guards{
		Query:      []gin.HandlerFunc{middleware.QueryAuth(cfg.QueryAPIKey)},
		Management: []gin.HandlerFunc{middleware.AdminAuth(cfg.AdminAPIKey), middleware.RateLimit(lim)},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("governor ready",
			"port", cfg.Port,
			"routing_strategy", rt.Strategy(),
			"cache_backend", cfg.CacheBackend,
			"jobs", sched.Jobs(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			cancelMaint()
			sched.Wait()
			led.Flush()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancelMaint()
	sched.Wait()
	led.Flush()
	logger.Info("governor stopped")
	return nil
}

// connectDB returns a migrated database, or nil when Postgres is unreachable.
func connectDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) *database.DB {
	db, err := database.New(ctx, cfg.DSN())
	if err != nil {
		logger.Warn("database unavailable, running in memory only", "dsn", cfg.RedactedDSN(), "error", err)
		return nil
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx); err != nil {
		logger.Warn("database migration failed, running in memory only", "error", err)
		db.Close()
		return nil
	}
	logger.Info("database connected and migrations applied", "dsn", cfg.RedactedDSN())
	return db
}

// pgvectorIndex prepares the Postgres-backed cache index.
func pgvectorIndex(ctx context.Context, db *database.DB, dim int, logger *slog.Logger) (semcache.Index, bool) {
	if !db.Enabled() {
		logger.Warn("pgvector cache backend requested without a database, using memory index")
		return nil, false
	}
	idx := semcache.NewPGVectorIndex(db.Pool, dim)
	if err := idx.EnsureSchema(ctx); err != nil {
		logger.Warn("pgvector schema setup failed, using memory index", "error", err)
		return nil, false
	}
	return idx, true
}

// pricingStore keeps the interface nil when there is no database.
func pricingStore(db *database.DB) api.PricingStore {
	if !db.Enabled() {
		return nil
	}
	return db
}

// spendReader exposes the Redis spend counters, or nil when Redis is down.
func spendReader(rdb *cache.Cache) api.SpendReader {
	if !rdb.Enabled() {
		return nil
	}
	return rdb
}

// mirrorMessages archives every blackboard message to Postgres and publishes
// it on the Redis channel. Writes run off the caller's goroutine.
func mirrorMessages(db *database.DB, rdb *cache.Cache, logger *slog.Logger) blackboard.Listener {
	return func(m blackboard.Message) {
		if !db.Enabled() && !rdb.Enabled() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := db.ArchiveMessage(ctx, m); err != nil {
				logger.Warn("archiving blackboard message failed", "id", m.ID, "error", err)
			}
			if err := rdb.PublishMessage(ctx, m); err != nil {
				logger.Warn("publishing blackboard message failed", "id", m.ID, "error", err)
			}
		}()
	}
}
