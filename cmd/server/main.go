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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/Hasanromadon/tangibly-sub001/internal/api"
	"github.com/Hasanromadon/tangibly-sub001/internal/auth"
	"github.com/Hasanromadon/tangibly-sub001/internal/clock"
	"github.com/Hasanromadon/tangibly-sub001/internal/config"
	"github.com/Hasanromadon/tangibly-sub001/internal/events"
	"github.com/Hasanromadon/tangibly-sub001/internal/health"
	"github.com/Hasanromadon/tangibly-sub001/internal/jobs"
	"github.com/Hasanromadon/tangibly-sub001/internal/kvstore"
	"github.com/Hasanromadon/tangibly-sub001/internal/logger"
	"github.com/Hasanromadon/tangibly-sub001/internal/metrics"
	accessmw "github.com/Hasanromadon/tangibly-sub001/internal/middleware"
	"github.com/Hasanromadon/tangibly-sub001/internal/ratelimit"
	"github.com/Hasanromadon/tangibly-sub001/internal/rbac"
	"github.com/Hasanromadon/tangibly-sub001/internal/repository"
	"github.com/Hasanromadon/tangibly-sub001/internal/session"
	"github.com/Hasanromadon/tangibly-sub001/internal/sse"
	"github.com/Hasanromadon/tangibly-sub001/internal/throttle"
)

func main() {
	log := logger.New(logger.DefaultConfig())
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := setupDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient, err = setupRedis(cfg, log)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	clk := clock.New()

	// Shared access-control state
	var store kvstore.Store
	if redisClient != nil {
		store = kvstore.NewRedisStore(redisClient, kvstore.RedisConfig{Prefix: cfg.Redis.KeyPrefix})
	} else {
		store = kvstore.NewMemoryStore(clk)
		log.Warn("REDIS_ADDR not set, access-control state is kept in process memory")
	}

	securityLog := events.NewLog(events.LogConfig{
		MaxEvents: cfg.Events.MaxEvents,
		QueueSize: cfg.Events.QueueSize,
		Clock:     clk,
		Logger:    log,
		Sink:      eventSink(cfg, redisClient, log),
		Alerts:    alertSink(cfg),
	})
	defer securityLog.Close()

	identities := repository.NewIdentityRepository(db)
	resolver := rbac.NewResolver()
	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		Clock:  clk,
	})
	sessions := session.NewRegistry(store, session.Config{
		IdleTimeout: cfg.Security.SessionIdleTimeout,
		Clock:       clk,
	})
	loginThrottle := throttle.New(store, throttle.Config{
		Threshold:     cfg.Security.LoginMaxAttempts,
		BlockDuration: cfg.Security.LoginBlockDuration,
		Retention:     cfg.Security.LoginRecordRetention,
		Clock:         clk,
	})
	limiter := ratelimit.New(store, ratelimit.Config{
		Clock:      clk,
		KeyCeiling: cfg.RateLimit.KeyCeiling,
		Logger:     log,
	})

	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Tokens:        tokens,
		Sessions:      sessions,
		Throttle:      loginThrottle,
		Identities:    identities,
		Hasher:        auth.NewPasswordHasher(cfg.Security.BcryptCost),
		Events:        securityLog,
		Clock:         clk,
		Logger:        log,
		TokenTTL:      cfg.JWT.TokenTTL,
		RememberMeTTL: cfg.JWT.RememberMeTTL,
	})
	roles := auth.NewRoleService(identities, resolver, securityLog)

	guard := accessmw.NewGuard(accessmw.GuardConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Limiter:        limiter,
		Window:         cfg.Security.GuardViolationWindow,
		Threshold:      cfg.Security.GuardViolationThreshold,
		Events:         securityLog,
		Logger:         log,
	})

	access := accessmw.NewAccessMiddleware(accessmw.AccessConfig{
		Limiter: limiter,
		Policies: func(routeKey string) ratelimit.Policy {
			p := cfg.RateLimit.PolicyFor(routeKey)
			return ratelimit.Policy{Window: p.Window, MaxRequests: p.MaxRequests}
		},
		Authenticator: authenticator,
		Resolver:      resolver,
		Guard:         guard,
		Events:        securityLog,
		Logger:        log,
	})

	// Background maintenance
	scheduler := jobs.NewScheduler(log, time.Minute)
	if err := scheduler.Add("kvstore-sweep", cfg.Events.SweepSchedule, jobs.Counted("kvstore-sweep", store.Sweep, log)); err != nil {
		return err
	}
	if err := scheduler.Add("ratelimit-sweep", cfg.Events.SweepSchedule, jobs.Counted("ratelimit-sweep", limiter.Sweep, log)); err != nil {
		return err
	}
	if cfg.Archive.Enabled {
		archiver := events.NewArchiver(securityLog, events.NewS3Client(cfg.Archive), cfg.Archive.Bucket, cfg.Archive.Prefix, clk, log)
		if err := scheduler.Add("event-archive", cfg.Events.ArchiveSchedule, jobs.Counted("event-archive", archiver.Run, log)); err != nil {
			return err
		}
	}
	scheduler.Start()

	dbCollector := metrics.NewDBStatsCollector(db, log)
	dbCollector.Start(15 * time.Second)
	defer dbCollector.Stop()

	healthHandler := health.NewHandler(health.Config{
		DB:      db,
		Redis:   redisClient,
		Version: cfg.Server.Version,
	})

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessmw.StructuredLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Readiness)
	r.Get("/health/live", healthHandler.Liveness)
	r.Handle("/metrics", metrics.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		auth.RegisterRoutes(r, auth.NewAuthHandler(authenticator, log),
			access.Handler(accessmw.Rule{Public: true}),
			access.Handler(accessmw.Rule{}),
		)
		securityRule := accessmw.Rule{MinRole: rbac.RoleAdmin, Permissions: []rbac.Permission{rbac.PermSecurityRead}}
		api.RegisterSecurityRoutes(r, api.NewSecurityHandler(securityLog, clk, log), access.Handler(securityRule))
		sse.RegisterRoutes(r, sse.NewHandler(sse.DefaultConfig(), securityLog, clk, log), access.Handler(securityRule))
		api.RegisterRoleRoutes(r, api.NewRoleHandler(roles, log),
			access.Handler(accessmw.Rule{MinRole: rbac.RoleManager, Permissions: []rbac.Permission{rbac.PermUsersUpdate}, CompanyParam: "companyID"}),
		)
	})

	// Create server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	healthHandler.SetReady(false)
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited")
	return nil
}

// setupDatabase opens the identity store connection pool
func setupDatabase(cfg *config.Config, log *slog.Logger) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	log.Info("connected to database",
		slog.String("database", cfg.Database.DBName),
		slog.String("host", cfg.Database.Host),
		slog.String("port", cfg.Database.Port),
	)
	return db, nil
}

// setupRedis connects the shared state backend
func setupRedis(cfg *config.Config, log *slog.Logger) (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("connected to redis", slog.String("addr", cfg.Redis.Addr))
	return client, nil
}

// eventSink picks the out-of-process destinations of security events. Events
// always reach the process log; the redis sink publishes them as well.
func eventSink(cfg *config.Config, client redis.UniversalClient, log *slog.Logger) events.Sink {
	logSink := events.NewLogSink(log)
	if cfg.Events.Sink == "redis" && client != nil {
		return events.MultiSink{logSink, events.NewRedisSink(client, cfg.Events.RedisChannel)}
	}
	return logSink
}

func alertSink(cfg *config.Config) events.Sink {
	if cfg.Events.AlertWebhookURL == "" {
		return nil
	}
	return events.NewWebhookAlertSink(events.WebhookConfig{
		URL:       cfg.Events.AlertWebhookURL,
		PerMinute: cfg.Events.AlertsPerMinute,
	})
}
