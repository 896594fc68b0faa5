package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nexuspro/canvas/api"
	"github.com/nexuspro/canvas/internal/config"
	"github.com/nexuspro/canvas/internal/slogging"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// .env is optional; environment variables override file config either way
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	err = slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slogging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs rate limiting and the snapshot cache. The engine runs
	// without it, degrading both to open.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Database.Redis.Addr(),
		Password: cfg.Database.Redis.Password,
		DB:       cfg.Database.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at %s, rate limiting and snapshot cache degraded: %v", cfg.Database.Redis.Addr(), err)
	}
	cancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("error closing redis client: %v", err)
		}
	}()

	var docs api.DocumentStore
	var pgPool *pgxpool.Pool
	if cfg.Database.Postgres.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Database.Postgres.ConnectionString())
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		pgPool = pool
		defer pool.Close()

		store := api.NewPostgresDocumentStore(pool)
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = store.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure postgres schema: %w", err)
		}
		docs = store
		logger.Info("session persistence: postgres")
	} else {
		docs = api.NewRedisDocumentStore(redisClient, 24*time.Hour)
		logger.Info("session persistence: redis")
	}

	metrics := api.NewMetrics()

	var suggester api.Suggester
	if cfg.AI.Enabled {
		s, err := api.NewLLMSuggester(cfg.AI)
		if err != nil {
			logger.Warn("AI suggestions disabled: %v", err)
		} else {
			suggester = s
			logger.Info("AI suggestions enabled with model %s", cfg.AI.Model)
		}
	}

	limiter := api.NewRateLimiter(redisClient, map[api.ActionClass]api.RateQuota{
		api.ActionClassMutation: {Limit: cfg.WebSocket.MutationLimit, WindowSeconds: cfg.WebSocket.MutationWindowSeconds},
		api.ActionClassPresence: {Limit: cfg.WebSocket.PresenceLimit, WindowSeconds: cfg.WebSocket.PresenceWindowSeconds},
		api.ActionClassAI:       {Limit: cfg.WebSocket.AIRequestLimit, WindowSeconds: cfg.WebSocket.AIRequestWindowSeconds},
	})

	hub := api.NewConnectionHub(metrics)
	sessions := api.NewSessionStore(hub, docs, suggester, metrics, cfg.WebSocket.SessionQueueSize)
	wsServer := api.NewWebSocketServer(hub, sessions, limiter, metrics, cfg.WebSocket)
	rest := api.NewRESTHandler(sessions, redisClient, pgPool)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(JWTMiddleware(cfg))

	rest.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws/sessions/:session_id", wsServer.HandleWS)

	addr := cfg.Server.Interface + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("canvas server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
