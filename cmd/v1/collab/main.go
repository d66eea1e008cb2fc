package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/pairpad/pairpad/backend/go/internal/v1/auth"
	"github.com/pairpad/pairpad/backend/go/internal/v1/chat"
	"github.com/pairpad/pairpad/backend/go/internal/v1/config"
	"github.com/pairpad/pairpad/backend/go/internal/v1/health"
	"github.com/pairpad/pairpad/backend/go/internal/v1/logging"
	"github.com/pairpad/pairpad/backend/go/internal/v1/middleware"
	"github.com/pairpad/pairpad/backend/go/internal/v1/ratelimit"
	"github.com/pairpad/pairpad/backend/go/internal/v1/store"
	"github.com/pairpad/pairpad/backend/go/internal/v1/tracing"
	"github.com/pairpad/pairpad/backend/go/internal/v1/transport"
	"github.com/pairpad/pairpad/backend/go/internal/v1/types"
)

const serviceName = "collab-backend"

func main() {
	// Load .env for local development. Several paths to handle different
	// ways of running the binary.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	logging.Info(ctx, "Starting collaboration backend", zap.Any("config", cfg.Redacted()))

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// --- Token validator ---
	var validator types.TokenValidator
	switch {
	case cfg.SkipAuth:
		logging.Warn(ctx, "Authentication DISABLED for development, do not use in production")
		validator = &auth.MockValidator{}
	case cfg.AuthDomain != "":
		v, err := auth.NewJWKSValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create JWKS validator", zap.Error(err))
		}
		logging.Info(ctx, "JWKS validator initialized", zap.String("domain", cfg.AuthDomain))
		validator = v
	default:
		v, err := auth.NewSecretValidator(cfg.JWTSecret)
		if err != nil {
			logging.Fatal(ctx, "Failed to create secret validator", zap.Error(err))
		}
		validator = v
	}

	// --- Persistence ---
	var adapter store.Adapter
	if cfg.DatabaseURL == "" {
		logging.Warn(ctx, "No DATABASE_URL, documents are held in memory and lost on restart")
		adapter = store.NewMemory()
	} else {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal(ctx, "Failed to connect to Postgres", zap.Error(err))
		}
		adapter = pg
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		cached, err := store.NewCached(ctx, adapter, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running without snapshot cache", zap.Error(err))
		} else {
			adapter = cached
			redisClient = cached.Client()
			logging.Info(ctx, "Redis snapshot cache initialized", zap.String("addr", cfg.RedisAddr))
		}
	}

	// --- Rate limiting and chat ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}
	chatSvc := chat.NewService(chat.RoomConfig{HistorySize: cfg.ChatHistorySize}, rateLimiter.Store(), cfg.GracePeriod)

	hub := transport.NewHub(cfg, validator, adapter, chatSvc, rateLimiter)

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg)
	router.Use(cors.New(corsConfig))

	router.GET("/ws/:docId", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(adapter, hub)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Drain sessions first so every pending op and snapshot reaches the
	// store before connections and the adapter go away.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Hub shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}
	if err := adapter.Close(); err != nil {
		logging.Error(shutdownCtx, "Failed to close store", zap.Error(err))
	}

	logging.Info(ctx, "Server exited")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.AllowedOrigins == "" {
		return []string{"http://localhost:3000"}
	}
	var out []string
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
