package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/task-api/api/swagger"
	"github.com/noah-isme/task-api/internal/handler"
	"github.com/noah-isme/task-api/internal/middleware"
	"github.com/noah-isme/task-api/internal/models"
	"github.com/noah-isme/task-api/internal/repository"
	"github.com/noah-isme/task-api/internal/service"
	"github.com/noah-isme/task-api/pkg/cache"
	"github.com/noah-isme/task-api/pkg/config"
	"github.com/noah-isme/task-api/pkg/database"
	"github.com/noah-isme/task-api/pkg/jobs"
	"github.com/noah-isme/task-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/task-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/task-api/pkg/middleware/requestid"
)

// @title Task API
// @version 1.0.0
// @description Task management backend with JWT token lifecycle, per-client rate limiting and account lockout
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	cacheEnabled := cfg.Cache.Enabled
	if err != nil {
		logr.Warn("redis unavailable, task read cache disabled", zap.Error(err))
		redisClient = nil
		cacheEnabled = false
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, cacheEnabled)

	tokenSvc := service.NewTokenService(service.TokenConfig{
		Secret:        cfg.JWT.Secret,
		AccessExpiry:  cfg.JWT.Expiration,
		RefreshExpiry: cfg.JWT.RefreshExpiration,
		Issuer:        "task-api",
	})
	ledger := service.NewRefreshTokenService(tokenRepo, cfg.JWT.RefreshExpiration, logr)
	blacklist := service.NewBlacklistService(tokenRepo, tokenSvc, metrics, logr)
	authSvc := service.NewAuthService(userRepo, ledger, blacklist, tokenSvc, service.LockoutConfig{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
	}, validate, metrics, logr)
	limiter := service.NewRateLimitService(service.RateLimitConfig{
		AuthPerMinute:  cfg.RateLimit.AuthPerMinute,
		APIPerMinute:   cfg.RateLimit.APIPerMinute,
		AdminPerMinute: cfg.RateLimit.AdminPerMinute,
		IdleBucketTTL:  cfg.RateLimit.IdleBucketTTL,
	}, metrics, logr)
	taskSvc := service.NewTaskService(taskRepo, cacheSvc, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	taskHandler := handler.NewTaskHandler(taskSvc)
	limiterHandler := handler.NewRateLimitHandler(limiter)
	metricsHandler := handler.NewMetricsHandler(metrics)

	sweeps := startSweeps(ctx, cfg.Sweep, ledger, blacklist, limiter, logr)
	defer sweeps.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.Authenticate(authSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", readiness(db))
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.Use(middleware.RateLimit(limiter, service.RateCategoryAuth))
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", authHandler.Logout)
	auth.POST("/register", authHandler.Register)
	auth.PUT("/password", middleware.RequireAuth(), authHandler.ChangePassword)
	auth.GET("/me", middleware.RequireAuth(), authHandler.Me)

	tasks := api.Group("/tasks")
	tasks.Use(middleware.RateLimit(limiter, service.RateCategoryAPI))
	tasks.Use(middleware.RequireAuth())
	tasks.Use(middleware.Audit(userRepo, models.AuditActionTaskWrite, "tasks"))
	tasks.POST("", taskHandler.Create)
	tasks.GET("", taskHandler.List)
	tasks.GET("/:id", taskHandler.Get)
	tasks.PUT("/:id", taskHandler.Update)
	tasks.DELETE("/:id", taskHandler.Delete)

	admin := api.Group("/admin")
	admin.Use(middleware.RateLimit(limiter, service.RateCategoryAdmin))
	admin.Use(middleware.RequireAuth())
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	admin.GET("/ratelimit", limiterHandler.Stats)
	admin.DELETE("/ratelimit/:client", middleware.Audit(userRepo, models.AuditActionLimiterReset, "ratelimit"), limiterHandler.Reset)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logr.Info("server stopped")
}

// readiness reports ready only when the database answers a ping.
func readiness(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

const (
	sweepJobRefreshTokens = "sweep:refresh-tokens"
	sweepJobBlacklist     = "sweep:blacklist"
	sweepJobRateBuckets   = "sweep:rate-buckets"
)

// startSweeps runs the periodic expiry maintenance through a background job
// queue: tickers only enqueue, workers do the deleting.
func startSweeps(ctx context.Context, cfg config.SweepConfig, ledger *service.RefreshTokenService, blacklist *service.BlacklistService, limiter *service.RateLimitService, logr *zap.Logger) *jobs.Queue {
	queue := jobs.NewQueue("maintenance", func(ctx context.Context, job jobs.Job) error {
		now := time.Now().UTC()
		switch job.Type {
		case sweepJobRefreshTokens:
			return ledger.SweepExpired(ctx, now)
		case sweepJobBlacklist:
			return blacklist.SweepExpired(ctx, now)
		case sweepJobRateBuckets:
			limiter.SweepIdle(now)
			return nil
		default:
			return fmt.Errorf("unknown maintenance job %q", job.Type)
		}
	}, jobs.QueueConfig{Workers: 1, Logger: logr})
	queue.Start(ctx)

	schedule := func(interval time.Duration, jobType string) {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: jobType}); err != nil {
						logr.Warn("failed to enqueue maintenance job", zap.String("type", jobType), zap.Error(err))
					}
				}
			}
		}()
	}

	schedule(cfg.RefreshTokenInterval, sweepJobRefreshTokens)
	schedule(cfg.BlacklistInterval, sweepJobBlacklist)
	schedule(cfg.RateBucketInterval, sweepJobRateBuckets)

	return queue
}
