package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/ai"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/database"
	"github.com/vox-trader/agent-core/internal/exchange/binance"
	"github.com/vox-trader/agent-core/internal/handler"
	"github.com/vox-trader/agent-core/internal/logger"
	"github.com/vox-trader/agent-core/internal/middleware"
	"github.com/vox-trader/agent-core/internal/notifier"
	"github.com/vox-trader/agent-core/internal/repository"
	"github.com/vox-trader/agent-core/internal/service"
	"github.com/vox-trader/agent-core/internal/worker"
	"go.uber.org/zap"
)

// Build info (injected at build time via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	gin.SetMode(cfg.Server.Mode)
	decimal.MarshalJSONWithoutQuotes = true

	// Initialize database
	db, err := database.Open(cfg.Database, cfg.Server.Mode == gin.DebugMode)
	if err != nil {
		zlog.Fatal("failed to initialize database", zap.Error(err))
	}

	rdb := initRedis(cfg, zlog)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Market data
	rest := binance.NewRESTClient(cfg.Market.RESTBaseURL, cfg.Market.HTTPTimeout(), cfg.Market.RequestsPerS)
	stream := binance.NewStream(cfg.Market.WSBaseURL, zlog)
	market := service.NewMarketService(rest, stream, rdb, cfg.Market.PriceTTL(), cfg.Market.StreamBacklog, zlog)
	if err := market.Start(ctx); err != nil {
		zlog.Warn("live candle stream unavailable, serving REST only", zap.Error(err))
	}

	// Initialize services
	ledger := service.NewLedgerService(db, market, cfg.Demo, cfg.Market.QuoteAsset, zlog)
	trading := service.NewTradingService(ledger, market, cfg.Demo, zlog)
	authService := service.NewAuthService(repository.NewUserRepository(db), cfg.JWT)
	engine := ai.NewEngine(cfg.AI, zlog)
	notify := notifier.New(cfg.Telegram, zlog)
	jobs := repository.NewAgentRepository(db)

	scheduler := worker.NewAgentScheduler(jobs, engine, market, ledger, trading, notify, cfg.Agent, zlog)
	if n, err := scheduler.Resume(ctx); err != nil {
		zlog.Error("failed to resume agents", zap.Error(err))
	} else if n > 0 {
		zlog.Info("agents resumed", zap.Int("count", n))
	}
	status := service.NewStatusService(scheduler, ledger, zlog)

	equity := worker.NewEquityWorker(ledger, time.Duration(cfg.Agent.EquityIntervalSec)*time.Second, zlog)
	go equity.Start(ctx)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(db, market, handler.BuildInfo{Version: Version, Commit: Commit, BuildTime: BuildTime})
	authHandler := handler.NewAuthHandler(authService)
	marketHandler := handler.NewMarketHandler(market, zlog)
	demoHandler := handler.NewDemoHandler(ledger, trading)
	agentHandler := handler.NewAgentHandler(scheduler, status, engine, market, ledger, jobs, zlog)

	router := gin.New()
	router.Use(middleware.Recovery(zlog))
	router.Use(middleware.RequestLogger(zlog))
	router.Use(corsMiddleware())

	healthHandler.RegisterRoutes(router)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		authMiddleware := middleware.AuthMiddleware(authService)

		// Auth and market routes (public)
		authHandler.RegisterRoutes(v1)
		marketHandler.RegisterRoutes(v1)

		// Demo account and agent routes (protected)
		demoHandler.RegisterRoutes(v1, authMiddleware)
		agentHandler.RegisterRoutes(v1, authMiddleware)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("starting server", zap.String("addr", addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}

	// running agents keep their persisted state and resume on the next start
	scheduler.Shutdown(shutdownCtx)
	equity.Stop()
	market.Stop()
	notify.Close()
	stop()

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			zlog.Warn("error closing redis connection", zap.Error(err))
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	zlog.Info("server exited properly")
}

// initRedis returns nil when redis is disabled or unreachable; every consumer is nil-safe
func initRedis(cfg *config.Config, zlog *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Warn("redis unreachable, continuing without it", zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
