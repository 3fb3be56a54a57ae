package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"knowledge-engine/internal/ai"
	"knowledge-engine/internal/auth"
	"knowledge-engine/internal/config"
	"knowledge-engine/internal/database"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/media"
	"knowledge-engine/internal/queue"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/middleware"
	"knowledge-engine/models"
	"knowledge-engine/routes"
	"knowledge-engine/services"
)

const serviceName = "knowledge-engine-api"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatal("Invalid config:", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer(cfg, serviceName)
	if err != nil {
		log.Fatal("Failed to initialize tracing:", err)
	}
	defer shutdownTracer()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to initialize metrics:", err)
	}

	// Connect to MongoDB
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()

	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	defer rdb.Close()

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis config:", err)
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	dbManager := database.NewTenantDBManager(mongoClient, cfg.DBName)
	repo := database.NewRepository(dbManager)

	geminiClient, err := ai.NewGeminiClient(cfg, metrics)
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer geminiClient.Close()

	tokens, err := auth.NewTokens(cfg.JWTSecret, rdb)
	if err != nil {
		log.Fatal("Failed to initialize tokens:", err)
	}

	scheduler := queue.NewScheduler(repo, queueClient)
	queryEmbedder := ai.NewCachedQueryEmbedder(geminiClient, rdb, cfg.EmbeddingModel, cfg.EmbeddingCacheTTL)

	var external services.ExternalSearcher
	if cfg.ExternalKBURL != "" {
		external = services.NewExternalKBClient(cfg, metrics)
	}
	search := services.NewHybridSearch(
		services.NewSearchEngine(repo, queryEmbedder, cfg.SearchScanWindow),
		external,
		repo,
		services.NewVisualResolver(repo, cfg.VisualCap),
		models.SearchSettings{
			Strategy:          models.SearchStrategy(cfg.DefaultStrategy),
			ExternalEnabled:   external != nil,
			ExternalWeight:    cfg.ExternalWeight,
			FallbackThreshold: cfg.FallbackThreshold,
		},
		metrics,
	)
	search.DefaultLimit = cfg.SearchDefaultLimit

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(serviceName))
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))
	router.Use(middleware.CORSMiddlewareWithOrigins(cfg.CORSOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.MaxFileSize))

	router.Static("/files", cfg.FileStorageDir)

	routes.SetupRoutes(router, routes.Deps{
		Store:       repo,
		Jobs:        scheduler,
		Search:      search,
		Maintenance: services.NewMaintenance(repo, scheduler, cfg.StuckAfter),
		Files:       media.NewStorage(cfg.FileStorageDir, cfg.PublicBaseURL),
		Auth:        middleware.NewAuthMiddleware(tokens),
		MaxFileSize: cfg.MaxFileSize,
		RateLimit:   middleware.RateLimitMiddleware(rdb, cfg.RateLimitReqs, time.Duration(cfg.RateLimitWindow)*time.Second),
		TenantDB:    database.TenantDBMiddleware(dbManager),
		Ping: func(ctx context.Context) error {
			return mongoClient.Ping(ctx, nil)
		},
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server exited")
}
