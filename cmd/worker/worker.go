package main

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"knowledge-engine/internal/ai"
	"knowledge-engine/internal/config"
	"knowledge-engine/internal/database"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/media"
	"knowledge-engine/internal/queue"
	"knowledge-engine/internal/scheduler"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
	"knowledge-engine/services"
)

const (
	serviceName = "knowledge-engine-worker"

	// orphan report runs once a night; reconciliation itself stays manual
	orphanReportCron = "0 3 * * *"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
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

	dbManager := database.NewTenantDBManager(mongoClient, cfg.DBName)
	repo := database.NewRepository(dbManager)

	// Initialize Gemini client
	geminiClient, err := ai.NewGeminiClient(cfg, metrics)
	if err != nil {
		log.Fatal("Failed to initialize Gemini client:", err)
	}
	defer geminiClient.Close()

	// Redis options for Asynq
	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		log.Fatal("Invalid Redis config:", err)
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	jobs := queue.NewScheduler(repo, queueClient)
	pipeline := buildPipeline(cfg, repo, geminiClient, jobs, metrics)
	handler := queue.NewHandler(repo, pipeline)

	maintenance := services.NewMaintenance(repo, jobs, cfg.StuckAfter)
	cron := scheduler.New()
	if err := scheduleMaintenance(cron, cfg, maintenance, dbManager); err != nil {
		log.Fatal("Failed to schedule maintenance:", err)
	}
	cron.Start()
	defer cron.Stop()

	// Create Asynq server
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				queue.QueueDefault: 6,
				queue.QueueHeavy:   4,
			},
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	// Create mux and register handlers
	mux := asynq.NewServeMux()
	handler.Register(mux)

	logger.Info("Starting worker",
		"concurrency", cfg.WorkerConcurrency,
		"queues", []string{queue.QueueDefault, queue.QueueHeavy},
		"maintenance_cron", cfg.MaintenanceCron,
		"scheduled", cron.Tags())

	// Run blocks until SIGINT or SIGTERM
	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}

// buildPipeline wires every source processor to the Gemini client, the local
// media tools and file storage
func buildPipeline(cfg *config.Config, repo *database.Repository, gemini *ai.GeminiClient, images services.Enqueuer, metrics *telemetry.Metrics) *services.Pipeline {
	storage := media.NewStorage(cfg.FileStorageDir, cfg.PublicBaseURL)
	ingestor := services.NewIngestor(gemini, repo, cfg.ChunkSize, cfg.ChunkOverlap)

	renderer := media.NewPopplerRenderer(cfg.PDFRenderDPI)
	if !renderer.Available() {
		logger.Warn("pdftoppm not found, PDF pages will not be rendered to slides")
	}
	ffmpeg := media.NewFFmpeg()
	if !ffmpeg.Available() {
		logger.Warn("ffmpeg or ffprobe not found, video processing will fail")
	}

	pdf := services.NewPDFProcessor(repo, ingestor, gemini, renderer, storage, metrics)
	pdf.MinTextChars = cfg.PDFMinTextChars
	pdf.TempDir = cfg.TempDir

	video := services.NewVideoProcessor(repo, ingestor, gemini, gemini, ffmpeg, storage, metrics)
	video.FrameInterval = cfg.VideoFrameInterval
	video.MaxFrames = cfg.VideoMaxFrames
	video.TempDir = cfg.TempDir

	image := services.NewImageProcessor(repo, ingestor, gemini, storage, metrics)

	website := services.NewWebsiteProcessor(repo, ingestor, nil, services.CrawlDefaults{
		MaxPages: cfg.CrawlMaxPages,
		MaxDepth: cfg.CrawlMaxDepth,
		Delay:    cfg.CrawlDelay,
		RenderJS: cfg.CrawlRenderJS,
	}, metrics)
	website.Images = images

	pipeline := services.NewPipeline(repo, metrics)
	pipeline.Register(pdf, models.AssetTypePDF)
	pipeline.Register(video, models.AssetTypeVideo)
	pipeline.Register(image, models.AssetTypeImage, models.AssetTypeChart, models.AssetTypeSlide, models.AssetTypeGIF)
	pipeline.Register(website, models.AssetTypeWebsite)
	return pipeline
}

func scheduleMaintenance(cron *scheduler.Scheduler, cfg *config.Config, m *services.Maintenance, dbManager *database.TenantDBManager) error {
	err := cron.ScheduleCron("sweep-stuck", cfg.MaintenanceCron, func(ctx context.Context) error {
		swept, err := m.SweepStuck(ctx)
		if swept > 0 {
			logger.Warn("Stuck jobs failed", "count", swept)
		}
		if err != nil {
			return err
		}

		tenants, err := dbManager.ListTenants(ctx)
		if err != nil {
			return err
		}
		for _, tenantID := range tenants {
			n, err := m.SweepStuckAssets(ctx, tenantID)
			if err != nil {
				logger.Error("Stuck asset sweep failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if n > 0 {
				logger.Warn("Stuck assets failed", "tenant_id", tenantID, "count", n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return cron.ScheduleCron("orphan-report", orphanReportCron, func(ctx context.Context) error {
		tenants, err := dbManager.ListTenants(ctx)
		if err != nil {
			return err
		}
		for _, tenantID := range tenants {
			report, err := m.ReconcileOrphans(ctx, tenantID, false)
			if err != nil {
				logger.Error("Orphan check failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if len(report.OrphanSlides) > 0 || len(report.DanglingRefs) > 0 {
				logger.Warn("Orphaned derived assets found",
					"tenant_id", tenantID,
					"orphan_slides", len(report.OrphanSlides),
					"pdfs_with_dangling_refs", len(report.DanglingRefs))
			}
		}
		return nil
	})
}
