package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI       string
	DBName         string
	Port           string
	GinMode        string
	CORSOrigins    []string
	MaxFileSize    int64
	FileStorageDir string
	PublicBaseURL  string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// API tokens
	JWTSecret       string
	RateLimitReqs   int
	RateLimitWindow int

	// Gemini
	GeminiAPIKey      string
	GeminiTier        string
	EmbeddingModel    string
	VisionModel       string
	EmbeddingCacheTTL time.Duration

	// Chunking and search policy
	ChunkSize          int
	ChunkOverlap       int
	SearchScanWindow   int
	SearchDefaultLimit int
	VisualCap          int

	// Processor policy
	PDFMinTextChars    int
	PDFRenderDPI       int
	VideoFrameInterval time.Duration
	VideoMaxFrames     int
	TempDir            string

	// Crawl policy
	CrawlMaxPages int
	CrawlMaxDepth int
	CrawlDelay    time.Duration
	CrawlRenderJS bool

	// External knowledge backend
	ExternalKBURL     string
	ExternalKBAPIKey  string
	ExternalKBTimeout time.Duration
	DefaultStrategy   string
	FallbackThreshold float64
	ExternalWeight    float64

	// Worker
	WorkerConcurrency int
	StuckAfter        time.Duration
	MaintenanceCron   string

	// Telemetry
	OTelEnabled  bool
	OTelEndpoint string
	OTelSampling float64
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017/knowledge_engine"),
		DBName:         getEnv("DB_NAME", "knowledge_engine"),
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		CORSOrigins:    strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),
		MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 524288000), // 500MB, videos included
		FileStorageDir: getEnv("FILE_STORAGE_DIR", "./storage"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "/files"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiTier:        getEnv("GEMINI_TIER", "free"),
		EmbeddingModel:    getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		VisionModel:       getEnv("GEMINI_VISION_MODEL", "gemini-2.0-flash"),
		EmbeddingCacheTTL: time.Duration(getEnvInt("EMBEDDING_CACHE_TTL_SECONDS", 3600)) * time.Second,

		ChunkSize:          getEnvInt("CHUNK_SIZE", 800),
		ChunkOverlap:       getEnvInt("CHUNK_OVERLAP", 200),
		SearchScanWindow:   getEnvInt("SEARCH_SCAN_WINDOW", 200),
		SearchDefaultLimit: getEnvInt("SEARCH_DEFAULT_LIMIT", 5),
		VisualCap:          getEnvInt("VISUAL_CAP", 2),

		PDFMinTextChars:    getEnvInt("PDF_MIN_TEXT_CHARS", 50),
		PDFRenderDPI:       getEnvInt("PDF_RENDER_DPI", 144),
		VideoFrameInterval: time.Duration(getEnvInt("VIDEO_FRAME_INTERVAL_SECONDS", 10)) * time.Second,
		VideoMaxFrames:     getEnvInt("VIDEO_MAX_FRAMES", 30),
		TempDir:            getEnv("TEMP_DIR", os.TempDir()),

		CrawlMaxPages: getEnvInt("CRAWL_MAX_PAGES", 50),
		CrawlMaxDepth: getEnvInt("CRAWL_MAX_DEPTH", 3),
		CrawlDelay:    time.Duration(getEnvInt("CRAWL_DELAY_MS", 500)) * time.Millisecond,
		CrawlRenderJS: getEnvBool("CRAWL_RENDER_JS", false),

		ExternalKBURL:     getEnv("EXTERNAL_KB_URL", ""),
		ExternalKBAPIKey:  getEnv("EXTERNAL_KB_API_KEY", ""),
		ExternalKBTimeout: time.Duration(getEnvInt("EXTERNAL_KB_TIMEOUT_MS", 4000)) * time.Millisecond,
		DefaultStrategy:   getEnv("SEARCH_STRATEGY", "parallel"),
		FallbackThreshold: getEnvFloat64("FALLBACK_THRESHOLD", 0.6),
		ExternalWeight:    getEnvFloat64("EXTERNAL_WEIGHT", 0.5),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		StuckAfter:        time.Duration(getEnvInt("STUCK_AFTER_MINUTES", 60)) * time.Minute,
		MaintenanceCron:   getEnv("MAINTENANCE_CRON", "*/10 * * * *"),

		OTelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampling: getEnvFloat64("OTEL_SAMPLING_RATIO", 0.1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the policy values that the processors rely on
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.ExternalWeight < 0 || c.ExternalWeight > 1 {
		return fmt.Errorf("EXTERNAL_WEIGHT must be in [0,1], got %v", c.ExternalWeight)
	}
	if c.SearchScanWindow <= 0 || c.VisualCap <= 0 || c.SearchDefaultLimit <= 0 {
		return fmt.Errorf("SEARCH_SCAN_WINDOW, VISUAL_CAP and SEARCH_DEFAULT_LIMIT must be positive")
	}
	if c.VideoFrameInterval <= 0 || c.VideoMaxFrames <= 0 {
		return fmt.Errorf("VIDEO_FRAME_INTERVAL_SECONDS and VIDEO_MAX_FRAMES must be positive")
	}
	return nil
}

// ValidateAPI checks the settings only the HTTP server needs
func (c *Config) ValidateAPI() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is required and must be at least 32 characters - set it in .env file")
	}
	return nil
}

// ValidateWorker checks the settings only the ingestion worker needs
func (c *Config) ValidateWorker() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
