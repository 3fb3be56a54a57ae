package services

import (
	"context"

	"knowledge-engine/internal/crawler"
	"knowledge-engine/models"
)

// Embedder turns chunk texts into vectors in one batch call
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a single search query
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Captioner describes an image with a vision model
type Captioner interface {
	Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// Transcriber turns an audio file into time-coded text
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*models.Transcript, error)
}

// PageRenderer rasterizes one PDF page and returns the image path
type PageRenderer interface {
	RenderPage(ctx context.Context, pdfPath string, page int, outDir string) (string, error)
}

// PDFSource is an opened PDF. Pages are 1-based.
type PDFSource interface {
	NumPages() int
	PageText(n int) (string, error)
	PageHasImages(n int) (bool, error)
	FullText() string
	Close() error
}

// VideoTool probes videos and cuts audio and frames out of them
type VideoTool interface {
	Duration(ctx context.Context, videoPath string) (float64, error)
	ExtractAudio(ctx context.Context, videoPath, outPath string) error
	ExtractFrame(ctx context.Context, videoPath string, at float64, outPath string) error
}

// MediaStorage resolves asset URLs to bytes or local files and stores derived media
type MediaStorage interface {
	SaveFile(tenantID, name, srcPath string) (string, error)
	Localize(ctx context.Context, url, tmpDir string) (string, func(), error)
	Read(ctx context.Context, url string) ([]byte, string, error)
}

// CrawlFunc runs a website crawl
type CrawlFunc func(ctx context.Context, cfg crawler.CrawlConfig) (*crawler.CrawlResult, error)

// ProgressFunc receives job progress in percent
type ProgressFunc func(percent int)

// Processor normalizes one asset into documents and derived assets. The
// returned completion is written to the asset by the pipeline.
type Processor interface {
	Process(ctx context.Context, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (*models.AssetCompletion, error)
}
