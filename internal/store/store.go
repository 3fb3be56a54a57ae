// Package store declares the persistence contracts used by the ingestion
// pipeline, the scheduler and the search layer. internal/database implements
// them on MongoDB and internal/store/memstore in memory.
package store

import (
	"context"
	"time"

	"knowledge-engine/models"
)

// AssetFilter narrows ListAssets. Zero values match everything.
type AssetFilter struct {
	Type   models.AssetType
	Status string
	// UpdatedBefore keeps assets last touched before this instant
	UpdatedBefore time.Time
	Limit         int
}

type AssetStore interface {
	CreateAsset(ctx context.Context, asset *models.SourceAsset) error
	// GetAsset returns models.ErrNotFound when the asset does not exist
	GetAsset(ctx context.Context, tenantID, assetID string) (*models.SourceAsset, error)
	FindAssetByURL(ctx context.Context, tenantID string, assetType models.AssetType, url string) (*models.SourceAsset, error)
	// FindSlide resolves the slide rendered from page of a PDF
	FindSlide(ctx context.Context, tenantID, parentAssetID string, page int) (*models.SourceAsset, error)
	ListSlides(ctx context.Context, tenantID, parentAssetID string) ([]models.SourceAsset, error)
	ListAssets(ctx context.Context, tenantID string, filter AssetFilter) ([]models.SourceAsset, error)

	// MarkProcessing moves an asset to processing. It never moves an asset
	// back to pending; only ResetAsset does that.
	MarkProcessing(ctx context.Context, tenantID, assetID string) error
	CompleteAsset(ctx context.Context, tenantID, assetID string, completion models.AssetCompletion) error
	FailAsset(ctx context.Context, tenantID, assetID string, perr *models.ProcessingError) error
	ResetAsset(ctx context.Context, tenantID, assetID string) error
	DeleteAssets(ctx context.Context, tenantID string, assetIDs []string) error
}

type DocumentStore interface {
	// SaveDocument writes the document and all of its chunks, or nothing
	SaveDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	// DeleteDocumentsBySource removes every document produced by an asset
	// together with their chunks, returning the number of documents removed.
	DeleteDocumentsBySource(ctx context.Context, tenantID, sourceAssetID string) (int, error)
	CountDocumentsBySource(ctx context.Context, tenantID, sourceAssetID string) (int, error)
	// RecentChunks returns up to window chunks, newest first
	RecentChunks(ctx context.Context, tenantID string, window int) ([]models.Chunk, error)
}

type JobStore interface {
	// CreateJob inserts an active job. It returns models.ErrJobActive when
	// the asset already has one.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// FindActiveJob returns models.ErrNotFound when the asset has no active job
	FindActiveJob(ctx context.Context, assetID string) (*models.Job, error)
	// ClaimJob moves a pending job to processing. It fails when the job was
	// already claimed or finished.
	ClaimJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	// FinishJob records the terminal status and releases the asset
	FinishJob(ctx context.Context, jobID, status, errMsg string) error
	ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]models.Job, error)
}

type SettingsStore interface {
	// GetSearchSettings returns models.ErrNotFound when the tenant never saved any
	GetSearchSettings(ctx context.Context, tenantID string) (*models.SearchSettings, error)
	SaveSearchSettings(ctx context.Context, tenantID string, settings models.SearchSettings) error
}

// Store bundles every contract
type Store interface {
	AssetStore
	DocumentStore
	JobStore
	SettingsStore
}
