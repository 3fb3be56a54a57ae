package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/models"
)

const (
	colAssets    = "assets"
	colDocuments = "documents"
	colChunks    = "chunks"
	colSettings  = "settings"
	colJobs      = "jobs"

	searchSettingsID = "search"
)

// Repository implements store.Store on MongoDB. Tenant data lives in
// tenant_<id> databases; jobs live in the shared database.
type Repository struct {
	dbm *TenantDBManager
}

var _ store.Store = (*Repository)(nil)

func NewRepository(dbm *TenantDBManager) *Repository {
	return &Repository{dbm: dbm}
}

func (r *Repository) col(tenantID, name string) (*mongo.Collection, error) {
	db, err := r.dbm.GetTenantDB(tenantID)
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %v", what, err)
}

func (r *Repository) CreateAsset(ctx context.Context, asset *models.SourceAsset) error {
	col, err := r.col(asset.TenantID, colAssets)
	if err != nil {
		return err
	}

	if asset.Type == models.AssetTypeSlide {
		parent, err := r.GetAsset(ctx, asset.TenantID, asset.ParentAssetID)
		if err != nil || parent.Type != models.AssetTypePDF || asset.PageNumber < 1 {
			return fmt.Errorf("slide %s needs a pdf parent and page: %w", asset.ID, models.ErrMalformedState)
		}
	}

	now := time.Now()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	if asset.ProcessingStatus == "" {
		asset.ProcessingStatus = models.StatusPending
	}

	if _, err := col.InsertOne(ctx, asset); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("asset %s: %w", asset.ID, models.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert asset: %v", err)
	}
	return nil
}

func (r *Repository) findOneAsset(ctx context.Context, tenantID string, filter bson.M, what string) (*models.SourceAsset, error) {
	col, err := r.col(tenantID, colAssets)
	if err != nil {
		return nil, err
	}
	var asset models.SourceAsset
	if err := col.FindOne(ctx, filter).Decode(&asset); err != nil {
		return nil, notFound(err, what)
	}
	return &asset, nil
}

func (r *Repository) GetAsset(ctx context.Context, tenantID, assetID string) (*models.SourceAsset, error) {
	return r.findOneAsset(ctx, tenantID, bson.M{"_id": assetID}, "asset "+assetID)
}

func (r *Repository) FindAssetByURL(ctx context.Context, tenantID string, assetType models.AssetType, url string) (*models.SourceAsset, error) {
	return r.findOneAsset(ctx, tenantID, bson.M{"type": assetType, "url": url}, "asset with url "+url)
}

func (r *Repository) FindSlide(ctx context.Context, tenantID, parentAssetID string, page int) (*models.SourceAsset, error) {
	return r.findOneAsset(ctx, tenantID, bson.M{
		"type":            models.AssetTypeSlide,
		"parent_asset_id": parentAssetID,
		"page_number":     page,
	}, fmt.Sprintf("slide %s#%d", parentAssetID, page))
}

func (r *Repository) findAssets(ctx context.Context, tenantID string, filter bson.M, opts *options.FindOptions) ([]models.SourceAsset, error) {
	col, err := r.col(tenantID, colAssets)
	if err != nil {
		return nil, err
	}
	cursor, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %v", err)
	}
	defer cursor.Close(ctx)

	var assets []models.SourceAsset
	if err := cursor.All(ctx, &assets); err != nil {
		return nil, fmt.Errorf("failed to decode assets: %v", err)
	}
	return assets, nil
}

func (r *Repository) ListSlides(ctx context.Context, tenantID, parentAssetID string) ([]models.SourceAsset, error) {
	filter := bson.M{"type": models.AssetTypeSlide}
	if parentAssetID != "" {
		filter["parent_asset_id"] = parentAssetID
	}
	return r.findAssets(ctx, tenantID, filter,
		options.Find().SetSort(bson.D{{Key: "parent_asset_id", Value: 1}, {Key: "page_number", Value: 1}}))
}

func (r *Repository) ListAssets(ctx context.Context, tenantID string, filter store.AssetFilter) ([]models.SourceAsset, error) {
	q := bson.M{}
	if filter.Type != "" {
		q["type"] = filter.Type
	}
	if filter.Status != "" {
		q["processing_status"] = filter.Status
	}
	if !filter.UpdatedBefore.IsZero() {
		q["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return r.findAssets(ctx, tenantID, q, opts)
}

func (r *Repository) updateAsset(ctx context.Context, tenantID, assetID string, update bson.M) error {
	col, err := r.col(tenantID, colAssets)
	if err != nil {
		return err
	}
	res, err := col.UpdateOne(ctx, bson.M{"_id": assetID}, update)
	if err != nil {
		return fmt.Errorf("failed to update asset %s: %v", assetID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("asset %s: %w", assetID, models.ErrNotFound)
	}
	return nil
}

func (r *Repository) MarkProcessing(ctx context.Context, tenantID, assetID string) error {
	return r.updateAsset(ctx, tenantID, assetID, bson.M{"$set": bson.M{
		"processing_status": models.StatusProcessing,
		"updated_at":        time.Now(),
	}})
}

func (r *Repository) CompleteAsset(ctx context.Context, tenantID, assetID string, c models.AssetCompletion) error {
	now := time.Now()
	return r.updateAsset(ctx, tenantID, assetID, bson.M{"$set": bson.M{
		"processing_status": models.StatusCompleted,
		"extracted_text":    c.ExtractedText,
		"transcript":        c.Transcript,
		"frame_analysis":    c.FrameAnalysis,
		"metadata":          c.Metadata,
		"processed_at":      now,
		"updated_at":        now,
	}})
}

func (r *Repository) FailAsset(ctx context.Context, tenantID, assetID string, perr *models.ProcessingError) error {
	now := time.Now()
	return r.updateAsset(ctx, tenantID, assetID, bson.M{"$set": bson.M{
		"processing_status": models.StatusFailed,
		"metadata.error":    perr,
		"processed_at":      now,
		"updated_at":        now,
	}})
}

func (r *Repository) ResetAsset(ctx context.Context, tenantID, assetID string) error {
	return r.updateAsset(ctx, tenantID, assetID, bson.M{
		"$set":   bson.M{"processing_status": models.StatusPending, "updated_at": time.Now()},
		"$unset": bson.M{"metadata.error": ""},
	})
}

func (r *Repository) DeleteAssets(ctx context.Context, tenantID string, assetIDs []string) error {
	if len(assetIDs) == 0 {
		return nil
	}
	col, err := r.col(tenantID, colAssets)
	if err != nil {
		return err
	}
	_, err = col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": assetIDs}})
	return err
}

// SaveDocument inserts the document and then its chunks. If the chunk insert
// fails both are removed again so readers never see a document without its
// chunks for longer than the write takes.
func (r *Repository) SaveDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	docs, err := r.col(doc.TenantID, colDocuments)
	if err != nil {
		return err
	}
	chunkCol, err := r.col(doc.TenantID, colChunks)
	if err != nil {
		return err
	}

	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.ChunkCount = len(chunks)
	if _, err := docs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert document: %v", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	rows := make([]interface{}, len(chunks))
	for i := range chunks {
		rows[i] = chunks[i]
	}
	if _, err := chunkCol.InsertMany(ctx, rows, options.InsertMany().SetOrdered(true)); err != nil {
		// compensate on a fresh context; ctx may be the reason we failed
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, derr := chunkCol.DeleteMany(cleanupCtx, bson.M{"document_id": doc.ID}); derr != nil {
			logger.Error("Failed to roll back chunks", "document_id", doc.ID, "error", derr)
		}
		if _, derr := docs.DeleteOne(cleanupCtx, bson.M{"_id": doc.ID}); derr != nil {
			logger.Error("Failed to roll back document", "document_id", doc.ID, "error", derr)
		}
		return fmt.Errorf("failed to insert chunks: %v", err)
	}
	return nil
}

func (r *Repository) DeleteDocumentsBySource(ctx context.Context, tenantID, sourceAssetID string) (int, error) {
	docs, err := r.col(tenantID, colDocuments)
	if err != nil {
		return 0, err
	}
	chunkCol, err := r.col(tenantID, colChunks)
	if err != nil {
		return 0, err
	}

	cursor, err := docs.Find(ctx, bson.M{"source_asset_id": sourceAssetID}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, err
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	// chunks first so a crash never strands chunks without a document
	if _, err := chunkCol.DeleteMany(ctx, bson.M{"document_id": bson.M{"$in": ids}}); err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %v", err)
	}
	res, err := docs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %v", err)
	}
	return int(res.DeletedCount), nil
}

func (r *Repository) CountDocumentsBySource(ctx context.Context, tenantID, sourceAssetID string) (int, error) {
	docs, err := r.col(tenantID, colDocuments)
	if err != nil {
		return 0, err
	}
	n, err := docs.CountDocuments(ctx, bson.M{"source_asset_id": sourceAssetID})
	return int(n), err
}

func (r *Repository) RecentChunks(ctx context.Context, tenantID string, window int) ([]models.Chunk, error) {
	col, err := r.col(tenantID, colChunks)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if window > 0 {
		opts.SetLimit(int64(window))
	}
	cursor, err := col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %v", err)
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode chunks: %v", err)
	}
	return chunks, nil
}

func (r *Repository) jobs() *mongo.Collection {
	return r.dbm.Shared().Collection(colJobs)
}

func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	job.Active = true

	if _, err := r.jobs().InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("asset %s: %w", job.AssetID, models.ErrJobActive)
		}
		return fmt.Errorf("failed to insert job: %v", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := r.jobs().FindOne(ctx, bson.M{"_id": jobID}).Decode(&job); err != nil {
		return nil, notFound(err, "job "+jobID)
	}
	return &job, nil
}

func (r *Repository) FindActiveJob(ctx context.Context, assetID string) (*models.Job, error) {
	var job models.Job
	if err := r.jobs().FindOne(ctx, bson.M{"asset_id": assetID, "active": true}).Decode(&job); err != nil {
		return nil, notFound(err, "active job for asset "+assetID)
	}
	return &job, nil
}

func (r *Repository) ClaimJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	err := r.jobs().FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "active": true, "status": models.StatusPending},
		bson.M{"$set": bson.M{"status": models.StatusProcessing, "started_at": time.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		existing, gerr := r.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("job %s is %s: %w", jobID, existing.Status, models.ErrJobActive)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %v", err)
	}
	return &job, nil
}

func (r *Repository) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	_, err := r.jobs().UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": bson.M{"progress": progress}})
	return err
}

func (r *Repository) FinishJob(ctx context.Context, jobID, status, errMsg string) error {
	set := bson.M{
		"status":      status,
		"error":       errMsg,
		"active":      false,
		"finished_at": time.Now(),
	}
	if status == models.StatusCompleted {
		set["progress"] = 100
	}
	res, err := r.jobs().UpdateOne(ctx, bson.M{"_id": jobID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to finish job: %v", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return nil
}

func (r *Repository) ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]models.Job, error) {
	cursor, err := r.jobs().Find(ctx, bson.M{
		"active":     true,
		"status":     models.StatusProcessing,
		"started_at": bson.M{"$lt": startedBefore},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []models.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *Repository) GetSearchSettings(ctx context.Context, tenantID string) (*models.SearchSettings, error) {
	col, err := r.col(tenantID, colSettings)
	if err != nil {
		return nil, err
	}
	var settings models.SearchSettings
	if err := col.FindOne(ctx, bson.M{"_id": searchSettingsID}).Decode(&settings); err != nil {
		return nil, notFound(err, "search settings")
	}
	return &settings, nil
}

func (r *Repository) SaveSearchSettings(ctx context.Context, tenantID string, settings models.SearchSettings) error {
	col, err := r.col(tenantID, colSettings)
	if err != nil {
		return err
	}
	_, err = col.UpdateOne(ctx,
		bson.M{"_id": searchSettingsID},
		bson.M{"$set": settings},
		options.Update().SetUpsert(true),
	)
	return err
}
