package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

// Pipeline owns the asset status transitions around a processor run. An
// asset moves pending -> processing -> completed|failed; failures are stored
// on the asset and returned to the caller for the job record.
type Pipeline struct {
	assets     store.AssetStore
	processors map[models.AssetType]Processor
	metrics    *telemetry.Metrics
}

func NewPipeline(assets store.AssetStore, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		assets:     assets,
		processors: make(map[models.AssetType]Processor),
		metrics:    metrics,
	}
}

// Register routes the given asset types to p
func (pl *Pipeline) Register(p Processor, types ...models.AssetType) {
	for _, t := range types {
		pl.processors[t] = p
	}
}

// Supports reports whether an asset type has a processor
func (pl *Pipeline) Supports(t models.AssetType) bool {
	_, ok := pl.processors[t]
	return ok
}

// Run processes one asset. The returned error is already recorded on the
// asset; it only tells the caller how the job ended.
func (pl *Pipeline) Run(ctx context.Context, tenantID, assetID string, opts models.JobOptions, progress ProgressFunc) (err error) {
	if progress == nil {
		progress = func(int) {}
	}
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID), attribute.String("asset_id", assetID))

	asset, err := pl.assets.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return fmt.Errorf("load asset: %w", err)
	}
	log := logger.With("tenant_id", tenantID, "asset_id", assetID, "type", asset.Type)

	start := time.Now()
	status := models.StatusFailed
	defer func() {
		pl.metrics.RecordJob(string(asset.Type), status, time.Since(start).Seconds())
	}()

	processor, ok := pl.processors[asset.Type]
	if !ok {
		err = fmt.Errorf("no processor for %q: %w", asset.Type, models.ErrUnsupportedType)
		pl.fail(ctx, asset, err)
		return err
	}

	if err := pl.assets.MarkProcessing(ctx, tenantID, assetID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log.Info("Processing asset", "force_reindex", opts.ForceReindex)

	completion, err := pl.safeProcess(ctx, processor, asset, opts, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("Asset processing failed", "kind", models.ErrorKind(err), "error", err)
		pl.fail(ctx, asset, err)
		return err
	}

	if err := pl.assets.CompleteAsset(context.WithoutCancel(ctx), tenantID, assetID, *completion); err != nil {
		pl.fail(ctx, asset, err)
		return fmt.Errorf("complete asset: %w", err)
	}
	status = models.StatusCompleted
	log.Info("Asset processed", "duration", time.Since(start))
	return nil
}

func (pl *Pipeline) safeProcess(ctx context.Context, p Processor, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (completion *models.AssetCompletion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	completion, err = p.Process(ctx, asset, opts, progress)
	if err == nil && completion == nil {
		err = fmt.Errorf("processor returned no result: %w", models.ErrMalformedState)
	}
	return completion, err
}

func (pl *Pipeline) fail(ctx context.Context, asset *models.SourceAsset, cause error) {
	if err := pl.assets.FailAsset(context.WithoutCancel(ctx), asset.TenantID, asset.ID, models.NewProcessingError(cause)); err != nil {
		logger.Error("Failed to record asset failure", "asset_id", asset.ID, "error", err)
	}
}
