package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/models"
)

// Enqueuer schedules a processing job for an asset
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, assetID string, assetType models.AssetType, opts models.JobOptions) (string, error)
}

// Processable reports whether an asset type can be queued for processing
func Processable(t models.AssetType) bool {
	switch t {
	case models.AssetTypePDF, models.AssetTypeVideo, models.AssetTypeWebsite:
		return true
	}
	return t.Captionable()
}

// Maintenance holds the operator-driven recovery operations
type Maintenance struct {
	store      store.Store
	enqueuer   Enqueuer
	StuckAfter time.Duration
}

func NewMaintenance(st store.Store, enqueuer Enqueuer, stuckAfter time.Duration) *Maintenance {
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	return &Maintenance{store: st, enqueuer: enqueuer, StuckAfter: stuckAfter}
}

// Reset moves an asset back to pending and requeues it. An asset marked
// processing is only reset once it has no active job and has not been
// touched for StuckAfter.
func (m *Maintenance) Reset(ctx context.Context, tenantID, assetID string, opts models.JobOptions) (string, error) {
	asset, err := m.store.GetAsset(ctx, tenantID, assetID)
	if err != nil {
		return "", err
	}
	if asset.ProcessingStatus == models.StatusProcessing {
		if err := m.checkAbandoned(ctx, asset); err != nil {
			return "", err
		}
	}
	if err := m.store.ResetAsset(ctx, tenantID, assetID); err != nil {
		return "", err
	}
	logger.Info("Asset reset to pending", "tenant_id", tenantID, "asset_id", assetID)

	if !Processable(asset.Type) {
		return "", nil
	}
	return m.enqueuer.Enqueue(ctx, tenantID, assetID, asset.Type, opts)
}

// EnqueueReport summarizes a batch enqueue
type EnqueueReport struct {
	JobIDs  []string `json:"job_ids"`
	Skipped []string `json:"skipped"`
}

// EnqueuePending queues every pending or failed asset of the given type.
// Failed assets are reset first. Assets with an active job are skipped.
func (m *Maintenance) EnqueuePending(ctx context.Context, tenantID string, assetType models.AssetType, opts models.JobOptions) (*EnqueueReport, error) {
	if !Processable(assetType) {
		return nil, fmt.Errorf("type %q: %w", assetType, models.ErrUnsupportedType)
	}

	report := &EnqueueReport{JobIDs: []string{}, Skipped: []string{}}
	for _, status := range []string{models.StatusPending, models.StatusFailed} {
		assets, err := m.store.ListAssets(ctx, tenantID, store.AssetFilter{Type: assetType, Status: status})
		if err != nil {
			return nil, err
		}
		for _, a := range assets {
			if status == models.StatusFailed {
				if err := m.store.ResetAsset(ctx, tenantID, a.ID); err != nil {
					return nil, err
				}
			}
			jobID, err := m.enqueuer.Enqueue(ctx, tenantID, a.ID, a.Type, opts)
			switch {
			case errors.Is(err, models.ErrJobActive):
				report.Skipped = append(report.Skipped, a.ID)
			case err != nil:
				return report, fmt.Errorf("enqueue %s: %w", a.ID, err)
			default:
				report.JobIDs = append(report.JobIDs, jobID)
			}
		}
	}
	logger.Info("Pending assets enqueued", "tenant_id", tenantID, "type", assetType,
		"jobs", len(report.JobIDs), "skipped", len(report.Skipped))
	return report, nil
}

// ReconcileReport lists derived-asset inconsistencies
type ReconcileReport struct {
	// OrphanSlides are slides whose parent is missing or is not a PDF
	OrphanSlides []string `json:"orphan_slides"`
	// DanglingRefs maps a PDF to slide ids it lists that no longer exist
	DanglingRefs map[string][]string `json:"dangling_refs"`
	Applied      bool                `json:"applied"`
}

// ReconcileOrphans finds slides without a live parent and PDFs that list
// deleted slides. With apply set, orphan slides are deleted and the PDF
// slide lists are rewritten.
func (m *Maintenance) ReconcileOrphans(ctx context.Context, tenantID string, apply bool) (*ReconcileReport, error) {
	report := &ReconcileReport{OrphanSlides: []string{}, DanglingRefs: map[string][]string{}}

	slides, err := m.store.ListSlides(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(slides))
	for _, s := range slides {
		parent, err := m.store.GetAsset(ctx, tenantID, s.ParentAssetID)
		switch {
		case errors.Is(err, models.ErrNotFound), err == nil && parent.Type != models.AssetTypePDF:
			report.OrphanSlides = append(report.OrphanSlides, s.ID)
		case err != nil:
			return nil, err
		default:
			live[s.ID] = true
		}
	}

	pdfs, err := m.store.ListAssets(ctx, tenantID, store.AssetFilter{Type: models.AssetTypePDF})
	if err != nil {
		return nil, err
	}
	for _, p := range pdfs {
		if p.Metadata.PDF == nil {
			continue
		}
		for _, id := range p.Metadata.PDF.SlideAssetIDs {
			if !live[id] {
				report.DanglingRefs[p.ID] = append(report.DanglingRefs[p.ID], id)
			}
		}
	}

	if !apply {
		return report, nil
	}

	if err := m.store.DeleteAssets(ctx, tenantID, report.OrphanSlides); err != nil {
		return nil, err
	}
	for _, p := range pdfs {
		dangling := report.DanglingRefs[p.ID]
		if len(dangling) == 0 || p.ProcessingStatus != models.StatusCompleted {
			continue
		}
		meta := p.Metadata
		pdfMeta := *meta.PDF
		pdfMeta.SlideAssetIDs = make([]string, 0, len(p.Metadata.PDF.SlideAssetIDs))
		for _, id := range p.Metadata.PDF.SlideAssetIDs {
			if live[id] {
				pdfMeta.SlideAssetIDs = append(pdfMeta.SlideAssetIDs, id)
			}
		}
		meta.PDF = &pdfMeta
		if err := m.store.CompleteAsset(ctx, tenantID, p.ID, models.AssetCompletion{
			ExtractedText: p.ExtractedText,
			Transcript:    p.Transcript,
			FrameAnalysis: p.FrameAnalysis,
			Metadata:      meta,
		}); err != nil {
			return nil, err
		}
	}
	report.Applied = true
	logger.Info("Orphans reconciled", "tenant_id", tenantID,
		"orphan_slides", len(report.OrphanSlides), "pdfs_fixed", len(report.DanglingRefs))
	return report, nil
}

// checkAbandoned returns ErrJobActive unless a processing asset was left
// behind by a job that no longer runs
func (m *Maintenance) checkAbandoned(ctx context.Context, asset *models.SourceAsset) error {
	job, err := m.store.FindActiveJob(ctx, asset.ID)
	switch {
	case err == nil:
		return fmt.Errorf("asset %s is processing in job %s: %w", asset.ID, job.ID, models.ErrJobActive)
	case !errors.Is(err, models.ErrNotFound):
		return err
	}
	if time.Since(asset.UpdatedAt) < m.StuckAfter {
		return fmt.Errorf("asset %s is processing: %w", asset.ID, models.ErrJobActive)
	}
	return nil
}

// SweepStuck fails jobs that have been processing for longer than
// StuckAfter, together with their assets. Nothing is requeued.
func (m *Maintenance) SweepStuck(ctx context.Context) (int, error) {
	stale, err := m.store.ListStaleJobs(ctx, time.Now().Add(-m.StuckAfter))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range stale {
		cause := fmt.Errorf("job %s processing since %v: %w", job.ID, job.StartedAt, models.ErrMalformedState)
		if err := m.store.FinishJob(ctx, job.ID, models.StatusFailed, cause.Error()); err != nil {
			logger.Error("Failed to finish stuck job", "job_id", job.ID, "error", err)
			continue
		}
		asset, err := m.store.GetAsset(ctx, job.TenantID, job.AssetID)
		if err == nil && asset.ProcessingStatus == models.StatusProcessing {
			if err := m.store.FailAsset(ctx, job.TenantID, job.AssetID, models.NewProcessingError(cause)); err != nil {
				logger.Error("Failed to fail stuck asset", "asset_id", job.AssetID, "error", err)
			}
		}
		swept++
		logger.Warn("Stuck job failed", "tenant_id", job.TenantID, "asset_id", job.AssetID, "job_id", job.ID)
	}
	return swept, nil
}

// SweepStuckAssets fails a tenant's assets left processing for longer than
// StuckAfter without an active job. Slides rendered by an interrupted PDF
// job end up here, since they never get a job of their own.
func (m *Maintenance) SweepStuckAssets(ctx context.Context, tenantID string) (int, error) {
	cutoff := time.Now().Add(-m.StuckAfter)
	stale, err := m.store.ListAssets(ctx, tenantID, store.AssetFilter{
		Status:        models.StatusProcessing,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, asset := range stale {
		if _, err := m.store.FindActiveJob(ctx, asset.ID); err == nil {
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			logger.Error("Failed to look up job for stuck asset", "asset_id", asset.ID, "error", err)
			continue
		}
		cause := fmt.Errorf("asset %s processing since %v without a job: %w", asset.ID, asset.UpdatedAt, models.ErrMalformedState)
		if err := m.store.FailAsset(ctx, tenantID, asset.ID, models.NewProcessingError(cause)); err != nil {
			logger.Error("Failed to fail stuck asset", "asset_id", asset.ID, "error", err)
			continue
		}
		swept++
		logger.Warn("Stuck asset failed", "tenant_id", tenantID, "asset_id", asset.ID, "type", asset.Type)
	}
	return swept, nil
}
