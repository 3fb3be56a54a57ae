package services

import (
	"context"
	"errors"
	"sort"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/models"
)

// DefaultVisualCap limits both the hits considered and the visuals returned
const DefaultVisualCap = 2

// VisualResolver maps ranked hits to the few renderable assets shown with them
type VisualResolver struct {
	assets store.AssetStore
	limit  int
}

func NewVisualResolver(assets store.AssetStore, limit int) *VisualResolver {
	if limit <= 0 {
		limit = DefaultVisualCap
	}
	return &VisualResolver{assets: assets, limit: limit}
}

// Resolve looks at the top hits only. A hit grounded on a PDF resolves to
// the slide rendered from its page. Assets that are missing, unfinished or
// not renderable are dropped, so a PDF never reaches the caller.
func (v *VisualResolver) Resolve(ctx context.Context, tenantID string, results []models.SearchResult) []models.VisualAsset {
	top := results
	if len(top) > v.limit {
		top = top[:v.limit]
	}

	seen := make(map[string]bool)
	visuals := make([]models.VisualAsset, 0, v.limit)
	for _, hit := range top {
		// only the internal backend carries grounding
		if hit.Source != models.ResultSourceInternal || hit.MediaAssetID == "" {
			continue
		}
		asset, err := v.resolve(ctx, tenantID, hit)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				logger.Warn("Visual lookup failed", "tenant_id", tenantID, "asset_id", hit.MediaAssetID, "error", err)
			}
			continue
		}
		if asset == nil || seen[asset.ID] || !asset.Type.Renderable() || asset.ProcessingStatus != models.StatusCompleted {
			continue
		}
		seen[asset.ID] = true
		visuals = append(visuals, models.VisualAsset{
			ID:          asset.ID,
			Type:        asset.Type,
			URL:         asset.URL,
			Title:       asset.Title,
			Description: asset.Description,
			PageNumber:  asset.PageNumber,
			Score:       hit.Score,
		})
	}

	sort.SliceStable(visuals, func(i, j int) bool { return visuals[i].Score > visuals[j].Score })
	if len(visuals) > v.limit {
		visuals = visuals[:v.limit]
	}
	return visuals
}

func (v *VisualResolver) resolve(ctx context.Context, tenantID string, hit models.SearchResult) (*models.SourceAsset, error) {
	asset, err := v.assets.GetAsset(ctx, tenantID, hit.MediaAssetID)
	if err != nil {
		return nil, err
	}
	if asset.Type != models.AssetTypePDF {
		return asset, nil
	}
	if hit.PageNumber <= 0 {
		return nil, nil
	}
	return v.assets.FindSlide(ctx, tenantID, asset.ID, hit.PageNumber)
}
