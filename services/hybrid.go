package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
	"knowledge-engine/utils"
)

const maxSearchLimit = 50

// Strategy labels reported in response metadata when a branch is chosen at
// query time
const (
	LabelFallbackExternal = "fallback-external"
	LabelFallbackInternal = "fallback-internal"
	LabelSmartInternal    = "smart-internal"
)

// visualIntent matches words that ask to be shown something
var visualIntent = regexp.MustCompile(`\b(show|display|see|look|video|image|screenshot|chart|dashboard|visual|demo|picture|graph|diagram)s?\b`)

// HasVisualIntent reports whether a query asks for something to look at
func HasVisualIntent(query string) bool {
	return visualIntent.MatchString(strings.ToLower(query))
}

// InternalSearcher is the tenant's own similarity search
type InternalSearcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]models.SearchResult, error)
}

// HybridSearch combines internal and external retrieval according to the
// tenant's strategy and resolves visuals from the internal hits.
type HybridSearch struct {
	internal InternalSearcher
	external ExternalSearcher
	settings store.SettingsStore
	visuals  *VisualResolver
	metrics  *telemetry.Metrics

	Defaults     models.SearchSettings
	DefaultLimit int
}

func NewHybridSearch(internal InternalSearcher, external ExternalSearcher, settings store.SettingsStore, visuals *VisualResolver, defaults models.SearchSettings, metrics *telemetry.Metrics) *HybridSearch {
	return &HybridSearch{
		internal:     internal,
		external:     external,
		settings:     settings,
		visuals:      visuals,
		metrics:      metrics,
		Defaults:     defaults,
		DefaultLimit: 5,
	}
}

// Settings returns the tenant's stored settings or the defaults
func (h *HybridSearch) Settings(ctx context.Context, tenantID string) (models.SearchSettings, error) {
	s, err := h.settings.GetSearchSettings(ctx, tenantID)
	if errors.Is(err, models.ErrNotFound) {
		return h.Defaults, nil
	}
	if err != nil {
		return models.SearchSettings{}, err
	}
	return *s, nil
}

// Search runs the configured strategy. External failures never reach the
// caller; internal results are used instead.
func (h *HybridSearch) Search(ctx context.Context, tenantID, query string, limit int) (*models.SearchResponse, error) {
	ctx, span := tracer.Start(ctx, "search.hybrid")
	defer span.End()
	start := time.Now()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query: %w", models.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = h.DefaultLimit
	}
	limit = min(limit, maxSearchLimit)

	settings, err := h.Settings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("search settings: %w", err)
	}
	strategy := settings.Strategy
	if !strategy.Valid() {
		strategy = models.StrategyParallel
	}
	if h.external == nil || !settings.ExternalEnabled {
		strategy = models.StrategyInternalOnly
	}
	span.SetAttributes(attribute.String("strategy", string(strategy)))

	var (
		results []models.SearchResult
		label   string
	)
	switch strategy {
	case models.StrategyInternalOnly:
		results, err = h.internal.Search(ctx, tenantID, query, limit)
		label = string(strategy)
	case models.StrategyExternalOnly:
		results, label, err = h.externalOnly(ctx, tenantID, query, limit, settings)
	case models.StrategyFallback:
		results, label, err = h.fallback(ctx, tenantID, query, limit, settings)
	case models.StrategySmart:
		if HasVisualIntent(query) {
			results, err = h.internal.Search(ctx, tenantID, query, limit)
			label = LabelSmartInternal
		} else {
			results, label, err = h.fallback(ctx, tenantID, query, limit, settings)
			label = "smart-" + label
		}
	default:
		results, err = h.parallel(ctx, tenantID, query, limit, settings)
		label = string(models.StrategyParallel)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if results == nil {
		results = []models.SearchResult{}
	}

	resp := &models.SearchResponse{
		Results: results,
		Visuals: h.visuals.Resolve(ctx, tenantID, results),
		Metadata: models.SearchMetadata{
			Strategy:  label,
			LatencyMs: time.Since(start).Milliseconds(),
		},
	}
	for _, r := range results {
		if r.Source == models.ResultSourceExternal {
			resp.Metadata.ExternalResults++
		} else {
			resp.Metadata.InternalResults++
		}
	}
	h.metrics.RecordSearch(label, time.Since(start).Seconds())
	return resp, nil
}

func (h *HybridSearch) searchExternal(ctx context.Context, tenantID, query string, limit int, settings models.SearchSettings) ([]models.SearchResult, error) {
	return h.external.Search(ctx, ExternalQuery{
		TenantID:        tenantID,
		KnowledgeBaseID: settings.KnowledgeBaseID,
		Query:           query,
		Limit:           limit,
	})
}

func (h *HybridSearch) externalOnly(ctx context.Context, tenantID, query string, limit int, settings models.SearchSettings) ([]models.SearchResult, string, error) {
	results, err := h.searchExternal(ctx, tenantID, query, limit, settings)
	if err == nil {
		return truncate(results, limit), string(models.StrategyExternalOnly), nil
	}
	logger.Warn("External search failed, using internal results", "tenant_id", tenantID, "error", err)
	results, err = h.internal.Search(ctx, tenantID, query, limit)
	return results, LabelFallbackInternal, err
}

// fallback trusts the external backend only when its best hit clears the
// threshold
func (h *HybridSearch) fallback(ctx context.Context, tenantID, query string, limit int, settings models.SearchSettings) ([]models.SearchResult, string, error) {
	external, err := h.searchExternal(ctx, tenantID, query, limit, settings)
	if err != nil {
		logger.Warn("External search failed, using internal results", "tenant_id", tenantID, "error", err)
	} else if best := bestScore(external); len(external) > 0 && best > settings.FallbackThreshold {
		return truncate(sortByScore(external), limit), LabelFallbackExternal, nil
	}

	results, err := h.internal.Search(ctx, tenantID, query, limit)
	return results, LabelFallbackInternal, err
}

// parallel queries both backends at once and merges them by weighted score.
// Each side is asked for twice the limit so dedup can still fill it.
func (h *HybridSearch) parallel(ctx context.Context, tenantID, query string, limit int, settings models.SearchSettings) ([]models.SearchResult, error) {
	fetch := 2 * limit
	var (
		wg                  sync.WaitGroup
		internal, external  []models.SearchResult
		internalErr, extErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		internal, internalErr = h.internal.Search(ctx, tenantID, query, fetch)
	}()
	go func() {
		defer wg.Done()
		external, extErr = h.searchExternal(ctx, tenantID, query, fetch, settings)
	}()
	wg.Wait()

	if extErr != nil {
		logger.Warn("External search failed, merging internal only", "tenant_id", tenantID, "error", extErr)
		external = nil
	}
	if internalErr != nil {
		if extErr != nil {
			return nil, internalErr
		}
		logger.Warn("Internal search failed, merging external only", "tenant_id", tenantID, "error", internalErr)
		internal = nil
	}

	return WeightedMerge(internal, external, settings.ExternalWeight, limit), nil
}

// WeightedMerge scales internal scores by 1-externalWeight and external
// scores by externalWeight, drops near-duplicate content keeping the higher
// score and returns the best limit in descending order.
func WeightedMerge(internal, external []models.SearchResult, externalWeight float64, limit int) []models.SearchResult {
	externalWeight = max(0, min(1, externalWeight))
	internalWeight := 1 - externalWeight

	merged := make([]models.SearchResult, 0, len(internal)+len(external))
	index := make(map[string]int)
	add := func(r models.SearchResult, weight float64) {
		r.Score *= weight
		if r.Fingerprint == "" {
			r.Fingerprint = utils.Fingerprint(r.Content)
		}
		if i, ok := index[r.Fingerprint]; ok {
			if r.Score > merged[i].Score {
				merged[i] = r
			}
			return
		}
		index[r.Fingerprint] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range internal {
		add(r, internalWeight)
	}
	for _, r := range external {
		add(r, externalWeight)
	}

	return truncate(sortByScore(merged), limit)
}

func sortByScore(results []models.SearchResult) []models.SearchResult {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func truncate(results []models.SearchResult, limit int) []models.SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

func bestScore(results []models.SearchResult) float64 {
	best := 0.0
	for i, r := range results {
		if i == 0 || r.Score > best {
			best = r.Score
		}
	}
	return best
}

// Digest joins the top three result texts into one context block
func Digest(resp *models.SearchResponse) string {
	var parts []string
	for i, r := range resp.Results {
		if i == 3 {
			break
		}
		parts = append(parts, strings.TrimSpace(r.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
