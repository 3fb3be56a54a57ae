package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/models"
)

type stubInternal struct {
	results []models.SearchResult
	err     error
	calls   atomic.Int32
}

func (s *stubInternal) Search(_ context.Context, _, _ string, limit int) ([]models.SearchResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return truncate(append([]models.SearchResult(nil), s.results...), limit), nil
}

type stubExternal struct {
	results []models.SearchResult
	err     error
	calls   atomic.Int32
	last    ExternalQuery
}

func (s *stubExternal) Search(_ context.Context, q ExternalQuery) ([]models.SearchResult, error) {
	s.calls.Add(1)
	s.last = q
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.SearchResult(nil), s.results...), nil
}

func internalHits() []models.SearchResult {
	return []models.SearchResult{
		{Content: "internal one", Score: 0.9, Source: models.ResultSourceInternal, MediaAssetID: "img"},
		{Content: "internal two", Score: 0.6, Source: models.ResultSourceInternal},
	}
}

func externalHits(best float64) []models.SearchResult {
	return []models.SearchResult{
		{Content: "external one", Score: best, Source: models.ResultSourceExternal},
		{Content: "external two", Score: best / 2, Source: models.ResultSourceExternal},
	}
}

func newHybrid(t *testing.T, in *stubInternal, ext *stubExternal, settings models.SearchSettings) *HybridSearch {
	t.Helper()
	st := seedVisualAssets(t)
	require.NoError(t, st.SaveSearchSettings(context.Background(), testTenant, settings))
	var external ExternalSearcher
	if ext != nil {
		external = ext
	}
	return NewHybridSearch(in, external, st, NewVisualResolver(st, 2), models.SearchSettings{Strategy: models.StrategyInternalOnly}, nil)
}

func TestWeightedMerge(t *testing.T) {
	internal := []models.SearchResult{
		{Content: "shared answer", Score: 0.8, Source: models.ResultSourceInternal},
		{Content: "only internal", Score: 0.7, Source: models.ResultSourceInternal},
	}
	external := []models.SearchResult{
		{Content: "Shared  answer", Score: 0.9, Source: models.ResultSourceExternal},
		{Content: "only external", Score: 0.4, Source: models.ResultSourceExternal},
	}

	merged := WeightedMerge(internal, external, 0.25, 10)
	require.Len(t, merged, 3, "near-duplicate content collapses")
	for i := 1; i < len(merged); i++ {
		assert.GreaterOrEqual(t, merged[i-1].Score, merged[i].Score)
	}
	assert.Equal(t, "shared answer", merged[0].Content)
	assert.InDelta(t, 0.6, merged[0].Score, 1e-9)
	assert.InDelta(t, 0.1, merged[2].Score, 1e-9)

	assert.Len(t, WeightedMerge(internal, external, 0.5, 2), 2)
	assert.Empty(t, WeightedMerge(nil, nil, 0.5, 5))
}

func TestHybrid_ParallelSurvivesExternalFailure(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{err: fmt.Errorf("timeout: %w", models.ErrExternalService)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyParallel, ExternalEnabled: true, ExternalWeight: 0.5})

	resp, err := h.Search(context.Background(), testTenant, "revenue", 5)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "internal one", resp.Results[0].Content)
	assert.Equal(t, 2, resp.Metadata.InternalResults)
	assert.Zero(t, resp.Metadata.ExternalResults)
	require.Len(t, resp.Visuals, 1)
	assert.Equal(t, "img", resp.Visuals[0].ID)
}

func TestHybrid_ParallelMergesBoth(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{results: externalHits(0.95)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyParallel, ExternalEnabled: true, ExternalWeight: 0.5, KnowledgeBaseID: "kb-7"})

	resp, err := h.Search(context.Background(), testTenant, "revenue", 3)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, "external one", resp.Results[0].Content)
	assert.Equal(t, "parallel", resp.Metadata.Strategy)
	assert.Equal(t, "kb-7", ext.last.KnowledgeBaseID)
	assert.Equal(t, resp.Metadata.InternalResults+resp.Metadata.ExternalResults, len(resp.Results))
}

func TestHybrid_ParallelFillsLimitAfterDedup(t *testing.T) {
	in := &stubInternal{results: []models.SearchResult{
		{Content: "plan pricing", Score: 0.9, Source: models.ResultSourceInternal},
		{Content: "Plan  pricing", Score: 0.85, Source: models.ResultSourceInternal},
		{Content: "refund policy", Score: 0.8, Source: models.ResultSourceInternal},
		{Content: "seat limits", Score: 0.7, Source: models.ResultSourceInternal},
	}}
	ext := &stubExternal{results: []models.SearchResult{
		{Content: "plan pricing", Score: 0.9, Source: models.ResultSourceExternal},
	}}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyParallel, ExternalEnabled: true, ExternalWeight: 0.5})

	resp, err := h.Search(context.Background(), testTenant, "billing", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, ext.last.Limit, "each side is asked for twice the limit")
	require.Len(t, resp.Results, 2, "duplicate chunks do not shrink the page")
	assert.Equal(t, "plan pricing", resp.Results[0].Content)
	assert.Equal(t, "refund policy", resp.Results[1].Content)
}

func TestHybrid_ParallelBothFail(t *testing.T) {
	in := &stubInternal{err: fmt.Errorf("mongo down")}
	ext := &stubExternal{err: fmt.Errorf("timeout: %w", models.ErrExternalService)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyParallel, ExternalEnabled: true})

	_, err := h.Search(context.Background(), testTenant, "revenue", 5)
	assert.Error(t, err)
}

func TestHybrid_Fallback(t *testing.T) {
	tests := []struct {
		name      string
		ext       *stubExternal
		wantLabel string
		wantFirst string
	}{
		{"external clears threshold", &stubExternal{results: externalHits(0.8)}, LabelFallbackExternal, "external one"},
		{"external below threshold", &stubExternal{results: externalHits(0.5)}, LabelFallbackInternal, "internal one"},
		{"external equal to threshold", &stubExternal{results: externalHits(0.6)}, LabelFallbackInternal, "internal one"},
		{"external empty", &stubExternal{}, LabelFallbackInternal, "internal one"},
		{"external fails", &stubExternal{err: models.ErrExternalService}, LabelFallbackInternal, "internal one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &stubInternal{results: internalHits()}
			h := newHybrid(t, in, tt.ext, models.SearchSettings{Strategy: models.StrategyFallback, ExternalEnabled: true, FallbackThreshold: 0.6})

			resp, err := h.Search(context.Background(), testTenant, "revenue", 5)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, resp.Metadata.Strategy)
			require.NotEmpty(t, resp.Results)
			assert.Equal(t, tt.wantFirst, resp.Results[0].Content)
		})
	}
}

func TestHybrid_ExternalOnlyFallsBackToInternal(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{err: models.ErrExternalService}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyExternalOnly, ExternalEnabled: true})

	resp, err := h.Search(context.Background(), testTenant, "revenue", 5)
	require.NoError(t, err)
	assert.Equal(t, LabelFallbackInternal, resp.Metadata.Strategy)
	assert.Len(t, resp.Results, 2)
}

func TestHybrid_ExternalOnly(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{results: externalHits(0.7)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyExternalOnly, ExternalEnabled: true})

	resp, err := h.Search(context.Background(), testTenant, "revenue", 5)
	require.NoError(t, err)
	assert.Equal(t, "external-only", resp.Metadata.Strategy)
	assert.Zero(t, in.calls.Load())
	assert.Empty(t, resp.Visuals, "external hits carry no grounding")
}

func TestHybrid_SmartRouting(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{results: externalHits(0.9)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategySmart, ExternalEnabled: true, FallbackThreshold: 0.6})

	resp, err := h.Search(context.Background(), testTenant, "show me the revenue dashboard", 5)
	require.NoError(t, err)
	assert.Equal(t, LabelSmartInternal, resp.Metadata.Strategy)
	assert.Zero(t, ext.calls.Load())

	resp, err = h.Search(context.Background(), testTenant, "what is our refund policy", 5)
	require.NoError(t, err)
	assert.Equal(t, "smart-"+LabelFallbackExternal, resp.Metadata.Strategy)
	assert.EqualValues(t, 1, ext.calls.Load())
}

func TestHybrid_ExternalDisabled(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	ext := &stubExternal{results: externalHits(0.9)}
	h := newHybrid(t, in, ext, models.SearchSettings{Strategy: models.StrategyParallel, ExternalEnabled: false})

	resp, err := h.Search(context.Background(), testTenant, "revenue", 5)
	require.NoError(t, err)
	assert.Equal(t, "internal-only", resp.Metadata.Strategy)
	assert.Zero(t, ext.calls.Load())

	noClient := newHybrid(t, in, nil, models.SearchSettings{Strategy: models.StrategyFallback, ExternalEnabled: true})
	resp, err = noClient.Search(context.Background(), testTenant, "revenue", 5)
	require.NoError(t, err)
	assert.Equal(t, "internal-only", resp.Metadata.Strategy)
}

func TestHybrid_DefaultsWhenUnset(t *testing.T) {
	in := &stubInternal{results: internalHits()}
	h := NewHybridSearch(in, &stubExternal{}, memstore.New(), NewVisualResolver(memstore.New(), 2), models.SearchSettings{Strategy: models.StrategyInternalOnly}, nil)

	settings, err := h.Settings(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyInternalOnly, settings.Strategy)

	_, err = h.Search(context.Background(), testTenant, "", 5)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestHasVisualIntent(t *testing.T) {
	assert.True(t, HasVisualIntent("Show me the charts"))
	assert.True(t, HasVisualIntent("is there a demo video?"))
	assert.False(t, HasVisualIntent("what does the showroom cost"))
	assert.False(t, HasVisualIntent("refund policy"))
}

func TestDigest(t *testing.T) {
	resp := &models.SearchResponse{Results: []models.SearchResult{
		{Content: " a "}, {Content: "b"}, {Content: "c"}, {Content: "d"},
	}}
	assert.Equal(t, "a\n\n---\n\nb\n\n---\n\nc", Digest(resp))
}
