// Package memstore is an in-memory store used by tests and local tooling
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"knowledge-engine/internal/store"
	"knowledge-engine/models"
)

type tenantData struct {
	assets    map[string]*models.SourceAsset
	documents map[string]*models.Document
	chunks    []chunkRow
	settings  *models.SearchSettings
}

type chunkRow struct {
	seq   int
	chunk models.Chunk
}

// Store implements store.Store. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*tenantData
	jobs    map[string]*models.Job
	seq     int

	// FailChunkWrites makes SaveDocument fail after the document row is
	// written, exercising the rollback path.
	FailChunkWrites bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants: make(map[string]*tenantData),
		jobs:    make(map[string]*models.Job),
	}
}

var emptyTenant = &tenantData{
	assets:    map[string]*models.SourceAsset{},
	documents: map[string]*models.Document{},
}

// lookup is the read-only variant of tenant; callers hold at least a read lock
func (s *Store) lookup(id string) *tenantData {
	if t, ok := s.tenants[id]; ok {
		return t
	}
	return emptyTenant
}

func (s *Store) tenant(id string) *tenantData {
	t, ok := s.tenants[id]
	if !ok {
		t = &tenantData{
			assets:    make(map[string]*models.SourceAsset),
			documents: make(map[string]*models.Document),
		}
		s.tenants[id] = t
	}
	return t
}

func (s *Store) CreateAsset(_ context.Context, asset *models.SourceAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(asset.TenantID)
	if _, exists := t.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists: %w", asset.ID, models.ErrInvalidInput)
	}
	if asset.Type == models.AssetTypeSlide {
		parent, ok := t.assets[asset.ParentAssetID]
		if !ok || parent.Type != models.AssetTypePDF || asset.PageNumber < 1 {
			return fmt.Errorf("slide %s needs a pdf parent and page: %w", asset.ID, models.ErrMalformedState)
		}
		for _, a := range t.assets {
			if a.Type == models.AssetTypeSlide && a.ParentAssetID == asset.ParentAssetID && a.PageNumber == asset.PageNumber {
				return fmt.Errorf("slide for page %d already exists: %w", asset.PageNumber, models.ErrInvalidInput)
			}
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
	cp := *asset
	t.assets[asset.ID] = &cp
	return nil
}

func (s *Store) GetAsset(_ context.Context, tenantID, assetID string) (*models.SourceAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.lookup(tenantID).assets[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", assetID, models.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindAssetByURL(_ context.Context, tenantID string, assetType models.AssetType, url string) (*models.SourceAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.lookup(tenantID).assets {
		if a.Type == assetType && a.URL == url {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("asset with url %s: %w", url, models.ErrNotFound)
}

func (s *Store) FindSlide(_ context.Context, tenantID, parentAssetID string, page int) (*models.SourceAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.lookup(tenantID).assets {
		if a.Type == models.AssetTypeSlide && a.ParentAssetID == parentAssetID && a.PageNumber == page {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("slide %s#%d: %w", parentAssetID, page, models.ErrNotFound)
}

func (s *Store) ListSlides(_ context.Context, tenantID, parentAssetID string) ([]models.SourceAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SourceAsset
	for _, a := range s.lookup(tenantID).assets {
		if a.Type == models.AssetTypeSlide && (parentAssetID == "" || a.ParentAssetID == parentAssetID) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentAssetID != out[j].ParentAssetID {
			return out[i].ParentAssetID < out[j].ParentAssetID
		}
		return out[i].PageNumber < out[j].PageNumber
	})
	return out, nil
}

func (s *Store) ListAssets(_ context.Context, tenantID string, filter store.AssetFilter) ([]models.SourceAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SourceAsset
	for _, a := range s.lookup(tenantID).assets {
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.Status != "" && a.ProcessingStatus != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !a.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) update(tenantID, assetID string, fn func(a *models.SourceAsset)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.tenant(tenantID).assets[assetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", assetID, models.ErrNotFound)
	}
	fn(a)
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkProcessing(_ context.Context, tenantID, assetID string) error {
	return s.update(tenantID, assetID, func(a *models.SourceAsset) {
		a.ProcessingStatus = models.StatusProcessing
	})
}

func (s *Store) CompleteAsset(_ context.Context, tenantID, assetID string, c models.AssetCompletion) error {
	return s.update(tenantID, assetID, func(a *models.SourceAsset) {
		now := time.Now()
		a.ProcessingStatus = models.StatusCompleted
		a.ProcessedAt = &now
		a.ExtractedText = c.ExtractedText
		a.Transcript = c.Transcript
		a.FrameAnalysis = c.FrameAnalysis
		a.Metadata = c.Metadata
	})
}

func (s *Store) FailAsset(_ context.Context, tenantID, assetID string, perr *models.ProcessingError) error {
	return s.update(tenantID, assetID, func(a *models.SourceAsset) {
		now := time.Now()
		a.ProcessingStatus = models.StatusFailed
		a.ProcessedAt = &now
		a.Metadata.Error = perr
	})
}

func (s *Store) ResetAsset(_ context.Context, tenantID, assetID string) error {
	return s.update(tenantID, assetID, func(a *models.SourceAsset) {
		a.ProcessingStatus = models.StatusPending
		a.Metadata.Error = nil
	})
}

func (s *Store) DeleteAssets(_ context.Context, tenantID string, assetIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	for _, id := range assetIDs {
		delete(t.assets, id)
	}
	return nil
}

func (s *Store) SaveDocument(_ context.Context, doc *models.Document, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(doc.TenantID)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	doc.ChunkCount = len(chunks)
	cp := *doc
	t.documents[doc.ID] = &cp

	if s.FailChunkWrites {
		delete(t.documents, doc.ID)
		return fmt.Errorf("insert chunks for %s: simulated write failure", doc.ID)
	}
	for _, c := range chunks {
		s.seq++
		t.chunks = append(t.chunks, chunkRow{seq: s.seq, chunk: c})
	}
	return nil
}

func (s *Store) DeleteDocumentsBySource(_ context.Context, tenantID, sourceAssetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	removed := make(map[string]bool)
	for id, d := range t.documents {
		if d.SourceAssetID == sourceAssetID {
			removed[id] = true
			delete(t.documents, id)
		}
	}
	kept := t.chunks[:0]
	for _, row := range t.chunks {
		if !removed[row.chunk.DocumentID] {
			kept = append(kept, row)
		}
	}
	t.chunks = kept
	return len(removed), nil
}

func (s *Store) CountDocumentsBySource(_ context.Context, tenantID, sourceAssetID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, d := range s.lookup(tenantID).documents {
		if d.SourceAssetID == sourceAssetID {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecentChunks(_ context.Context, tenantID string, window int) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := append([]chunkRow(nil), s.lookup(tenantID).chunks...)
	sort.SliceStable(rows, func(i, j int) bool {
		ci, cj := rows[i].chunk.CreatedAt, rows[j].chunk.CreatedAt
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return rows[i].seq > rows[j].seq
	})
	if window > 0 && len(rows) > window {
		rows = rows[:window]
	}
	out := make([]models.Chunk, len(rows))
	for i, row := range rows {
		out[i] = row.chunk
	}
	return out, nil
}

// Documents returns every document of a tenant, for assertions
func (s *Store) Documents(tenantID string) []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Document
	for _, d := range s.lookup(tenantID).documents {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageNumber != out[j].PageNumber {
			return out[i].PageNumber < out[j].PageNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChunkCount returns the number of stored chunks of a tenant
func (s *Store) ChunkCount(tenantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lookup(tenantID).chunks)
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.Active && j.AssetID == job.AssetID {
			return fmt.Errorf("asset %s job %s: %w", job.AssetID, j.ID, models.ErrJobActive)
		}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	job.Active = true
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	cp := *j
	return &cp, nil
}

func (s *Store) FindActiveJob(_ context.Context, assetID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, j := range s.jobs {
		if j.Active && j.AssetID == assetID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active job for asset %s: %w", assetID, models.ErrNotFound)
}

func (s *Store) ClaimJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if !j.Active || j.Status != models.StatusPending {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, j.Status, models.ErrJobActive)
	}
	now := time.Now()
	j.Status = models.StatusProcessing
	j.StartedAt = &now
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJobProgress(_ context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	j.Progress = progress
	return nil
}

func (s *Store) FinishJob(_ context.Context, jobID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	now := time.Now()
	j.Status = status
	j.Error = errMsg
	j.Active = false
	j.FinishedAt = &now
	if status == models.StatusCompleted {
		j.Progress = 100
	}
	return nil
}

func (s *Store) ListStaleJobs(_ context.Context, startedBefore time.Time) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for _, j := range s.jobs {
		if j.Active && j.Status == models.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) GetSearchSettings(_ context.Context, tenantID string) (*models.SearchSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.lookup(tenantID).settings
	if st == nil {
		return nil, fmt.Errorf("search settings for %s: %w", tenantID, models.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SaveSearchSettings(_ context.Context, tenantID string, settings models.SearchSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenant(tenantID).settings = &settings
	return nil
}
