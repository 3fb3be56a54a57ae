package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/auth"
	"knowledge-engine/internal/media"
	"knowledge-engine/internal/queue"
	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/middleware"
	"knowledge-engine/models"
	"knowledge-engine/services"
)

const (
	tenant = "acme"
	secret = "a-test-secret-that-is-long-enough-1234"
)

type fakeClient struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type stubInternal struct {
	results []models.SearchResult
}

func (s *stubInternal) Search(context.Context, string, string, int) ([]models.SearchResult, error) {
	return s.results, nil
}

type apiFixture struct {
	router *gin.Engine
	store  *memstore.Store
	client *fakeClient
	token  string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	client := &fakeClient{}
	scheduler := queue.NewScheduler(st, client)

	tokens, err := auth.NewTokens(secret, nil)
	require.NoError(t, err)
	token, _, err := tokens.Issue(tenant, time.Hour)
	require.NoError(t, err)

	internal := &stubInternal{results: []models.SearchResult{
		{Content: "Pricing starts at 10 dollars.", Score: 0.9, Source: models.ResultSourceInternal, DocumentID: "d1"},
	}}
	search := services.NewHybridSearch(internal, nil, st, services.NewVisualResolver(st, 2),
		models.SearchSettings{Strategy: models.StrategyInternalOnly}, nil)

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	SetupRoutes(router, Deps{
		Store:       st,
		Jobs:        scheduler,
		Search:      search,
		Maintenance: services.NewMaintenance(st, scheduler, time.Hour),
		Files:       media.NewStorage(t.TempDir(), "/files"),
		Auth:        middleware.NewAuthMiddleware(tokens),
		MaxFileSize: 1 << 20,
	})
	return &apiFixture{router: router, store: st, client: client, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "/api/tenants/"+tenant+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newAPI(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAsset_URLQueuesJob(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/assets", gin.H{
		"type":    "website",
		"url":     "https://example.com/docs",
		"website": gin.H{"max_pages": 5},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[CreateAssetResponse](t, w)
	require.NotNil(t, resp.Asset)
	assert.Equal(t, models.StatusPending, resp.Asset.ProcessingStatus)
	assert.Equal(t, "https://example.com/docs", resp.Asset.Title)
	assert.NotEmpty(t, resp.JobID)
	require.Len(t, f.client.tasks, 1)
	assert.Equal(t, queue.TaskProcessWebsite, f.client.tasks[0].Type())

	stored, err := f.store.GetAsset(context.Background(), tenant, resp.Asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Metadata.Website.MaxPages)
}

func TestCreateAsset_ProcessFalseSkipsQueue(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/assets", gin.H{"type": "video", "url": "https://cdn.example.com/a.mp4", "process": false})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, decode[CreateAssetResponse](t, w).JobID)
	assert.Empty(t, f.client.tasks)
}

func TestCreateAsset_Rejections(t *testing.T) {
	f := newAPI(t)
	tests := []struct {
		name string
		body gin.H
	}{
		{"unknown type", gin.H{"type": "spreadsheet", "url": "https://example.com/a"}},
		{"slide", gin.H{"type": "slide", "url": "https://example.com/a.png"}},
		{"missing url", gin.H{"type": "pdf"}},
		{"relative url", gin.H{"type": "pdf", "url": "/a.pdf"}},
		{"website settings on pdf", gin.H{"type": "pdf", "url": "https://example.com/a.pdf", "website": gin.H{"max_pages": 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/assets", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, f.client.tasks)
}

func upload(t *testing.T, f *apiFixture, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/"+tenant+"/assets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateAsset_UploadDetectsType(t *testing.T) {
	f := newAPI(t)
	pdf := []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

	w := upload(t, f, "Quarterly Report.pdf", pdf, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[CreateAssetResponse](t, w)
	assert.Equal(t, models.AssetTypePDF, resp.Asset.Type)
	assert.Equal(t, "Quarterly Report", resp.Asset.Title)
	assert.True(t, strings.HasPrefix(resp.Asset.URL, "/files/acme/"))
	assert.True(t, strings.HasSuffix(resp.Asset.URL, ".pdf"))
	assert.Equal(t, "Quarterly Report.pdf", resp.Asset.Metadata.Extra["original_filename"])
	require.Len(t, f.client.tasks, 1)
	assert.Equal(t, queue.TaskProcessPDF, f.client.tasks[0].Type())
}

func TestCreateAsset_UploadRejectsMismatch(t *testing.T) {
	f := newAPI(t)
	pdf := []byte("%PDF-1.4\n%%EOF\n")

	w := upload(t, f, "a.pdf", pdf, map[string]string{"type": "video"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload(t, f, "notes.txt", []byte("just some plain text notes"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.client.tasks)
}

func TestGetAsset(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.store.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "img-1", TenantID: tenant, Type: models.AssetTypeImage, URL: "/files/acme/a.png",
		ProcessingStatus: models.StatusCompleted, ExtractedText: "A bar chart.",
	}))

	w := f.do(t, http.MethodGet, "/assets/img-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	asset := decode[models.SourceAsset](t, w)
	assert.Equal(t, "A bar chart.", asset.ExtractedText)

	w = f.do(t, http.MethodGet, "/assets/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/assets?type=image", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = f.do(t, http.MethodGet, "/assets?type=spreadsheet", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOtherTenantIsForbidden(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tenants/globex/assets", nil)
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestProcessAsset_SingleFlightAndStatus(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.store.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "vid", TenantID: tenant, Type: models.AssetTypeVideo, URL: "/files/acme/v.mp4",
	}))

	w := f.do(t, http.MethodPost, "/assets/vid/process", gin.H{"force_reindex": true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := decode[map[string]string](t, w)["job_id"]
	require.NotEmpty(t, jobID)

	w = f.do(t, http.MethodPost, "/assets/vid/process", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[models.JobStatus](t, w)
	assert.Equal(t, models.StatusPending, status.Status)
	assert.Equal(t, "vid", status.AssetID)

	w = f.do(t, http.MethodGet, "/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessPending(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.store.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "img-1", TenantID: tenant, Type: models.AssetTypeImage, ProcessingStatus: models.StatusPending,
	}))

	w := f.do(t, http.MethodPost, "/assets/process-pending", gin.H{"type": "image"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	report := decode[services.EnqueueReport](t, w)
	assert.Len(t, report.JobIDs, 1)

	w = f.do(t, http.MethodPost, "/assets/process-pending", gin.H{"type": "slideshow"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchAndAnswer(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/search", gin.H{"query": "how much does it cost"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.SearchResponse](t, w)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, string(models.StrategyInternalOnly), resp.Metadata.Strategy)

	w = f.do(t, http.MethodPost, "/search", gin.H{"query": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/answer?q=pricing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Pricing starts at 10 dollars.", decode[AnswerResponse](t, w).Answer)
}

func TestSearchSettings(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodGet, "/settings/search", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StrategyInternalOnly, decode[models.SearchSettings](t, w).Strategy)

	w = f.do(t, http.MethodPut, "/settings/search", gin.H{"strategy": "random"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/settings/search", gin.H{"strategy": "parallel", "external_weight": 1.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/settings/search", gin.H{"strategy": "fallback", "external_enabled": true, "fallback_threshold": 0.7})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/settings/search", nil)
	got := decode[models.SearchSettings](t, w)
	assert.Equal(t, models.StrategyFallback, got.Strategy)
	assert.InDelta(t, 0.7, got.FallbackThreshold, 1e-9)
}

func TestReconcileAndExport(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/maintenance/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[services.ReconcileReport](t, w).Applied)

	w = f.do(t, http.MethodGet, "/assets/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}
