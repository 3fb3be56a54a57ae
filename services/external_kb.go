package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"knowledge-engine/internal/config"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
	"knowledge-engine/utils"
)

// ExternalQuery is one request to the external knowledge backend
type ExternalQuery struct {
	TenantID        string
	KnowledgeBaseID string
	Query           string
	Limit           int
}

// ExternalSearcher is a knowledge backend that returns scored snippets
// without visual grounding
type ExternalSearcher interface {
	Search(ctx context.Context, q ExternalQuery) ([]models.SearchResult, error)
}

type externalRequest struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	TenantID        string `json:"tenant_id"`
	Query           string `json:"query"`
	Limit           int    `json:"limit"`
}

type externalResponse struct {
	Results []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
		Source  string  `json:"source"`
	} `json:"results"`
}

// ExternalKBClient calls the external knowledge backend over HTTP behind a
// circuit breaker
type ExternalKBClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewExternalKBClient(cfg *config.Config, metrics *telemetry.Metrics) *ExternalKBClient {
	timeout := cfg.ExternalKBTimeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "external-kb",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	}
	return &ExternalKBClient{
		baseURL: strings.TrimSuffix(cfg.ExternalKBURL, "/"),
		apiKey:  cfg.ExternalKBAPIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Search posts the query and returns the backend's snippets tagged as external
func (c *ExternalKBClient) Search(ctx context.Context, q ExternalQuery) ([]models.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "search.external")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", q.TenantID))

	body, err := json.Marshal(externalRequest{
		KnowledgeBaseID: q.KnowledgeBaseID,
		TenantID:        q.TenantID,
		Query:           q.Query,
		Limit:           q.Limit,
	})
	if err != nil {
		return nil, err
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("external knowledge backend unavailable (circuit open): %w", models.ErrExternalService)
		}
		return nil, err
	}

	resp := out.(*externalResponse)
	results := make([]models.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		results = append(results, models.SearchResult{
			Content:     r.Content,
			Score:       r.Score,
			Source:      models.ResultSourceExternal,
			Fingerprint: utils.Fingerprint(r.Content),
		})
	}
	return results, nil
}

func (c *ExternalKBClient) post(ctx context.Context, body []byte) (*externalResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("external request: %v: %w", err, models.ErrExternalService)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("external search: %v: %w", err, models.ErrExternalService)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("external search: status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), models.ErrExternalService)
	}

	var out externalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("external search: bad response: %v: %w", err, models.ErrExternalService)
	}
	return &out, nil
}
