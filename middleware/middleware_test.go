package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(t *testing.T) (*gin.Engine, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens(strings.Repeat("s", 32), nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(RequestIDMiddleware())
	api := r.Group("/api/tenants/:tenant_id", NewAuthMiddleware(tokens).RequireTenant())
	api.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetTenantID(c))
	})
	return r, tokens
}

func TestRequireTenant(t *testing.T) {
	r, tokens := newAuthRouter(t)
	token, _, err := tokens.Issue("acme", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid", "/api/tenants/acme/ping", "Bearer " + token, http.StatusOK},
		{"other tenant", "/api/tenants/globex/ping", "Bearer " + token, http.StatusForbidden},
		{"missing", "/api/tenants/acme/ping", "", http.StatusUnauthorized},
		{"garbage", "/api/tenants/acme/ping", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"wrong scheme", "/api/tenants/acme/ping", "Basic " + token, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
			if tt.want == http.StatusOK {
				assert.Equal(t, "acme", w.Body.String())
			}
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimit(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("ok")))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "tok", ExtractBearer("Bearer tok"))
	assert.Equal(t, "tok", ExtractBearer("bearer tok"))
	assert.Empty(t, ExtractBearer("tok"))
	assert.Empty(t, ExtractBearer(""))
}
