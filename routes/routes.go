package routes

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"knowledge-engine/internal/store"
	"knowledge-engine/middleware"
	"knowledge-engine/models"
	"knowledge-engine/services"
	"knowledge-engine/utils"
)

// JobScheduler enqueues processing jobs and reports their status
type JobScheduler interface {
	services.Enqueuer
	GetStatus(ctx context.Context, tenantID, jobID string) (*models.JobStatus, error)
}

// FileSaver stores an uploaded file and returns its public URL
type FileSaver interface {
	Save(tenantID, name string, r io.Reader) (string, error)
}

// Deps are the services the HTTP API is built on. RateLimit, TenantDB and
// Ping are optional.
type Deps struct {
	Store       store.Store
	Jobs        JobScheduler
	Search      *services.HybridSearch
	Maintenance *services.Maintenance
	Files       FileSaver
	Auth        *middleware.AuthMiddleware
	MaxFileSize int64

	RateLimit gin.HandlerFunc
	TenantDB  gin.HandlerFunc
	Ping      func(ctx context.Context) error
}

// SetupRoutes registers the health check and the tenant API
func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handleHealth(d.Ping))

	api := router.Group("/api/tenants/:tenant_id")
	api.Use(d.Auth.RequireTenant())
	if d.RateLimit != nil {
		api.Use(d.RateLimit)
	}
	if d.TenantDB != nil {
		api.Use(d.TenantDB)
	}

	setupAssetRoutes(api, d)
	setupSearchRoutes(api, d)

	api.GET("/jobs/:job_id", handleJobStatus(d.Jobs))
	api.POST("/maintenance/reconcile", handleReconcile(d.Maintenance))
}

func handleHealth(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := utils.WithShortTimeout(c.Request.Context())
			defer cancel()
			if err := ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	}
}

func handleJobStatus(jobs JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		status, err := jobs.GetStatus(ctx, middleware.GetTenantID(c), c.Param("job_id"))
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func handleReconcile(m *services.Maintenance) gin.HandlerFunc {
	return func(c *gin.Context) {
		apply := c.Query("apply") == "true"

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		report, err := m.ReconcileOrphans(ctx, middleware.GetTenantID(c), apply)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
