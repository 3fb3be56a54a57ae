package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"knowledge-engine/internal/store"
	"knowledge-engine/middleware"
	"knowledge-engine/models"
	"knowledge-engine/services"
	"knowledge-engine/utils"
)

type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

// AnswerResponse is the context block handed to the chat layer
type AnswerResponse struct {
	Answer   string                `json:"answer"`
	Results  []models.SearchResult `json:"results"`
	Visuals  []models.VisualAsset  `json:"visuals"`
	Metadata models.SearchMetadata `json:"metadata"`
}

func setupSearchRoutes(api *gin.RouterGroup, d Deps) {
	api.POST("/search", handleSearch(d.Search))
	api.GET("/answer", handleAnswer(d.Search))
	api.GET("/settings/search", handleGetSearchSettings(d.Search))
	api.PUT("/settings/search", handleUpdateSearchSettings(d.Store))
}

func handleSearch(search *services.HybridSearch) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", err.Error())
			return
		}

		resp, err := search.Search(c.Request.Context(), middleware.GetTenantID(c), req.Query, req.Limit)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleAnswer(search *services.HybridSearch) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				utils.RespondWithBadRequest(c, "limit must be an integer", nil)
				return
			}
			limit = n
		}

		resp, err := search.Search(c.Request.Context(), middleware.GetTenantID(c), c.Query("q"), limit)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, AnswerResponse{
			Answer:   services.Digest(resp),
			Results:  resp.Results,
			Visuals:  resp.Visuals,
			Metadata: resp.Metadata,
		})
	}
}

func handleGetSearchSettings(search *services.HybridSearch) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		settings, err := search.Settings(ctx, middleware.GetTenantID(c))
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

func handleUpdateSearchSettings(settings store.SettingsStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SearchSettings
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", err.Error())
			return
		}
		if !req.Strategy.Valid() {
			utils.RespondWithBadRequest(c, "Unknown strategy", gin.H{"strategy": req.Strategy})
			return
		}
		if req.ExternalWeight < 0 || req.ExternalWeight > 1 {
			utils.RespondWithBadRequest(c, "external_weight must be between 0 and 1", nil)
			return
		}
		if req.FallbackThreshold < 0 || req.FallbackThreshold > 1 {
			utils.RespondWithBadRequest(c, "fallback_threshold must be between 0 and 1", nil)
			return
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		if err := settings.SaveSearchSettings(ctx, middleware.GetTenantID(c), req); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}
