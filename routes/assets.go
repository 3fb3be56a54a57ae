package routes

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/middleware"
	"knowledge-engine/models"
	"knowledge-engine/services"
	"knowledge-engine/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CreateAssetRequest registers an asset that already lives at a URL
type CreateAssetRequest struct {
	Type        models.AssetType        `json:"type" binding:"required"`
	URL         string                  `json:"url" binding:"required"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Website     *models.WebsiteMetadata `json:"website,omitempty"`
	Extra       map[string]string       `json:"extra,omitempty"`
	// Process defaults to true
	Process *bool             `json:"process,omitempty"`
	Options models.JobOptions `json:"options"`
}

type CreateAssetResponse struct {
	Asset    *models.SourceAsset `json:"asset"`
	JobID    string              `json:"job_id,omitempty"`
	JobError string              `json:"job_error,omitempty"`
}

type ProcessPendingRequest struct {
	Type    models.AssetType  `json:"type" binding:"required"`
	Options models.JobOptions `json:"options"`
}

func setupAssetRoutes(api *gin.RouterGroup, d Deps) {
	assets := api.Group("/assets")
	{
		assets.POST("", handleCreateAsset(d))
		assets.GET("", handleListAssets(d.Store))
		assets.GET("/export", handleExportAssets(d.Store))
		assets.POST("/process-pending", handleProcessPending(d.Maintenance))
		assets.GET("/:asset_id", handleGetAsset(d.Store))
		assets.POST("/:asset_id/process", handleProcessAsset(d.Jobs))
		assets.POST("/:asset_id/reset", handleResetAsset(d.Maintenance))
	}
}

// handleCreateAsset accepts either a JSON body naming a URL or a multipart
// upload in the "file" field, stores the asset as pending and queues it
func handleCreateAsset(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := middleware.GetTenantID(c)

		var (
			asset   *models.SourceAsset
			process = true
			opts    models.JobOptions
		)
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			a, ok := uploadAsset(c, d, tenantID)
			if !ok {
				return
			}
			asset = a
			process = c.PostForm("process") != "false"
			opts.ForceReindex = c.PostForm("force_reindex") == "true"
		} else {
			var req CreateAssetRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				utils.RespondWithBadRequest(c, "Invalid request body", err.Error())
				return
			}
			if err := validateAssetRequest(&req); err != nil {
				utils.RespondWithBadRequest(c, err.Error(), nil)
				return
			}
			asset = &models.SourceAsset{
				Type:        req.Type,
				URL:         req.URL,
				Title:       req.Title,
				Description: req.Description,
				Metadata:    models.AssetMetadata{Website: req.Website, Extra: req.Extra},
			}
			if req.Process != nil {
				process = *req.Process
			}
			opts = req.Options
		}

		asset.ID = uuid.NewString()
		asset.TenantID = tenantID
		asset.ProcessingStatus = models.StatusPending
		if asset.Title == "" {
			asset.Title = asset.URL
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		if err := d.Store.CreateAsset(ctx, asset); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		logger.Info("Asset created", "tenant_id", tenantID, "asset_id", asset.ID, "type", asset.Type, "request_id", middleware.GetRequestID(c))

		resp := CreateAssetResponse{Asset: asset}
		if process && services.Processable(asset.Type) {
			jobID, err := d.Jobs.Enqueue(ctx, tenantID, asset.ID, asset.Type, opts)
			if err != nil {
				// the asset stays pending and is picked up by process-pending
				logger.Warn("Failed to enqueue new asset", "tenant_id", tenantID, "asset_id", asset.ID, "error", err)
				resp.JobError = err.Error()
			}
			resp.JobID = jobID
		}
		c.JSON(http.StatusCreated, resp)
	}
}

func validateAssetRequest(req *CreateAssetRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("unknown asset type %q", req.Type)
	}
	if req.Type == models.AssetTypeSlide {
		return fmt.Errorf("slides are created from PDFs and cannot be registered directly")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if req.Website != nil && req.Type != models.AssetTypeWebsite {
		return fmt.Errorf("website settings only apply to website assets")
	}
	return nil
}

// uploadAsset stores the multipart file and returns the unsaved asset. The
// type is detected from the content unless the form names one.
func uploadAsset(c *gin.Context, d Deps, tenantID string) (*models.SourceAsset, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		utils.RespondWithBadRequest(c, "No file uploaded", nil)
		return nil, false
	}
	if d.MaxFileSize > 0 && fileHeader.Size > d.MaxFileSize {
		utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large",
			fmt.Sprintf("File exceeds maximum size of %d bytes", d.MaxFileSize), nil)
		return nil, false
	}

	file, err := fileHeader.Open()
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to read upload", err.Error())
		return nil, false
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		utils.RespondWithBadRequest(c, "Failed to read upload", err.Error())
		return nil, false
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		utils.RespondWithInternalError(c, "Failed to read upload", err.Error())
		return nil, false
	}

	detected, ok := assetTypeFor(mtype)
	if !ok {
		utils.RespondWithBadRequest(c, fmt.Sprintf("Unsupported file type %s", mtype.String()), nil)
		return nil, false
	}
	assetType := detected
	if requested := models.AssetType(c.PostForm("type")); requested != "" {
		if !compatibleTypes(requested, detected) {
			utils.RespondWithBadRequest(c, fmt.Sprintf("File content is %s, not %s", detected, requested), nil)
			return nil, false
		}
		assetType = requested
	}

	name := uuid.NewString() + mtype.Extension()
	publicURL, err := d.Files.Save(tenantID, name, file)
	if err != nil {
		utils.RespondWithInternalError(c, "Failed to store upload", err.Error())
		return nil, false
	}

	title := c.PostForm("title")
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(fileHeader.Filename), filepath.Ext(fileHeader.Filename))
	}
	return &models.SourceAsset{
		Type:        assetType,
		URL:         publicURL,
		Title:       title,
		Description: c.PostForm("description"),
		Metadata: models.AssetMetadata{
			Extra: map[string]string{"original_filename": fileHeader.Filename, "mime_type": mtype.String()},
		},
	}, true
}

func assetTypeFor(mtype *mimetype.MIME) (models.AssetType, bool) {
	switch {
	case mtype.Is("application/pdf"):
		return models.AssetTypePDF, true
	case mtype.Is("image/gif"):
		return models.AssetTypeGIF, true
	case strings.HasPrefix(mtype.String(), "image/"):
		return models.AssetTypeImage, true
	case strings.HasPrefix(mtype.String(), "video/"):
		return models.AssetTypeVideo, true
	}
	return "", false
}

// compatibleTypes allows a caller to label an uploaded image as a chart
func compatibleTypes(requested, detected models.AssetType) bool {
	if requested == detected {
		return true
	}
	return requested != models.AssetTypeSlide && requested.Captionable() && detected.Captionable()
}

func handleListAssets(assets store.AssetStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.AssetFilter{
			Type:   models.AssetType(c.Query("type")),
			Status: c.Query("status"),
			Limit:  defaultListLimit,
		}
		if filter.Type != "" && !filter.Type.Valid() {
			utils.RespondWithBadRequest(c, fmt.Sprintf("Unknown asset type %q", filter.Type), nil)
			return
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				utils.RespondWithBadRequest(c, "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(limit, maxListLimit)
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		list, err := assets.ListAssets(ctx, middleware.GetTenantID(c), filter)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		if list == nil {
			list = []models.SourceAsset{}
		}
		c.JSON(http.StatusOK, gin.H{"assets": list, "count": len(list)})
	}
}

func handleGetAsset(assets store.AssetStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		asset, err := assets.GetAsset(ctx, middleware.GetTenantID(c), c.Param("asset_id"))
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, asset)
	}
}

// bindOptions reads optional job options; an empty body means defaults
func bindOptions(c *gin.Context) (models.JobOptions, bool) {
	var opts models.JobOptions
	if c.Request.ContentLength == 0 {
		return opts, true
	}
	if err := c.ShouldBindJSON(&opts); err != nil {
		utils.RespondWithBadRequest(c, "Invalid options", err.Error())
		return opts, false
	}
	return opts, true
}

func handleProcessAsset(jobs JobScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, ok := bindOptions(c)
		if !ok {
			return
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		jobID, err := jobs.Enqueue(ctx, middleware.GetTenantID(c), c.Param("asset_id"), "", opts)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": models.StatusPending})
	}
}

func handleResetAsset(m *services.Maintenance) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts, ok := bindOptions(c)
		if !ok {
			return
		}

		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		jobID, err := m.Reset(ctx, middleware.GetTenantID(c), c.Param("asset_id"), opts)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": models.StatusPending})
	}
}

func handleProcessPending(m *services.Maintenance) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProcessPendingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request body", err.Error())
			return
		}

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		report, err := m.EnqueuePending(ctx, middleware.GetTenantID(c), req.Type, req.Options)
		if err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, report)
	}
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func handleExportAssets(assets store.AssetStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := middleware.GetTenantID(c)

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		var buf bytes.Buffer
		if _, err := services.ExportInventory(ctx, assets, tenantID, &buf); err != nil {
			utils.RespondWithAppError(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-assets.xlsx"`, tenantID))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}
