package models

import (
	"time"
)

// AssetType is the kind of a SourceAsset
type AssetType string

const (
	AssetTypeImage   AssetType = "image"
	AssetTypeVideo   AssetType = "video"
	AssetTypePDF     AssetType = "pdf"
	AssetTypeSlide   AssetType = "slide"
	AssetTypeChart   AssetType = "chart"
	AssetTypeGIF     AssetType = "gif"
	AssetTypeWebsite AssetType = "website"
)

// Valid reports whether t is a known asset type
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeImage, AssetTypeVideo, AssetTypePDF, AssetTypeSlide,
		AssetTypeChart, AssetTypeGIF, AssetTypeWebsite:
		return true
	}
	return false
}

// Renderable reports whether an asset of this type can be shown to a user as-is.
// PDFs and websites are containers and must be resolved or dropped.
func (t AssetType) Renderable() bool {
	switch t {
	case AssetTypeSlide, AssetTypeImage, AssetTypeChart, AssetTypeVideo, AssetTypeGIF:
		return true
	}
	return false
}

// Captionable reports whether the image processor accepts this type
func (t AssetType) Captionable() bool {
	switch t {
	case AssetTypeImage, AssetTypeChart, AssetTypeSlide, AssetTypeGIF:
		return true
	}
	return false
}

// SourceAsset is an uploaded, crawled or derived media unit
type SourceAsset struct {
	ID               string             `bson:"_id" json:"id"`
	TenantID         string             `bson:"tenant_id" json:"tenant_id"`
	Type             AssetType          `bson:"type" json:"type"`
	URL              string             `bson:"url" json:"url"`
	Title            string             `bson:"title" json:"title"`
	Description      string             `bson:"description,omitempty" json:"description,omitempty"`
	ProcessingStatus string             `bson:"processing_status" json:"processing_status"`
	ParentAssetID    string             `bson:"parent_asset_id,omitempty" json:"parent_asset_id,omitempty"`
	PageNumber       int                `bson:"page_number,omitempty" json:"page_number,omitempty"`
	ExtractedText    string             `bson:"extracted_text,omitempty" json:"extracted_text,omitempty"`
	Transcript       string             `bson:"transcript,omitempty" json:"transcript,omitempty"`
	FrameAnalysis    []FrameDescription `bson:"frame_analysis,omitempty" json:"frame_analysis,omitempty"`
	Metadata         AssetMetadata      `bson:"metadata" json:"metadata"`
	CreatedAt        time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time          `bson:"updated_at" json:"updated_at"`
	ProcessedAt      *time.Time         `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// FrameDescription is the caption of one sampled video frame
type FrameDescription struct {
	Timestamp   float64 `bson:"timestamp" json:"timestamp"`
	Description string  `bson:"description" json:"description"`
	FrameURL    string  `bson:"frame_url,omitempty" json:"frameUrl,omitempty"`
}

// AssetMetadata holds one typed section per asset kind. Only the section
// matching the asset type is populated; Extra carries free-form provenance.
type AssetMetadata struct {
	PDF     *PDFMetadata      `bson:"pdf,omitempty" json:"pdf,omitempty"`
	Slide   *SlideMetadata    `bson:"slide,omitempty" json:"slide,omitempty"`
	Video   *VideoMetadata    `bson:"video,omitempty" json:"video,omitempty"`
	Image   *ImageMetadata    `bson:"image,omitempty" json:"image,omitempty"`
	Website *WebsiteMetadata  `bson:"website,omitempty" json:"website,omitempty"`
	Error   *ProcessingError  `bson:"error,omitempty" json:"error,omitempty"`
	Extra   map[string]string `bson:"extra,omitempty" json:"extra,omitempty"`
}

type PDFMetadata struct {
	NumPages       int        `bson:"num_pages" json:"num_pages"`
	SlideAssetIDs  []string   `bson:"slide_asset_ids" json:"slide_asset_ids"`
	TextLength     int        `bson:"text_length" json:"text_length"`
	FailedPages    []int      `bson:"failed_pages,omitempty" json:"failed_pages,omitempty"`
	CaptionedPages []int      `bson:"captioned_pages,omitempty" json:"captioned_pages,omitempty"`
	ExtractedAt    *time.Time `bson:"extracted_at,omitempty" json:"extracted_at,omitempty"`
}

type SlideMetadata struct {
	ParentTitle string `bson:"parent_title" json:"parent_title"`
	Width       int    `bson:"width,omitempty" json:"width,omitempty"`
	Height      int    `bson:"height,omitempty" json:"height,omitempty"`
	HasImages   bool   `bson:"has_images" json:"has_images"`
	TextLength  int    `bson:"text_length" json:"text_length"`
}

type VideoMetadata struct {
	DurationSeconds float64 `bson:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	SegmentCount    int     `bson:"segment_count" json:"segment_count"`
	FramesExtracted int     `bson:"frames_extracted" json:"frames_extracted"`
	FramesCaptioned int     `bson:"frames_captioned" json:"frames_captioned"`
}

type ImageMetadata struct {
	CaptionConfidence float64 `bson:"caption_confidence,omitempty" json:"caption_confidence,omitempty"`
	WebsiteSourceID   string  `bson:"website_source_id,omitempty" json:"website_source_id,omitempty"`
	WebsiteURL        string  `bson:"website_url,omitempty" json:"website_url,omitempty"`
	Alt               string  `bson:"alt,omitempty" json:"alt,omitempty"`
}

type WebsiteMetadata struct {
	MaxPages         int        `bson:"max_pages,omitempty" json:"max_pages,omitempty"`
	MaxDepth         int        `bson:"max_depth,omitempty" json:"max_depth,omitempty"`
	IncludeImages    *bool      `bson:"include_images,omitempty" json:"include_images,omitempty"`
	AllowedDomains   []string   `bson:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	PagesProcessed   int        `bson:"pages_processed" json:"pages_processed"`
	PagesFailed      int        `bson:"pages_failed" json:"pages_failed"`
	ImagesCollected  int        `bson:"images_collected" json:"images_collected"`
	DocumentsCreated int        `bson:"documents_created" json:"documents_created"`
	LastCrawledAt    *time.Time `bson:"last_crawled_at,omitempty" json:"last_crawled_at,omitempty"`
}

// AssetCompletion is the result a processor writes when an asset completes
type AssetCompletion struct {
	ExtractedText string
	Transcript    string
	FrameAnalysis []FrameDescription
	Metadata      AssetMetadata
}

// Processing status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
