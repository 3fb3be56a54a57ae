package models

import "time"

// Document sources
const (
	SourcePDFExtract      = "pdf_extract"
	SourcePDFPageExtract  = "pdf_page_extract"
	SourceOCR             = "ocr"
	SourceVideoTranscript = "video_transcript"
	SourceWebsitePage     = "website_page"
)

// Document is one ingested text unit: a whole PDF, one PDF page, one video,
// one image caption or one crawled page.
type Document struct {
	ID       string `bson:"_id" json:"id"`
	TenantID string `bson:"tenant_id" json:"tenant_id"`
	Title    string `bson:"title" json:"title"`
	Source   string `bson:"source" json:"source"`
	Content  string `bson:"content" json:"content"`
	// SourceAssetID is the asset whose job produced this document. Force
	// reindex deletes by this field.
	SourceAssetID    string    `bson:"source_asset_id" json:"source_asset_id"`
	GroundingAssetID string    `bson:"grounding_asset_id,omitempty" json:"grounding_asset_id,omitempty"`
	PageNumber       int       `bson:"page_number,omitempty" json:"page_number,omitempty"`
	URL              string    `bson:"url,omitempty" json:"url,omitempty"`
	HeadingsPath     []string  `bson:"headings_path,omitempty" json:"headings_path,omitempty"`
	ChunkCount       int       `bson:"chunk_count" json:"chunk_count"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
}

// Chunk is an overlapping word window of a Document with its embedding
type Chunk struct {
	ID         string        `bson:"_id" json:"id"`
	TenantID   string        `bson:"tenant_id" json:"tenant_id"`
	DocumentID string        `bson:"document_id" json:"document_id"`
	Index      int           `bson:"index" json:"index"`
	Content    string        `bson:"content" json:"content"`
	Embedding  []float32     `bson:"embedding" json:"-"`
	Metadata   ChunkMetadata `bson:"metadata" json:"metadata"`
	CreatedAt  time.Time     `bson:"created_at" json:"created_at"`
}

// ChunkMetadata carries the visual grounding of a chunk
type ChunkMetadata struct {
	GroundingAssetID string   `bson:"grounding_asset_id,omitempty" json:"grounding_asset_id,omitempty"`
	PageNumber       int      `bson:"page_number,omitempty" json:"page_number,omitempty"`
	ImageAssetIDs    []string `bson:"image_asset_ids,omitempty" json:"image_asset_ids,omitempty"`
	URL              string   `bson:"url,omitempty" json:"url,omitempty"`
	HeadingsPath     []string `bson:"headings_path,omitempty" json:"headings_path,omitempty"`
	SourceType       string   `bson:"source_type,omitempty" json:"source_type,omitempty"`
}
