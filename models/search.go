package models

// SearchStrategy selects how the internal and external backends combine
type SearchStrategy string

const (
	StrategyInternalOnly SearchStrategy = "internal-only"
	StrategyExternalOnly SearchStrategy = "external-only"
	StrategyFallback     SearchStrategy = "fallback"
	StrategyParallel     SearchStrategy = "parallel"
	StrategySmart        SearchStrategy = "smart"
)

// Valid reports whether s is a known strategy
func (s SearchStrategy) Valid() bool {
	switch s {
	case StrategyInternalOnly, StrategyExternalOnly, StrategyFallback, StrategyParallel, StrategySmart:
		return true
	}
	return false
}

// Result sources
const (
	ResultSourceInternal = "internal"
	ResultSourceExternal = "external"
)

// SearchSettings is the per-tenant hybrid search configuration
type SearchSettings struct {
	Strategy          SearchStrategy `bson:"strategy" json:"strategy"`
	ExternalEnabled   bool           `bson:"external_enabled" json:"external_enabled"`
	ExternalWeight    float64        `bson:"external_weight" json:"external_weight"`
	FallbackThreshold float64        `bson:"fallback_threshold" json:"fallback_threshold"`
	KnowledgeBaseID   string         `bson:"knowledge_base_id,omitempty" json:"knowledge_base_id,omitempty"`
}

// SearchResult is one ranked text hit
type SearchResult struct {
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	Source       string  `json:"source"`
	DocumentID   string  `json:"documentId,omitempty"`
	MediaAssetID string  `json:"mediaAssetId,omitempty"`
	PageNumber   int     `json:"pageNumber,omitempty"`

	// Fingerprint is the cached content hash used for deduplication
	Fingerprint string `json:"-"`
}

// VisualAsset is a renderable asset shown alongside results
type VisualAsset struct {
	ID          string    `json:"id"`
	Type        AssetType `json:"type"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	PageNumber  int       `json:"pageNumber,omitempty"`
	Score       float64   `json:"score"`
}

// SearchMetadata describes how a response was produced
type SearchMetadata struct {
	Strategy        string `json:"strategy"`
	InternalResults int    `json:"internal_results"`
	ExternalResults int    `json:"external_results"`
	LatencyMs       int64  `json:"latency_ms"`
}

// SearchResponse is the full hybrid search output
type SearchResponse struct {
	Results  []SearchResult `json:"results"`
	Visuals  []VisualAsset  `json:"visuals"`
	Metadata SearchMetadata `json:"metadata"`
}
