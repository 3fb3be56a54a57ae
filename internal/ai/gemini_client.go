package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"knowledge-engine/internal/config"
	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

// maxEmbedBatch is the largest batch the embedding endpoint accepts
const maxEmbedBatch = 100

// inlineAudioLimit is the largest audio payload sent inline; bigger files go
// through the File API
const inlineAudioLimit = 18 << 20

type GeminiClient struct {
	breaker        *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	client         *genai.Client
	embeddingModel string
	visionModel    string
	tier           string
}

type RateLimits struct {
	RPM int // Requests per minute
	RPD int // Requests per day
}

func NewGeminiClient(cfg *config.Config, metrics *telemetry.Metrics) (*GeminiClient, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	// Configure rate limits based on tier
	limits := getRateLimits(cfg.GeminiTier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState("gemini", to.String())
		},
	})

	// RPM limit with some buffer
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)

	return &GeminiClient{
		breaker:        breaker,
		rateLimiter:    rateLimiter,
		client:         client,
		embeddingModel: cfg.EmbeddingModel,
		visionModel:    cfg.VisionModel,
		tier:           cfg.GeminiTier,
	}, nil
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "tier1":
		return RateLimits{RPM: 1000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, RPD: 50000}
	default:
		return RateLimits{RPM: 15, RPD: 1500}
	}
}

// call runs fn behind the rate limiter and the breaker and tags the error
// with models.ErrExternalService
func (gc *GeminiClient) call(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := gc.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("gemini rate limiter: %v: %w", err, models.ErrExternalService)
	}
	result, err := gc.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("gemini unavailable (circuit open): %w", models.ErrExternalService)
		}
		return nil, fmt.Errorf("gemini: %v: %w", err, models.ErrExternalService)
	}
	return result, nil
}

// EmbedBatch embeds texts in order, splitting into API-sized batches. Any
// failed batch fails the whole call.
func (gc *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.embed_batch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gemini.texts", len(texts)),
		attribute.String("gemini.model", gc.embeddingModel),
	)

	vectors := make([][]float32, 0, len(texts))
	em := gc.client.EmbeddingModel(gc.embeddingModel)

	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		result, err := gc.call(ctx, func() (interface{}, error) {
			return em.BatchEmbedContents(ctx, batch)
		})
		if err != nil {
			span.SetAttributes(attribute.Bool("gemini.error", true))
			return nil, err
		}
		resp := result.(*genai.BatchEmbedContentsResponse)
		if len(resp.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d texts: %w", len(resp.Embeddings), end-start, models.ErrExternalService)
		}
		for _, e := range resp.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("gemini returned an empty embedding: %w", models.ErrExternalService)
			}
			vectors = append(vectors, e.Values)
		}
	}

	return vectors, nil
}

// EmbedQuery embeds a single search query
func (gc *GeminiClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.embed_query")
	defer span.End()

	em := gc.client.EmbeddingModel(gc.embeddingModel)
	em.TaskType = genai.TaskTypeRetrievalQuery
	result, err := gc.call(ctx, func() (interface{}, error) {
		return em.EmbedContent(ctx, genai.Text(text))
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*genai.EmbedContentResponse)
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding returned: %w", models.ErrExternalService)
	}
	return resp.Embedding.Values, nil
}

// Caption describes an image. mimeType is a full MIME type such as image/png.
func (gc *GeminiClient) Caption(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.caption")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gemini.image_bytes", len(image)),
		attribute.String("gemini.model", gc.visionModel),
	)

	format := strings.TrimPrefix(mimeType, "image/")
	result, err := gc.call(ctx, func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.visionModel)
		model.SetTemperature(0.2)
		model.SetMaxOutputTokens(2048)
		return model.GenerateContent(ctx, genai.ImageData(format, image), genai.Text(prompt))
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return "", err
	}

	return strings.TrimSpace(responseText(result.(*genai.GenerateContentResponse))), nil
}

const transcribePrompt = `Transcribe the speech in this audio recording.
Respond with JSON only, in the form {"segments":[{"start":0.0,"end":4.2,"text":"..."}]}
where start and end are offsets in seconds. Return {"segments":[]} if there is no speech.`

// Transcribe converts an audio file into time-coded segments
func (gc *GeminiClient) Transcribe(ctx context.Context, audioPath string) (*models.Transcript, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.transcribe")
	defer span.End()

	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	mimeType := audioMIMEType(audioPath)
	span.SetAttributes(attribute.Int("gemini.audio_bytes", len(data)))

	var audio genai.Part = genai.Blob{MIMEType: mimeType, Data: data}
	if len(data) > inlineAudioLimit {
		file, err := gc.uploadAndWait(ctx, data, mimeType)
		if err != nil {
			return nil, err
		}
		defer func() {
			if derr := gc.client.DeleteFile(context.Background(), file.Name); derr != nil {
				logger.Warn("Failed to delete uploaded audio", "file", file.Name, "error", derr)
			}
		}()
		audio = genai.FileData{MIMEType: file.MIMEType, URI: file.URI}
	}

	result, err := gc.call(ctx, func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.visionModel)
		model.SetTemperature(0)
		model.ResponseMIMEType = "application/json"
		return model.GenerateContent(ctx, audio, genai.Text(transcribePrompt))
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, err
	}

	transcript, err := ParseTranscript(responseText(result.(*genai.GenerateContentResponse)))
	if err != nil {
		return nil, fmt.Errorf("transcription response: %v: %w", err, models.ErrExternalService)
	}
	span.SetAttributes(attribute.Int("gemini.segments", len(transcript.Segments)))
	return transcript, nil
}

func (gc *GeminiClient) uploadAndWait(ctx context.Context, data []byte, mimeType string) (*genai.File, error) {
	file, err := gc.client.UploadFile(ctx, "", bytes.NewReader(data), &genai.UploadFileOptions{MIMEType: mimeType})
	if err != nil {
		return nil, fmt.Errorf("upload audio: %v: %w", err, models.ErrExternalService)
	}
	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		if file, err = gc.client.GetFile(ctx, file.Name); err != nil {
			return nil, fmt.Errorf("poll audio upload: %v: %w", err, models.ErrExternalService)
		}
	}
	if file.State != genai.FileStateActive {
		return nil, fmt.Errorf("uploaded audio in state %v: %w", file.State, models.ErrExternalService)
	}
	return file, nil
}

// ParseTranscript decodes the JSON transcript format requested from the model.
// Code fences around the JSON are tolerated.
func ParseTranscript(raw string) (*models.Transcript, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var payload struct {
		Segments []models.TranscriptSegment `json:"segments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return nil, err
	}

	tr := &models.Transcript{}
	texts := make([]string, 0, len(payload.Segments))
	for _, s := range payload.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		tr.Segments = append(tr.Segments, s)
		texts = append(texts, s.Text)
	}
	tr.Text = strings.Join(texts, " ")
	return tr, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	return sb.String()
}

func audioMIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".m4a", ".aac":
		return "audio/aac"
	default:
		return "audio/mp3"
	}
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}
