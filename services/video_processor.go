package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"knowledge-engine/internal/logger"
	"knowledge-engine/internal/store"
	"knowledge-engine/internal/telemetry"
	"knowledge-engine/models"
)

// Keyframe sampling defaults
const (
	DefaultFrameInterval = 10 * time.Second
	DefaultMaxFrames     = 30
)

// VideoProcessor transcribes a video, captions sampled keyframes with the
// speech around them as context and ingests both as one chronological text.
type VideoProcessor struct {
	docs        store.DocumentStore
	ingestor    *Ingestor
	transcriber Transcriber
	captioner   Captioner
	video       VideoTool
	storage     MediaStorage
	metrics     *telemetry.Metrics

	FrameInterval time.Duration
	MaxFrames     int
	TempDir       string
}

func NewVideoProcessor(docs store.DocumentStore, ingestor *Ingestor, transcriber Transcriber, captioner Captioner, video VideoTool, storage MediaStorage, metrics *telemetry.Metrics) *VideoProcessor {
	return &VideoProcessor{
		docs:          docs,
		ingestor:      ingestor,
		transcriber:   transcriber,
		captioner:     captioner,
		video:         video,
		storage:       storage,
		metrics:       metrics,
		FrameInterval: DefaultFrameInterval,
		MaxFrames:     DefaultMaxFrames,
		TempDir:       os.TempDir(),
	}
}

// FrameTimestamps returns the sampling points 0, interval, 2*interval, ...
// strictly before duration, at most maxFrames of them
func FrameTimestamps(duration float64, interval time.Duration, maxFrames int) []float64 {
	step := interval.Seconds()
	if duration <= 0 || step <= 0 || maxFrames <= 0 {
		return nil
	}
	var out []float64
	for t := 0.0; t < duration && len(out) < maxFrames; t += step {
		out = append(out, t)
	}
	return out
}

// FormatTimestamp renders seconds as m:ss
func FormatTimestamp(seconds float64) string {
	total := int(math.Floor(seconds))
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// InterleaveTranscript merges transcript segments and frame captions into
// one chronological text. Speech sorts before a caption at the same second.
func InterleaveTranscript(tr *models.Transcript, frames []models.FrameDescription) string {
	type line struct {
		at    float64
		order int
		text  string
	}
	var lines []line
	if tr != nil {
		for _, s := range tr.Segments {
			if text := strings.TrimSpace(s.Text); text != "" {
				lines = append(lines, line{s.Start, 0, fmt.Sprintf("[%s] Audio: %s", FormatTimestamp(s.Start), text)})
			}
		}
		if len(tr.Segments) == 0 && strings.TrimSpace(tr.Text) != "" {
			lines = append(lines, line{0, 0, fmt.Sprintf("[%s] Audio: %s", FormatTimestamp(0), strings.TrimSpace(tr.Text))})
		}
	}
	for _, f := range frames {
		lines = append(lines, line{f.Timestamp, 1, fmt.Sprintf("[%s] Visual: %s", FormatTimestamp(f.Timestamp), f.Description)})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].at != lines[j].at {
			return lines[i].at < lines[j].at
		}
		return lines[i].order < lines[j].order
	})

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return strings.Join(out, "\n")
}

func framePrompt(at float64, speech string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Describe what is shown in this video frame at %s.", FormatTimestamp(at))
	if speech != "" {
		fmt.Fprintf(&b, " The narration at this moment says: %q.", speech)
	}
	b.WriteString(" Focus on UI elements, data shown, user actions and visual design. Two or three sentences.")
	return b.String()
}

func (p *VideoProcessor) Process(ctx context.Context, asset *models.SourceAsset, opts models.JobOptions, progress ProgressFunc) (*models.AssetCompletion, error) {
	if asset.Type != models.AssetTypeVideo {
		return nil, fmt.Errorf("video processor got %q: %w", asset.Type, models.ErrUnsupportedType)
	}
	log := logger.With("tenant_id", asset.TenantID, "asset_id", asset.ID)

	videoPath, cleanup, err := p.storage.Localize(ctx, asset.URL, p.TempDir)
	if err != nil {
		return nil, fmt.Errorf("video source %s: %w", asset.URL, err)
	}
	defer cleanup()

	workDir, err := os.MkdirTemp(p.TempDir, "video-*")
	if err != nil {
		return nil, fmt.Errorf("video workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	if opts.ForceReindex {
		if _, err := p.docs.DeleteDocumentsBySource(ctx, asset.TenantID, asset.ID); err != nil {
			return nil, fmt.Errorf("force reindex: %w", err)
		}
	}

	// transcription failures are fatal
	audioPath := filepath.Join(workDir, "audio.mp3")
	if err := p.video.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return nil, fmt.Errorf("extract audio: %w", err)
	}
	transcript, err := p.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		if !errors.Is(err, models.ErrExternalService) {
			err = fmt.Errorf("%w: %v", models.ErrExternalService, err)
		}
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if transcript == nil {
		transcript = &models.Transcript{}
	}
	_ = os.Remove(audioPath)
	progress(30)

	duration, err := p.video.Duration(ctx, videoPath)
	if err != nil {
		log.Warn("Video duration unavailable, using transcript length", "error", err)
		duration = 0
		for _, s := range transcript.Segments {
			duration = math.Max(duration, s.End)
		}
	}

	timestamps := FrameTimestamps(duration, p.FrameInterval, p.MaxFrames)
	frames := make([]models.FrameDescription, 0, len(timestamps))
	extracted := 0
	for i, at := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, ok, err := p.describeFrame(ctx, videoPath, workDir, i, at, transcript.SegmentAt(at))
		if ok {
			extracted++
		}
		if err != nil {
			p.metrics.RecordUnitFailure("video")
			log.Warn("Frame skipped", "frame", i, "at", at, "kind", models.KindPartialUnitFailure, "error", err)
		} else {
			frames = append(frames, models.FrameDescription{
				Timestamp:   at,
				Description: desc,
				FrameURL:    fmt.Sprintf("%s#t=%d", asset.URL, int(at)),
			})
		}
		progress(30 + 60*(i+1)/len(timestamps))
	}

	text := InterleaveTranscript(transcript, frames)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("video %s has no speech and no captioned frames: %w", asset.ID, models.ErrExtractionFailure)
	}
	if _, err := p.ingestor.Ingest(ctx, IngestRequest{
		TenantID:         asset.TenantID,
		Title:            asset.Title,
		Source:           models.SourceVideoTranscript,
		Text:             text,
		SourceAssetID:    asset.ID,
		GroundingAssetID: asset.ID,
		SourceType:       string(models.AssetTypeVideo),
	}); err != nil {
		return nil, fmt.Errorf("ingest video: %w", err)
	}
	progress(100)

	log.Info("Video processed", "segments", len(transcript.Segments), "frames", extracted, "captioned", len(frames))
	return &models.AssetCompletion{
		ExtractedText: text,
		Transcript:    transcript.Text,
		FrameAnalysis: frames,
		Metadata: models.AssetMetadata{
			Video: &models.VideoMetadata{
				DurationSeconds: duration,
				SegmentCount:    len(transcript.Segments),
				FramesExtracted: extracted,
				FramesCaptioned: len(frames),
			},
			Extra: asset.Metadata.Extra,
		},
	}, nil
}

// describeFrame extracts and captions one frame. The frame file is removed
// before it returns whatever the outcome. extracted reports whether the
// frame image was produced.
func (p *VideoProcessor) describeFrame(ctx context.Context, videoPath, workDir string, i int, at float64, speech string) (desc string, extracted bool, err error) {
	framePath := filepath.Join(workDir, fmt.Sprintf("frame-%03d.jpg", i))
	defer os.Remove(framePath)

	if err := p.video.ExtractFrame(ctx, videoPath, at, framePath); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(framePath)
	if err != nil {
		return "", false, err
	}

	p.metrics.RecordCaption("video")
	desc, err = p.captioner.Caption(ctx, data, "image/jpeg", framePrompt(at, speech))
	if err != nil {
		return "", true, err
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", true, fmt.Errorf("empty caption")
	}
	return desc, true, nil
}
