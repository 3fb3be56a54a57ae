package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/models"
)

const videoURL = "/files/acme/demo.mp4"

func TestFrameTimestamps(t *testing.T) {
	assert.Equal(t, []float64{0, 10, 20, 30}, FrameTimestamps(35, 10*time.Second, 30))
	assert.Equal(t, []float64{0}, FrameTimestamps(4, 10*time.Second, 30))
	assert.Len(t, FrameTimestamps(3600, 10*time.Second, 30), 30)
	assert.Nil(t, FrameTimestamps(0, 10*time.Second, 30))
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "0:00", FormatTimestamp(0))
	assert.Equal(t, "1:05", FormatTimestamp(65.7))
	assert.Equal(t, "12:00", FormatTimestamp(720))
}

func TestInterleaveTranscript(t *testing.T) {
	tr := &models.Transcript{Segments: []models.TranscriptSegment{
		{Start: 0, End: 9, Text: "Welcome to the demo"},
		{Start: 10, End: 18, Text: "Here is the dashboard"},
	}}
	frames := []models.FrameDescription{
		{Timestamp: 10, Description: "A dashboard with three charts"},
		{Timestamp: 0, Description: "Title slide"},
	}
	want := "[0:00] Audio: Welcome to the demo\n" +
		"[0:00] Visual: Title slide\n" +
		"[0:10] Audio: Here is the dashboard\n" +
		"[0:10] Visual: A dashboard with three charts"
	assert.Equal(t, want, InterleaveTranscript(tr, frames))
}

type videoFixture struct {
	store     *memstore.Store
	video     *fakeVideo
	captioner *fakeCaptioner
	trans     *fakeTranscriber
	pipeline  *Pipeline
}

func newVideoFixture(t *testing.T) *videoFixture {
	t.Helper()
	st := memstore.New()
	f := &videoFixture{
		store:     st,
		video:     &fakeVideo{duration: 35},
		captioner: &fakeCaptioner{},
		trans: &fakeTranscriber{transcript: &models.Transcript{
			Text: "Welcome. Here is the dashboard.",
			Segments: []models.TranscriptSegment{
				{Start: 0, End: 9, Text: "Welcome."},
				{Start: 9, End: 25, Text: "Here is the dashboard."},
			},
		}},
	}
	ingestor := NewIngestor(&fakeEmbedder{}, st, 100, 20)
	p := NewVideoProcessor(st, ingestor, f.trans, f.captioner, f.video, newFakeStorage(t.TempDir(), videoURL), nil)
	p.TempDir = t.TempDir()

	f.pipeline = NewPipeline(st, nil)
	f.pipeline.Register(p, models.AssetTypeVideo)

	require.NoError(t, st.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "vid-1", TenantID: testTenant, Type: models.AssetTypeVideo, URL: videoURL, Title: "Demo",
	}))
	return f
}

func TestVideo_CaptionsFramesWithSpeechContext(t *testing.T) {
	f := newVideoFixture(t)
	require.NoError(t, f.pipeline.Run(context.Background(), testTenant, "vid-1", models.JobOptions{}, nil))

	asset, err := f.store.GetAsset(context.Background(), testTenant, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, asset.ProcessingStatus)
	require.Len(t, asset.FrameAnalysis, 4)
	assert.Equal(t, videoURL+"#t=20", asset.FrameAnalysis[2].FrameURL)
	assert.Contains(t, f.captioner.prompts[1], "Here is the dashboard.")
	assert.NotContains(t, f.captioner.prompts[3], "narration", "no speech overlaps 30s")

	docs := f.store.Documents(testTenant)
	require.Len(t, docs, 1)
	assert.Equal(t, models.SourceVideoTranscript, docs[0].Source)
	assert.Equal(t, "vid-1", docs[0].GroundingAssetID)
	assert.Contains(t, docs[0].Content, "[0:09] Audio: Here is the dashboard.")
	assert.Contains(t, docs[0].Content, "[0:10] Visual:")
}

func TestVideo_FrameFailuresSkippedAndFilesRemoved(t *testing.T) {
	f := newVideoFixture(t)
	f.video.failFrame = map[float64]bool{10: true}
	f.captioner.failOn = map[int]bool{2: true}
	// every earlier frame file must be gone by the time the next is captioned
	f.captioner.before = func() error {
		for _, p := range f.video.frames[:len(f.video.frames)-1] {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("frame %s still on disk", p)
			}
		}
		return nil
	}

	require.NoError(t, f.pipeline.Run(context.Background(), testTenant, "vid-1", models.JobOptions{}, nil))

	asset, err := f.store.GetAsset(context.Background(), testTenant, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, asset.ProcessingStatus)
	assert.Equal(t, 3, asset.Metadata.Video.FramesExtracted)
	assert.Equal(t, 2, asset.Metadata.Video.FramesCaptioned)
	for _, p := range f.video.frames {
		assert.NoFileExists(t, p)
	}
}

func TestVideo_TranscriptionFailureIsFatal(t *testing.T) {
	f := newVideoFixture(t)
	f.trans.err = fmt.Errorf("speech api down")

	err := f.pipeline.Run(context.Background(), testTenant, "vid-1", models.JobOptions{}, nil)
	assert.ErrorIs(t, err, models.ErrExternalService)

	asset, err := f.store.GetAsset(context.Background(), testTenant, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, asset.ProcessingStatus)
	assert.Equal(t, models.KindExternalService, asset.Metadata.Error.Kind)
	assert.Zero(t, f.captioner.calls)
	assert.Empty(t, f.store.Documents(testTenant))
}

func TestVideo_ForceReindex(t *testing.T) {
	f := newVideoFixture(t)
	ctx := context.Background()
	require.NoError(t, f.pipeline.Run(ctx, testTenant, "vid-1", models.JobOptions{}, nil))
	require.NoError(t, f.pipeline.Run(ctx, testTenant, "vid-1", models.JobOptions{ForceReindex: true}, nil))
	assert.Len(t, f.store.Documents(testTenant), 1)
}
