package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/internal/store/memstore"
	"knowledge-engine/models"
)

const imageURL = "/files/acme/chart.png"

func newImageFixture(t *testing.T, captioner *fakeCaptioner) (*memstore.Store, *Pipeline) {
	t.Helper()
	st := memstore.New()
	p := NewImageProcessor(st, NewIngestor(&fakeEmbedder{}, st, 100, 20), captioner, newFakeStorage(t.TempDir(), imageURL), nil)
	pl := NewPipeline(st, nil)
	pl.Register(p, models.AssetTypeImage, models.AssetTypeChart)

	require.NoError(t, st.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "img-1", TenantID: testTenant, Type: models.AssetTypeChart, URL: imageURL, Title: "Revenue",
	}))
	return st, pl
}

func TestCaptionConfidence(t *testing.T) {
	assert.Equal(t, HighConfidence, CaptionConfidence(strings.Repeat("a", 100)))
	assert.Equal(t, LowConfidence, CaptionConfidence(strings.Repeat("a", 99)))
}

func TestImage_CaptionIngested(t *testing.T) {
	caption := "A line chart showing monthly revenue rising from 10k in January to 45k in June, with a dip in March labelled 'outage'."
	st, pl := newImageFixture(t, &fakeCaptioner{caption: caption})

	require.NoError(t, pl.Run(context.Background(), testTenant, "img-1", models.JobOptions{}, nil))

	asset, err := st.GetAsset(context.Background(), testTenant, "img-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, asset.ProcessingStatus)
	assert.Equal(t, caption, asset.ExtractedText)
	assert.Equal(t, HighConfidence, asset.Metadata.Image.CaptionConfidence)

	docs := st.Documents(testTenant)
	require.Len(t, docs, 1)
	assert.Equal(t, models.SourceOCR, docs[0].Source)
	assert.Equal(t, "img-1", docs[0].GroundingAssetID)
}

func TestImage_CaptionErrorIsFatal(t *testing.T) {
	st, pl := newImageFixture(t, &fakeCaptioner{failOn: map[int]bool{1: true}})

	err := pl.Run(context.Background(), testTenant, "img-1", models.JobOptions{}, nil)
	require.Error(t, err)

	asset, err := st.GetAsset(context.Background(), testTenant, "img-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, asset.ProcessingStatus)
	assert.Equal(t, models.KindExternalService, asset.Metadata.Error.Kind)
	assert.Empty(t, st.Documents(testTenant))
}

func TestImage_UnregisteredTypeFails(t *testing.T) {
	st, pl := newImageFixture(t, &fakeCaptioner{})
	require.NoError(t, st.CreateAsset(context.Background(), &models.SourceAsset{
		ID: "gif-1", TenantID: testTenant, Type: models.AssetTypeGIF, URL: imageURL,
	}))

	err := pl.Run(context.Background(), testTenant, "gif-1", models.JobOptions{}, nil)
	assert.ErrorIs(t, err, models.ErrUnsupportedType)

	asset, err := st.GetAsset(context.Background(), testTenant, "gif-1")
	require.NoError(t, err)
	assert.Equal(t, models.KindUnsupportedType, asset.Metadata.Error.Kind)
}
