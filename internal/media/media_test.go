package media

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledge-engine/models"
)

func writePNG(t *testing.T, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestStorageSaveAndLocalPath(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(dir, "/files/")

	url, err := s.Save("acme", "deck.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "/files/acme/deck.pdf", url)

	path, ok := s.LocalPath(url)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "acme", "deck.pdf"), path)

	_, ok = s.LocalPath("https://example.com/a.png")
	assert.False(t, ok)
}

func TestStorageLocalizeMissingFile(t *testing.T) {
	s := NewStorage(t.TempDir(), "/files")
	_, cleanup, err := s.Localize(context.Background(), "/files/acme/missing.pdf", t.TempDir())
	defer cleanup()
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStorageReadRemote(t *testing.T) {
	dir := t.TempDir()
	pngBytes := writePNG(t, filepath.Join(dir, "dot.png"), 4, 3)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(pngBytes)
	}))
	defer srv.Close()

	s := NewStorage(dir, "/files")
	data, mime, err := s.Read(context.Background(), srv.URL+"/dot.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, pngBytes, data)

	_, _, err = s.Read(context.Background(), srv.URL+"/gone.png")
	assert.ErrorIs(t, err, models.ErrNotFound)

	path, cleanup, err := s.Localize(context.Background(), srv.URL+"/dot.png", dir)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
	cleanup()
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestImageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slide.png")
	writePNG(t, path, 16, 9)
	w, h, err := ImageSize(path)
	require.NoError(t, err)
	assert.Equal(t, 16, w)
	assert.Equal(t, 9, h)
}

func TestOpenPDFMissing(t *testing.T) {
	_, err := OpenPDF(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRenderPageRequiresPoppler(t *testing.T) {
	r := NewPopplerRenderer(72)
	if r.Available() {
		t.Skip("pdftoppm installed; covered by processor integration runs")
	}
	_, err := r.RenderPage(context.Background(), "x.pdf", 1, t.TempDir())
	assert.ErrorIs(t, err, models.ErrExtractionFailure)
}
