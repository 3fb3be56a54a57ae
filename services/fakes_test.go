package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"knowledge-engine/models"
)

const testTenant = "acme"

var errBoom = errors.New("boom")

// fakeEmbedder maps text to a bag-of-words vector so similar texts score high
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func wordVector(text string) []float32 {
	v := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%32]++
	}
	return v
}

func (e *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.fail {
		return nil, fmt.Errorf("embedding quota: %w", models.ErrExternalService)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = wordVector(t)
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedding quota: %w", models.ErrExternalService)
	}
	return wordVector(text), nil
}

// fakeCaptioner returns a fixed caption and can fail on chosen calls
type fakeCaptioner struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	caption string
	failOn  map[int]bool // 1-based call numbers
	before  func() error
}

func (c *fakeCaptioner) Caption(_ context.Context, image []byte, mimeType, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if c.before != nil {
		if err := c.before(); err != nil {
			return "", err
		}
	}
	if c.failOn[c.calls] {
		return "", fmt.Errorf("vision call %d: %w", c.calls, models.ErrExternalService)
	}
	if c.caption != "" {
		return c.caption, nil
	}
	return fmt.Sprintf("A bar chart of quarterly revenue, call %d", c.calls), nil
}

// fakeStorage serves known URLs as local files in dir
type fakeStorage struct {
	dir   string
	known map[string]bool
	saved []string
}

func newFakeStorage(dir string, urls ...string) *fakeStorage {
	s := &fakeStorage{dir: dir, known: make(map[string]bool)}
	for _, u := range urls {
		s.known[u] = true
	}
	return s
}

func (s *fakeStorage) SaveFile(tenantID, name, srcPath string) (string, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return "", err
	}
	url := "/files/" + tenantID + "/" + name
	s.saved = append(s.saved, url)
	return url, nil
}

func (s *fakeStorage) Localize(_ context.Context, url, _ string) (string, func(), error) {
	if !s.known[url] {
		return "", func() {}, fmt.Errorf("source file %s: %w", url, models.ErrNotFound)
	}
	return filepath.Join(s.dir, filepath.Base(url)), func() {}, nil
}

func (s *fakeStorage) Read(_ context.Context, url string) ([]byte, string, error) {
	if !s.known[url] {
		return nil, "", fmt.Errorf("source file %s: %w", url, models.ErrNotFound)
	}
	return []byte{0x89, 'P', 'N', 'G'}, "image/png", nil
}

type fakePage struct {
	text      string
	hasImages bool
}

type fakePDF struct {
	pages []fakePage
}

func (d *fakePDF) NumPages() int { return len(d.pages) }

func (d *fakePDF) PageText(n int) (string, error) {
	if n < 1 || n > len(d.pages) {
		return "", fmt.Errorf("page %d out of range", n)
	}
	return d.pages[n-1].text, nil
}

func (d *fakePDF) PageHasImages(n int) (bool, error) {
	if n < 1 || n > len(d.pages) {
		return false, fmt.Errorf("page %d out of range", n)
	}
	return d.pages[n-1].hasImages, nil
}

func (d *fakePDF) FullText() string {
	var parts []string
	for _, p := range d.pages {
		parts = append(parts, p.text)
	}
	return strings.Join(parts, "\n")
}

func (d *fakePDF) Close() error { return nil }

// fakeRenderer writes a placeholder image per page
type fakeRenderer struct {
	failPages map[int]bool
	rendered  []int
}

func (r *fakeRenderer) RenderPage(_ context.Context, _ string, page int, outDir string) (string, error) {
	if r.failPages[page] {
		return "", fmt.Errorf("pdftoppm page %d: %w", page, errBoom)
	}
	path := filepath.Join(outDir, fmt.Sprintf("page-%d.png", page))
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return "", err
	}
	r.rendered = append(r.rendered, page)
	return path, nil
}

// fakeVideo writes a frame file per extraction and records its path
type fakeVideo struct {
	duration  float64
	failFrame map[float64]bool
	frames    []string
	audioErr  error
}

func (v *fakeVideo) Duration(context.Context, string) (float64, error) {
	return v.duration, nil
}

func (v *fakeVideo) ExtractAudio(_ context.Context, _, outPath string) error {
	if v.audioErr != nil {
		return v.audioErr
	}
	return os.WriteFile(outPath, []byte("mp3"), 0o644)
}

func (v *fakeVideo) ExtractFrame(_ context.Context, _ string, at float64, outPath string) error {
	if v.failFrame[at] {
		return errBoom
	}
	v.frames = append(v.frames, outPath)
	return os.WriteFile(outPath, []byte("jpg"), 0o644)
}

type fakeTranscriber struct {
	transcript *models.Transcript
	err        error
}

func (t *fakeTranscriber) Transcribe(context.Context, string) (*models.Transcript, error) {
	return t.transcript, t.err
}

// fakeEnqueuer records enqueues and enforces one active job per asset
type fakeEnqueuer struct {
	active map[string]bool
	calls  []string
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, _ string, assetID string, _ models.AssetType, _ models.JobOptions) (string, error) {
	if e.active[assetID] {
		return "", models.ErrJobActive
	}
	e.calls = append(e.calls, assetID)
	return "job-" + assetID, nil
}
