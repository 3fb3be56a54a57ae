package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"knowledge-engine/models"
)

// maxRemoteBytes bounds a single remote download
const maxRemoteBytes = 1 << 30

// Storage keeps uploaded and derived files on local disk and exposes them
// under a public base URL served by the API
type Storage struct {
	Dir     string
	BaseURL string
	client  *http.Client
}

func NewStorage(dir, baseURL string) *Storage {
	return &Storage{
		Dir:     dir,
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// Save writes r to <dir>/<tenant>/<name> and returns its public URL
func (s *Storage) Save(tenantID, name string, r io.Reader) (string, error) {
	rel := filepath.Join(tenantID, filepath.Base(name))
	full := filepath.Join(s.Dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(full)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return s.BaseURL + "/" + filepath.ToSlash(rel), nil
}

// SaveFile moves a finished temp file into storage
func (s *Storage) SaveFile(tenantID, name, srcPath string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.Save(tenantID, name, f)
}

// LocalPath maps a URL produced by Save back to its file. Plain filesystem
// paths are returned as-is.
func (s *Storage) LocalPath(url string) (string, bool) {
	if s.BaseURL != "" && strings.HasPrefix(url, s.BaseURL+"/") {
		rel := strings.TrimPrefix(url, s.BaseURL+"/")
		return filepath.Join(s.Dir, filepath.FromSlash(rel)), true
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return "", false
	}
	return url, true
}

// Localize returns a local path for url, downloading remote files into
// tmpDir. The cleanup func removes any download.
func (s *Storage) Localize(ctx context.Context, url, tmpDir string) (string, func(), error) {
	noop := func() {}
	if path, ok := s.LocalPath(url); ok {
		if _, err := os.Stat(path); err != nil {
			return "", noop, fmt.Errorf("source file %s: %w", url, models.ErrNotFound)
		}
		return path, noop, nil
	}

	body, err := s.get(ctx, url)
	if err != nil {
		return "", noop, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(tmpDir, "src-*"+filepath.Ext(strings.SplitN(url, "?", 2)[0]))
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, io.LimitReader(body, maxRemoteBytes)); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("download %s: %v: %w", url, err, models.ErrExternalService)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, err
	}
	return tmp.Name(), cleanup, nil
}

// Read loads the bytes behind url and detects their MIME type
func (s *Storage) Read(ctx context.Context, url string) ([]byte, string, error) {
	var data []byte
	if path, ok := s.LocalPath(url); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("source file %s: %w", url, models.ErrNotFound)
		}
		data = b
	} else {
		body, err := s.get(ctx, url)
		if err != nil {
			return nil, "", err
		}
		defer body.Close()
		b, err := io.ReadAll(io.LimitReader(body, maxRemoteBytes))
		if err != nil {
			return nil, "", fmt.Errorf("download %s: %v: %w", url, err, models.ErrExternalService)
		}
		data = b
	}
	return data, mimetype.Detect(data).String(), nil
}

func (s *Storage) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bad source url %s: %w", url, models.ErrInvalidInput)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %v: %w", url, err, models.ErrExternalService)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("source %s: %w", url, models.ErrNotFound)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d: %w", url, resp.StatusCode, models.ErrExternalService)
	}
	return resp.Body, nil
}
