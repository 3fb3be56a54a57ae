package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"knowledge-engine/models"
)

// PopplerRenderer rasterizes PDF pages with pdftoppm
type PopplerRenderer struct {
	DPI     int
	Timeout time.Duration
}

func NewPopplerRenderer(dpi int) *PopplerRenderer {
	return &PopplerRenderer{DPI: dpi, Timeout: 60 * time.Second}
}

// Available reports whether pdftoppm is on PATH
func (r *PopplerRenderer) Available() bool {
	return hasBinary("pdftoppm")
}

// RenderPage writes page (1-based) of pdfPath as a PNG into outDir and
// returns the file path
func (r *PopplerRenderer) RenderPage(ctx context.Context, pdfPath string, page int, outDir string) (string, error) {
	if !r.Available() {
		return "", fmt.Errorf("pdftoppm not available: %w", models.ErrExtractionFailure)
	}

	renderCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	prefix := filepath.Join(outDir, fmt.Sprintf("page-%d", page))
	cmd := exec.CommandContext(renderCtx, "pdftoppm",
		"-png",
		"-r", fmt.Sprint(r.DPI),
		"-f", fmt.Sprint(page),
		"-l", fmt.Sprint(page),
		"-singlefile",
		pdfPath, prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftoppm failed on page %d: %v, stderr: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	return prefix + ".png", nil
}

// ImageSize returns the pixel dimensions of a PNG or JPEG file
func ImageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// hasBinary checks if a binary executable exists in PATH
func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
