package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"knowledge-engine/models"
)

// FFmpeg wraps the ffmpeg and ffprobe binaries
type FFmpeg struct {
	Timeout time.Duration
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Timeout: 10 * time.Minute}
}

// Available reports whether both binaries are on PATH
func (f *FFmpeg) Available() bool {
	return hasBinary("ffmpeg") && hasBinary("ffprobe")
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return "", fmt.Errorf("%s failed: %v, stderr: %s", name, err, msg)
	}
	return stdout.String(), nil
}

// Duration returns the container duration in seconds
func (f *FFmpeg) Duration(ctx context.Context, videoPath string) (float64, error) {
	out, err := f.run(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, models.ErrExtractionFailure)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("unreadable duration %q: %w", strings.TrimSpace(out), models.ErrExtractionFailure)
	}
	return d, nil
}

// ExtractAudio writes a mono 16 kHz mp3 track of the video to outPath
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	_, err := f.run(ctx, "ffmpeg", "-y", "-loglevel", "error",
		"-i", videoPath,
		"-vn", "-ac", "1", "-ar", "16000", "-b:a", "64k",
		outPath,
	)
	if err != nil {
		return fmt.Errorf("%v: %w", err, models.ErrExtractionFailure)
	}
	return nil
}

// ExtractFrame writes the frame at the given second as a JPEG to outPath
func (f *FFmpeg) ExtractFrame(ctx context.Context, videoPath string, at float64, outPath string) error {
	_, err := f.run(ctx, "ffmpeg", "-y", "-loglevel", "error",
		"-ss", strconv.FormatFloat(at, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "3",
		outPath,
	)
	return err
}
