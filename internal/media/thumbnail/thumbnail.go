// Package thumbnail wraps the external ffmpeg tool for thumbnail extraction.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Options controls thumbnail extraction.
type Options struct {
	Width  int
	Height int
	// SeekSeconds selects the frame to capture. Zero means the first frame,
	// which avoids seeking past the end of very short clips.
	SeekSeconds float64
}

// Generate extracts a single JPEG frame from the media file at path and
// returns the image bytes. The context bounds the external process.
func Generate(ctx context.Context, binary string, path string, opts Options) ([]byte, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("thumbnail: empty path")
	}
	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = 320
	}
	if height <= 0 {
		height = 180
	}

	args := []string{"-v", "error", "-hide_banner"}
	if opts.SeekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.2f", opts.SeekSeconds))
	}
	args = append(args,
		"-i", path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height),
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("thumbnail: %w", ctx.Err())
		}
		return nil, fmt.Errorf("thumbnail: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if len(output) == 0 {
		return nil, errors.New("thumbnail: ffmpeg produced no image data")
	}
	return output, nil
}
