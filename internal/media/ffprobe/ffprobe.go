package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Metadata is the subset of probe output the pipeline consumes.
type Metadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	CodecName       string
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

// Probe executes ffprobe against the provided path and extracts metadata for
// the first video stream. The context bounds the external process.
func Probe(ctx context.Context, binary string, path string) (Metadata, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Metadata{}, errors.New("ffprobe: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, fmt.Errorf("ffprobe: %w", ctx.Err())
		}
		return Metadata{}, fmt.Errorf("ffprobe: %w", err)
	}

	result, err := decode(output)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{DurationSeconds: parseSeconds(result.Format.Duration)}
	for _, stream := range result.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		meta.CodecName = stream.CodecName
		meta.Width = stream.Width
		meta.Height = stream.Height
		if meta.DurationSeconds == 0 {
			meta.DurationSeconds = parseSeconds(stream.Duration)
		}
		break
	}
	return meta, nil
}

// decode parses ffprobe JSON defensively: file names with bytes ffprobe does
// not escape can corrupt the surrounding document, so after a straight
// unmarshal fails we re-decode from the first object boundary and stop at the
// first complete value instead of insisting on a clean document.
func decode(output []byte) (probeResult, error) {
	var result probeResult
	if err := json.Unmarshal(output, &result); err == nil {
		return result, nil
	}

	start := bytes.IndexByte(output, '{')
	if start < 0 {
		return probeResult{}, errors.New("ffprobe parse: no JSON object in output")
	}
	decoder := json.NewDecoder(bytes.NewReader(output[start:]))
	if err := decoder.Decode(&result); err != nil {
		return probeResult{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

func parseSeconds(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(parsed) || parsed < 0 {
		return 0
	}
	return parsed
}
