package preprocess

import (
	"ferry/internal/config"
	"ferry/internal/media/ffprobe"
)

// Estimator predicts the converted output size in bytes.
type Estimator interface {
	Estimate(meta ffprobe.Metadata, sizeBytes int64, params config.Conversion) int64
}

// BitrateEstimator derives the estimate from duration and the target bitrate.
// When either is unknown it falls back to the source size, which is a safe
// upper bound for admission decisions.
type BitrateEstimator struct{}

func (BitrateEstimator) Estimate(meta ffprobe.Metadata, sizeBytes int64, params config.Conversion) int64 {
	if meta.DurationSeconds > 0 && params.TargetBitrateKbps > 0 {
		return int64(meta.DurationSeconds * float64(params.TargetBitrateKbps) * 1000 / 8)
	}
	return sizeBytes
}
