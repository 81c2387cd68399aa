// Package preprocess turns user-supplied paths into task creation requests.
// It expands directories, filters by extension, validates that files are
// readable and non-empty, probes media metadata, generates a thumbnail,
// estimates the converted size, and derives collision-free display names.
// Files run through a bounded worker pool; a missing ffprobe degrades the
// pipeline to defaults instead of failing it.
package preprocess
