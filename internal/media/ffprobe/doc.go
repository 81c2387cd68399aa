// Package ffprobe wraps the external ffprobe tool for media metadata probing.
package ffprobe
