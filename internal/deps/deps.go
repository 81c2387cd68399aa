// Package deps reports availability of the external tools ferry shells out to.
package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external binary ferry relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// ForPreprocess returns the requirements of the preprocessing pipeline.
// Both tools are optional: the pipeline degrades to default metadata and
// skips thumbnails when they are missing.
func ForPreprocess(ffprobeBinary, ffmpegBinary string) []Requirement {
	return []Requirement{
		{Name: "ffprobe", Command: ffprobeBinary, Description: "media metadata probing", Optional: true},
		{Name: "ffmpeg", Command: ffmpegBinary, Description: "thumbnail generation", Optional: true},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Available reports whether the named requirement is available in statuses.
func Available(statuses []Status, name string) bool {
	for _, status := range statuses {
		if status.Name == name {
			return status.Available
		}
	}
	return false
}
