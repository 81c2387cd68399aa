package task

import (
	"strings"
	"time"

	"ferry/internal/config"
)

// Status represents the lifecycle of a conversion task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusConverting Status = "converting"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusUploading,
	StatusConverting,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status ends the task lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the remote service is working on the task, which
// is exactly the set of statuses the relay must track across reconnects.
func (s Status) IsActive() bool {
	return s == StatusUploading || s == StatusConverting
}

// Phase is the active sub-stage of a task. At most one phase is set at any
// time; PhaseNone applies when the task is pending, paused, or terminal.
type Phase string

const (
	PhaseNone        Phase = ""
	PhaseUploading   Phase = "uploading"
	PhaseConverting  Phase = "converting"
	PhaseDownloading Phase = "downloading"
)

// SourceAction describes what happens to the source file after a successful
// download.
type SourceAction string

const (
	SourceKeep    SourceAction = "keep"
	SourceDelete  SourceAction = "delete"
	SourceArchive SourceAction = "archive"
)

// ParseSourceAction converts a string into a known SourceAction, defaulting
// to keep.
func ParseSourceAction(value string) SourceAction {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "delete":
		return SourceDelete
	case "archive":
		return SourceArchive
	default:
		return SourceKeep
	}
}

// Record is one conversion job tracked end-to-end. Values returned by the
// store are snapshots; all mutation goes through store methods.
type Record struct {
	// Identity. LocalID is generated at creation and immutable. ServerID is
	// set once the remote task exists and cleared when a retry starts a
	// fresh attempt.
	LocalID  string
	ServerID string

	// File info.
	SourcePath  string
	DisplayName string
	SizeBytes   int64

	// Probed metadata, defaults substituted when probing failed.
	DurationSeconds float64
	Width           int
	Height          int
	CodecName       string
	ThumbnailPath   string

	// Conversion parameters, passed through to the remote service unchanged.
	Params               config.Conversion
	EstimatedOutputBytes int64

	Status   Status
	Progress int
	Phase    Phase

	CreatedAt           time.Time
	UpdatedAt           time.Time
	UploadStartedAt     *time.Time
	UploadCompletedAt   *time.Time
	ConversionStartedAt *time.Time
	CompletedAt         *time.Time

	// Retry bookkeeping.
	RetryCount  int
	MaxRetries  int
	LastError   string
	LastRetryAt *time.Time

	// Download and source handling.
	DownloadURL  string
	OutputPath   string
	Downloaded   bool
	SourceAction SourceAction
	ArchivePath  string
}

// CurrentID resolves the task's effective identifier: the server id once
// linked, the local id before that. It is computed, never stored.
func (r *Record) CurrentID() string {
	if r.ServerID != "" {
		return r.ServerID
	}
	return r.LocalID
}

// Disposition is the outcome of recording a failure.
type Disposition int

const (
	// DispositionRetry means the caller should reset the task to pending
	// for another automatic attempt.
	DispositionRetry Disposition = iota
	// DispositionTerminal means retries are exhausted and the task has been
	// forced to failed.
	DispositionTerminal
)

func (d Disposition) String() string {
	if d == DispositionRetry {
		return "retry"
	}
	return "terminal"
}

// CreateRequest carries everything needed to create a task record.
type CreateRequest struct {
	SourcePath           string
	DisplayName          string
	SizeBytes            int64
	DurationSeconds      float64
	Width                int
	Height               int
	CodecName            string
	ThumbnailPath        string
	EstimatedOutputBytes int64
	Params               config.Conversion
	MaxRetries           int
	SourceAction         SourceAction
}

func phaseForStatus(status Status) Phase {
	switch status {
	case StatusUploading:
		return PhaseUploading
	case StatusConverting:
		return PhaseConverting
	default:
		return PhaseNone
	}
}
