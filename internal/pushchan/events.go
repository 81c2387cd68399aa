package pushchan

import "time"

// EventType identifies a push channel event.
type EventType string

const (
	// EventConnected is synthesized locally each time the stream (re)connects.
	// It never arrives on the wire.
	EventConnected EventType = "connected"

	EventTaskCreated        EventType = "task_created"
	EventTaskStarted        EventType = "task_started"
	EventProgressUpdate     EventType = "progress_update"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventDiskSpaceUpdated   EventType = "disk_space_updated"
	EventSpaceWarning       EventType = "space_warning"
	EventSpaceReleased      EventType = "space_released"
	EventSpaceConfigChanged EventType = "space_config_changed"
)

// Event is one message from the conversion service. TaskID carries the
// server-side identifier; task events without one are dropped by the relay.
type Event struct {
	Type         EventType `json:"type"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Progress     int       `json:"progress,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Message      string    `json:"message,omitempty"`
	DownloadURL  string    `json:"download_url,omitempty"`
	UsedBytes    int64     `json:"used_bytes,omitempty"`
	TotalBytes   int64     `json:"total_bytes,omitempty"`
	UsagePercent float64   `json:"usage_percent,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// CommandAction identifies a client-to-server command.
type CommandAction string

const (
	ActionJoinTaskGroup  CommandAction = "join_task_group"
	ActionLeaveTaskGroup CommandAction = "leave_task_group"
	ActionGetTaskStatus  CommandAction = "get_task_status"
	ActionGetActiveTasks CommandAction = "get_active_tasks"
)

// Command is a request sent over the push channel.
type Command struct {
	Action CommandAction `json:"action"`
	TaskID string        `json:"task_id,omitempty"`
}
