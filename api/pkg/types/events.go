package types

import "time"

// EventType discriminates envelopes on the progress fabric.
type EventType string

const (
	EventTaskUpdate       EventType = "task_update"
	EventDownloadProgress EventType = "download_progress"
	EventLogMessage       EventType = "log_message"
)

// Event is the wire envelope published to subscribers.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Task      *Task             `json:"task,omitempty"`
	Download  *DownloadProgress `json:"download,omitempty"`
	Log       *LogMessage       `json:"log,omitempty"`
}

// DownloadProgress reports model weight download state. Progress is a
// whole percentage; -1 means indeterminate.
type DownloadProgress struct {
	TaskID   string `json:"task_id,omitempty"`
	Model    string `json:"model"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// LogMessage is a human-readable diagnostic fanned out to clients.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
