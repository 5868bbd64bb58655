package types

import (
	"time"
)

// TaskStatus is the lifecycle state of a transcription task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Schedulable reports whether the batch scheduler may pick the task up.
func (s TaskStatus) Schedulable() bool {
	return s == TaskStatusPending || s == TaskStatusRetrying
}

type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityNormal   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps the API's string form onto a TaskPriority,
// defaulting to normal for anything unrecognised.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

type OutputFormat string

const (
	OutputFormatTXT  OutputFormat = "txt"
	OutputFormatSRT  OutputFormat = "srt"
	OutputFormatVTT  OutputFormat = "vtt"
	OutputFormatJSON OutputFormat = "json"
)

// Task is a single-file transcription request. Multi-file submissions
// are fanned out into one Task per file before they reach the queue.
type Task struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	FilePath      string         `json:"file_path"`
	Model         string         `json:"model"`
	Language      string         `json:"language,omitempty"`
	Priority      TaskPriority   `json:"priority"`
	Status        TaskStatus     `json:"status"`
	OutputFormats []OutputFormat `json:"output_formats"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`

	Result *TranscriptionResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Set while the task holds a memory reservation, cleared on release.
	AllocatedGPU      *int    `json:"allocated_gpu,omitempty"`
	AllocatedMemoryGB float64 `json:"allocated_memory_gb,omitempty"`
}

// Copy returns a shallow copy safe to hand to callbacks and API
// responses while the queue keeps mutating the original.
func (t *Task) Copy() *Task {
	c := *t
	if t.AllocatedGPU != nil {
		gpu := *t.AllocatedGPU
		c.AllocatedGPU = &gpu
	}
	c.OutputFormats = append([]OutputFormat(nil), t.OutputFormats...)
	return &c
}

// Duration is the wall-clock processing time, zero until the task has
// both started and ended.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

// Segment is one timed span of recognised speech.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is what a worker hands back on success.
type TranscriptionResult struct {
	TaskID     string    `json:"task_id"`
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments,omitempty"`
	Language   string    `json:"language,omitempty"`
	DurationS  float64   `json:"duration_s,omitempty"`
	SavedFiles []string  `json:"saved_files,omitempty"`
}

// QueueStats is the per-model and lifetime view of the task queue.
type QueueStats struct {
	Models          map[string]ModelQueueStats `json:"models"`
	TotalPending    int                        `json:"total_pending"`
	TotalProcessing int                        `json:"total_processing"`
	Counters        QueueCounters              `json:"counters"`
}

type ModelQueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// QueueCounters accumulate over the lifetime of the process.
type QueueCounters struct {
	Added     int `json:"added"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}
