package types

// ErrorKind is the structured failure classification returned by
// workers. The queue falls back to message heuristics only when a
// worker could not attach a kind.
type ErrorKind string

const (
	// ErrKindTransient covers GPU/memory/model-load hiccups worth
	// retrying on the same or another device.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindInvalidInput covers missing, unreadable or unsupported
	// audio. Retrying cannot help.
	ErrKindInvalidInput ErrorKind = "invalid_input"
	// ErrKindConfiguration covers operator errors such as unknown
	// model names or missing weight files that no retry will fix.
	ErrKindConfiguration ErrorKind = "configuration"
	// ErrKindFatalWorker covers worker process death and timeouts.
	ErrKindFatalWorker ErrorKind = "fatal_worker"
	// ErrKindCancelled marks user-initiated cancellation.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindUnknown triggers the substring fallback classifier.
	ErrKindUnknown ErrorKind = ""
)

// WorkerRequest is serialised to the worker child process over stdin.
// GPUID is the parent-side device index; the child always sees its
// device as logical 0 through CUDA_VISIBLE_DEVICES.
type WorkerRequest struct {
	TaskID        string         `json:"task_id"`
	GPUID         int            `json:"gpu_id"`
	Model         string         `json:"model"`
	FilePath      string         `json:"file_path"`
	Language      string         `json:"language,omitempty"`
	OutputFormats []OutputFormat `json:"output_formats,omitempty"`
}

// WorkerResult is the final envelope a worker child emits on stdout.
type WorkerResult struct {
	TaskID       string               `json:"task_id"`
	Success      bool                 `json:"success"`
	Result       *TranscriptionResult `json:"result,omitempty"`
	Error        string               `json:"error,omitempty"`
	ErrorKind    ErrorKind            `json:"error_kind,omitempty"`
	PeakMemoryGB float64              `json:"peak_memory_gb,omitempty"`
}
