package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig is the full environment-driven configuration. Defaults
// are chosen so a bare process on a single-GPU box behaves sensibly.
type ServerConfig struct {
	Server    Server
	Scheduler Scheduler
	Memory    Memory
	Worker    Worker
	Paths     Paths
	Log       Log
}

type Server struct {
	Host string `envconfig:"SERVER_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"SERVER_PORT" default:"5552"`
}

type Scheduler struct {
	// Global cap across all GPUs.
	MaxConcurrentTranscriptions int `envconfig:"MAX_CONCURRENT_TRANSCRIPTIONS" default:"5"`
	// Per-GPU concurrency ceiling, memory permitting.
	MaxTasksPerGPU int `envconfig:"MAX_TASKS_PER_GPU" default:"10"`
	// Seconds between batch scheduling cycles.
	BatchIntervalSeconds int `envconfig:"BATCH_SCHEDULE_INTERVAL" default:"2"`
	// Hardware sync happens every this many cycles.
	SyncEveryCycles int `envconfig:"GPU_SYNC_INTERVAL_CYCLES" default:"10"`
	// GPUs with less available memory than this are skipped outright.
	MemoryFloorGB  float64 `envconfig:"GPU_MEMORY_FLOOR" default:"1.0"`
	MaxTaskRetries int     `envconfig:"MAX_TASK_RETRIES" default:"3"`
}

type Memory struct {
	// Fraction of total memory held back on every device.
	SafetyMargin float64 `envconfig:"MEMORY_SAFETY_MARGIN" default:"0.10"`
	// Flat per-GPU reservation in GB for non-transcription uses.
	ReservedGB float64 `envconfig:"RESERVED_MEMORY" default:"0"`
	// Std-deviation multiplier in calibrated estimates.
	ConfidenceFactor float64 `envconfig:"MEMORY_CONFIDENCE_FACTOR" default:"1.0"`
	// Global scalar applied to every estimate.
	CalibrationFactor float64 `envconfig:"MEMORY_CALIBRATION_FACTOR" default:"1.0"`
	// Rolling window length per (model, gpu) key.
	SampleWindow int `envconfig:"MEMORY_SAMPLE_WINDOW" default:"50"`
	// Calibrated estimates need at least this many observations.
	MinSamples int `envconfig:"MEMORY_MIN_SAMPLES" default:"5"`
	// Persisted observation log.
	UsageFile       string `envconfig:"MEMORY_USAGE_FILE" default:"data/memory_usage.json"`
	MaxRecords      int    `envconfig:"MEMORY_MAX_RECORDS" default:"1000"`
	RetentionDays   int    `envconfig:"MEMORY_RETENTION_DAYS" default:"30"`
	PruneEveryHours int    `envconfig:"MEMORY_PRUNE_EVERY_HOURS" default:"24"`
}

type Worker struct {
	// Hard wall-clock limit per task, in seconds.
	TimeoutSeconds int `envconfig:"TRANSCRIPTION_TIMEOUT" default:"3600"`
	// External transcription engine invoked inside the child process.
	EngineCommand string `envconfig:"ENGINE_COMMAND" default:"whisper"`
	// Base URL model weights are fetched from when missing locally.
	ModelDownloadBaseURL string `envconfig:"MODEL_DOWNLOAD_BASE_URL" default:"https://openaipublic.azureedge.net/main/whisper/models"`
}

type Paths struct {
	// Model weight cache. Empty means ~/.cache/whisper.
	ModelBasePath string `envconfig:"MODEL_BASE_PATH" default:""`
	UploadFolder  string `envconfig:"UPLOAD_FOLDER" default:"uploads"`
	OutputFolder  string `envconfig:"OUTPUT_FOLDER" default:"outputs"`
}

type Log struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

func (s Scheduler) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalSeconds) * time.Second
}

func (w Worker) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// ModelDir resolves the model cache directory, expanding the default
// under the user's home when unset.
func (p Paths) ModelDir() string {
	if p.ModelBasePath != "" {
		return p.ModelBasePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".cache", "whisper")
	}
	return filepath.Join(home, ".cache", "whisper")
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
