package memory

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
)

// baseMemoryGB is the floor estimate per model size. Estimates never
// drop below these no matter what calibration says.
var baseMemoryGB = map[string]float64{
	"tiny":     1,
	"base":     1,
	"small":    2,
	"medium":   5,
	"large":    10,
	"large-v2": 10,
	"large-v3": 10,
	"turbo":    6,
}

const defaultBaseMemoryGB = 5

// BaseMemoryGB returns the static floor estimate for a model.
func BaseMemoryGB(model string) float64 {
	if base, ok := baseMemoryGB[model]; ok {
		return base
	}
	return defaultBaseMemoryGB
}

// EstimatorParams tune how observations sharpen estimates.
type EstimatorParams struct {
	// Std-deviation multiplier added on top of the observed mean.
	ConfidenceFactor float64
	// Global scalar applied to the final estimate.
	CalibrationFactor float64
	// Rolling window length per (model, gpu) key.
	SampleWindow int
	// Calibrated estimates require at least this many observations.
	MinSamples int
}

// Estimator predicts per-task GPU memory requirements. It starts from
// a static per-model table and sharpens per (model, gpu) as observed
// usage arrives.
type Estimator struct {
	params   EstimatorParams
	recorder *Recorder

	mu      sync.RWMutex
	windows map[string][]float64
}

// NewEstimator builds an estimator. recorder may be nil, in which case
// observations are kept in memory only.
func NewEstimator(params EstimatorParams, recorder *Recorder) *Estimator {
	if params.SampleWindow <= 0 {
		params.SampleWindow = 50
	}
	if params.MinSamples <= 0 {
		params.MinSamples = 5
	}
	if params.ConfidenceFactor == 0 {
		params.ConfidenceFactor = 1.0
	}
	if params.CalibrationFactor == 0 {
		params.CalibrationFactor = 1.0
	}
	e := &Estimator{
		params:   params,
		recorder: recorder,
		windows:  map[string][]float64{},
	}
	if recorder != nil {
		e.seedFromRecorder()
	}
	return e
}

// seedFromRecorder warms the rolling windows from persisted history so
// calibration survives restarts.
func (e *Estimator) seedFromRecorder() {
	for key, observations := range e.recorder.ObservationsByKey() {
		if len(observations) > e.params.SampleWindow {
			observations = observations[len(observations)-e.params.SampleWindow:]
		}
		e.windows[key] = observations
	}
	if len(e.windows) > 0 {
		log.Info().Int("keys", len(e.windows)).Msg("seeded memory estimator from usage history")
	}
}

func estimatorKey(model string, gpuID int) string {
	return fmt.Sprintf("%s:%d", model, gpuID)
}

// Estimate returns the predicted memory need in GB for running model
// on gpuID. With enough samples the estimate is
// max(base, mean + std*confidence), scaled by the global calibration
// factor; otherwise the base table alone.
func (e *Estimator) Estimate(model string, gpuID int) float64 {
	base := BaseMemoryGB(model)

	e.mu.RLock()
	window := e.windows[estimatorKey(model, gpuID)]
	e.mu.RUnlock()

	estimate := base
	if len(window) >= e.params.MinSamples {
		mean, std := meanStd(window)
		calibrated := mean + std*e.params.ConfidenceFactor
		if calibrated > estimate {
			estimate = calibrated
		}
	}
	return estimate * e.params.CalibrationFactor
}

// Observation is one measured peak from a finished task.
type Observation struct {
	TaskID       string
	Model        string
	GPUID        int
	ObservedGB   float64
	AudioSeconds float64
	Success      bool
}

// RecordUsage feeds one observed peak back into the rolling window and
// the persistent recorder. Observations from failed tasks are persisted
// for analysis but do not calibrate future estimates.
func (e *Estimator) RecordUsage(obs Observation) {
	if obs.ObservedGB <= 0 {
		return
	}
	estimate := e.Estimate(obs.Model, obs.GPUID)

	if obs.Success {
		key := estimatorKey(obs.Model, obs.GPUID)
		e.mu.Lock()
		window := append(e.windows[key], obs.ObservedGB)
		if len(window) > e.params.SampleWindow {
			window = window[len(window)-e.params.SampleWindow:]
		}
		e.windows[key] = window
		e.mu.Unlock()
	}

	log.Debug().
		Str("task_id", obs.TaskID).
		Str("model", obs.Model).
		Int("gpu_id", obs.GPUID).
		Float64("observed_gb", obs.ObservedGB).
		Float64("estimated_gb", estimate).
		Msg("recorded memory usage")

	if e.recorder != nil {
		e.recorder.Record(UsageRecord{
			GPUID:        obs.GPUID,
			Model:        obs.Model,
			EstimatedGB:  estimate,
			ObservedGB:   obs.ObservedGB,
			AudioSeconds: obs.AudioSeconds,
			TaskID:       obs.TaskID,
			Success:      obs.Success,
		})
	}
}

// SampleCount returns the number of observations backing the
// (model, gpu) estimate.
func (e *Estimator) SampleCount(model string, gpuID int) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.windows[estimatorKey(model, gpuID)])
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
