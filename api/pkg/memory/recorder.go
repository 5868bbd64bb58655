package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UsageRecord is one persisted observation of actual GPU memory use.
// The JSON field names are the usage file's wire format and must not
// change: existing files keep calibration history across upgrades.
type UsageRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	GPUID             int       `json:"gpu_id"`
	Model             string    `json:"model_name"`
	EstimatedGB       float64   `json:"estimated_memory"`
	ObservedGB        float64   `json:"actual_memory"`
	DifferenceGB      float64   `json:"difference"`
	AudioSeconds      float64   `json:"audio_duration,omitempty"`
	TaskID            string    `json:"task_id,omitempty"`
	Success           bool      `json:"success"`
	CalibrationFactor float64   `json:"calibration_factor"`
}

type usageFile struct {
	LastUpdated  time.Time     `json:"last_updated"`
	TotalRecords int           `json:"total_records"`
	Records      []UsageRecord `json:"records"`
}

// RecorderParams size and age limits for the persisted log.
type RecorderParams struct {
	Path          string
	MaxRecords    int
	RetentionDays int
}

// Recorder persists memory usage observations across restarts and
// derives accuracy statistics from them. Writes are asynchronous and
// atomic (tmp file + rename) so a crash can never leave a truncated
// log behind.
type Recorder struct {
	params RecorderParams

	mu      sync.Mutex
	records []UsageRecord

	saveCh chan struct{}
	done   chan struct{}
}

func NewRecorder(params RecorderParams) (*Recorder, error) {
	if params.MaxRecords <= 0 {
		params.MaxRecords = 1000
	}
	if params.RetentionDays <= 0 {
		params.RetentionDays = 30
	}
	r := &Recorder{
		params: params,
		saveCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	go r.saveLoop()
	return r, nil
}

func (r *Recorder) load() error {
	data, err := os.ReadFile(r.params.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading usage file: %w", err)
	}
	var file usageFile
	if err := json.Unmarshal(data, &file); err != nil {
		// A corrupt history only costs calibration warmup, start over.
		log.Warn().Err(err).Str("path", r.params.Path).Msg("usage file corrupt, starting fresh")
		return nil
	}
	r.records = file.Records
	log.Info().Int("records", len(r.records)).Str("path", r.params.Path).Msg("loaded memory usage history")
	return nil
}

// Record appends one observation, trimming the log to its size cap.
// Timestamp, difference and calibration factor are derived here; the
// caller fills in everything it measured.
func (r *Recorder) Record(rec UsageRecord) {
	rec.Timestamp = time.Now().UTC()
	rec.DifferenceGB = rec.ObservedGB - rec.EstimatedGB
	rec.CalibrationFactor = 1.0
	if rec.EstimatedGB > 0 {
		rec.CalibrationFactor = rec.ObservedGB / rec.EstimatedGB
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if len(r.records) > r.params.MaxRecords {
		r.records = r.records[len(r.records)-r.params.MaxRecords:]
	}
	r.mu.Unlock()

	r.requestSave()
}

func (r *Recorder) requestSave() {
	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Recorder) saveLoop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.saveCh:
			if err := r.save(); err != nil {
				log.Error().Err(err).Str("path", r.params.Path).Msg("failed to save memory usage history")
			}
		}
	}
}

func (r *Recorder) save() error {
	r.mu.Lock()
	file := usageFile{
		LastUpdated:  time.Now().UTC(),
		TotalRecords: len(r.records),
		Records:      append([]UsageRecord(nil), r.records...),
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.params.Path), 0o755); err != nil {
		return err
	}
	tmp := r.params.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.params.Path)
}

// Close flushes pending state and stops the save loop.
func (r *Recorder) Close() error {
	close(r.done)
	return r.save()
}

// ClearOldRecords drops records older than the retention window and
// returns how many were removed.
func (r *Recorder) ClearOldRecords() int {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.params.RetentionDays)

	r.mu.Lock()
	kept := r.records[:0]
	for _, rec := range r.records {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := len(r.records) - len(kept)
	r.records = kept
	r.mu.Unlock()

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("pruned old memory usage records")
		r.requestSave()
	}
	return removed
}

// ObservationsByKey groups observed usage by "model:gpu" key, oldest
// first, for estimator seeding. Failed tasks are kept on file for
// analysis but never feed calibration.
func (r *Recorder) ObservationsByKey() map[string][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][]float64{}
	for _, rec := range r.records {
		if !rec.Success {
			continue
		}
		key := estimatorKey(rec.Model, rec.GPUID)
		out[key] = append(out[key], rec.ObservedGB)
	}
	return out
}

// ModelStats summarises observations for one (model, gpu) pair.
type ModelStats struct {
	Model             string  `json:"model"`
	GPUID             int     `json:"gpu_id"`
	Samples           int     `json:"samples"`
	AvgObservedGB     float64 `json:"avg_observed_gb"`
	AvgEstimatedGB    float64 `json:"avg_estimated_gb"`
	CalibrationFactor float64 `json:"calibration_factor"`
}

// Statistics returns per (model, gpu) aggregates.
func (r *Recorder) Statistics() []ModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	type agg struct {
		samples     int
		sumObserved float64
		sumEstimate float64
	}
	groups := map[string]*agg{}
	meta := map[string]UsageRecord{}
	for _, rec := range r.records {
		key := estimatorKey(rec.Model, rec.GPUID)
		g, ok := groups[key]
		if !ok {
			g = &agg{}
			groups[key] = g
			meta[key] = rec
		}
		g.samples++
		g.sumObserved += rec.ObservedGB
		g.sumEstimate += rec.EstimatedGB
	}

	stats := make([]ModelStats, 0, len(groups))
	for key, g := range groups {
		rec := meta[key]
		avgObserved := g.sumObserved / float64(g.samples)
		avgEstimated := g.sumEstimate / float64(g.samples)
		factor := 1.0
		if avgEstimated > 0 {
			factor = avgObserved / avgEstimated
		}
		stats = append(stats, ModelStats{
			Model:             rec.Model,
			GPUID:             rec.GPUID,
			Samples:           g.samples,
			AvgObservedGB:     avgObserved,
			AvgEstimatedGB:    avgEstimated,
			CalibrationFactor: factor,
		})
	}
	return stats
}

// AccuracyAnalysis reports what fraction of observations landed within
// tolerance of their estimate.
type AccuracyAnalysis struct {
	Samples      int     `json:"samples"`
	AccuracyRate float64 `json:"accuracy_rate"`
	AvgErrorGB   float64 `json:"avg_error_gb"`
}

func (r *Recorder) Accuracy(tolerance float64) AccuracyAnalysis {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) == 0 {
		return AccuracyAnalysis{}
	}
	var within int
	var sumErr float64
	for _, rec := range r.records {
		err := math.Abs(rec.ObservedGB - rec.EstimatedGB)
		sumErr += err
		if rec.EstimatedGB > 0 && err/rec.EstimatedGB <= tolerance {
			within++
		}
	}
	return AccuracyAnalysis{
		Samples:      len(r.records),
		AccuracyRate: float64(within) / float64(len(r.records)),
		AvgErrorGB:   sumErr / float64(len(r.records)),
	}
}
