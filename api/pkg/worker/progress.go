package worker

import "time"

// progressInterval is how often extrapolated progress is emitted while
// the engine runs. Around one second keeps clients' progress bars
// moving without flooding the stream.
const progressInterval = time.Second

// Transcription progress cannot be observed from a black-box engine,
// so the 20-90% band is extrapolated from elapsed wall-clock time
// against an expected duration derived from audio length and a
// per-model speed factor (expected processing seconds per audio
// second on a typical GPU).
var modelSpeedFactors = map[string]float64{
	"tiny":     0.10,
	"base":     0.15,
	"small":    0.25,
	"medium":   0.40,
	"large":    0.60,
	"large-v2": 0.60,
	"large-v3": 0.60,
	"turbo":    0.30,
}

const defaultSpeedFactor = 0.40

// Progress band boundaries. Below transcribeStart is validation and
// model loading; above transcribeCap is saving and finalisation.
const (
	transcribeStart = 20.0
	transcribeCap   = 90.0
	saveProgress    = 95.0
)

// SpeedFactor returns the expected processing-to-audio time ratio for
// a model.
func SpeedFactor(model string) float64 {
	if f, ok := modelSpeedFactors[model]; ok {
		return f
	}
	return defaultSpeedFactor
}

// Extrapolator converts elapsed processing time into a progress
// percentage within the transcription band.
type Extrapolator struct {
	expectedSeconds float64
}

// NewExtrapolator builds an extrapolator for an audio file of the
// given duration processed by the given model. Unknown durations get
// a flat one-minute expectation so progress still moves.
func NewExtrapolator(model string, audioSeconds float64) *Extrapolator {
	expected := audioSeconds * SpeedFactor(model)
	if expected <= 0 {
		expected = 60
	}
	return &Extrapolator{expectedSeconds: expected}
}

// Progress maps elapsed seconds into [transcribeStart, transcribeCap].
// It is monotonic in elapsed time and saturates at the cap; only a
// real completion signal moves progress beyond it.
func (e *Extrapolator) Progress(elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return transcribeStart
	}
	fraction := elapsedSeconds / e.expectedSeconds
	if fraction > 1 {
		fraction = 1
	}
	return transcribeStart + fraction*(transcribeCap-transcribeStart)
}
