package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpeedFactors(t *testing.T) {
	assert.Equal(t, 0.10, SpeedFactor("tiny"))
	assert.Equal(t, 0.40, SpeedFactor("medium"))
	assert.Equal(t, 0.60, SpeedFactor("large-v3"))
	assert.Equal(t, 0.30, SpeedFactor("turbo"))
	assert.Equal(t, defaultSpeedFactor, SpeedFactor("mystery"))
}

func TestExtrapolatorBand(t *testing.T) {
	// 100s of audio on medium: expected 40s of processing.
	e := NewExtrapolator("medium", 100)

	assert.Equal(t, 20.0, e.Progress(0))
	assert.InDelta(t, 55.0, e.Progress(20), 0.001)
	assert.InDelta(t, 90.0, e.Progress(40), 0.001)
	// Saturates at the cap, real completion moves it further.
	assert.Equal(t, 90.0, e.Progress(400))
}

func TestExtrapolatorMonotonic(t *testing.T) {
	e := NewExtrapolator("small", 60)
	prev := 0.0
	for elapsed := 0.0; elapsed < 120; elapsed += 1.5 {
		p := e.Progress(elapsed)
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
}

func TestExtrapolatorUnknownDuration(t *testing.T) {
	e := NewExtrapolator("medium", 0)
	// Progress still moves on a flat expectation.
	assert.Greater(t, e.Progress(30), 20.0)
	assert.LessOrEqual(t, e.Progress(3000), 90.0)
}
