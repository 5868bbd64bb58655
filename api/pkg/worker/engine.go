package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

// Engine runs the actual speech recognition. Implementations see the
// GPU as logical device 0; device restriction happens in the parent
// before the worker process starts.
type Engine interface {
	Transcribe(ctx context.Context, modelPath, audioPath, language string) (*types.TranscriptionResult, error)
}

// CommandEngine shells out to an external transcription CLI that
// prints a JSON result on stdout:
//
//	{"text": "...", "language": "en", "duration": 12.3,
//	 "segments": [{"id": 0, "start": 0, "end": 2.5, "text": "..."}]}
type CommandEngine struct {
	command string
}

var _ Engine = &CommandEngine{}

func NewCommandEngine(command string) *CommandEngine {
	return &CommandEngine{command: command}
}

type engineOutput struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Duration float64         `json:"duration"`
	Segments []types.Segment `json:"segments"`
}

func (e *CommandEngine) Transcribe(ctx context.Context, modelPath, audioPath, language string) (*types.TranscriptionResult, error) {
	args := []string{
		"--model", modelPath,
		"--device", "cuda:0",
		"--output-json",
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	args = append(args, audioPath)

	cmd := exec.CommandContext(ctx, e.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("command", e.command).Strs("args", args).Msg("running transcription engine")
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("engine failed: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("engine failed: %w", err)
	}

	var out engineOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parsing engine output: %w", err)
	}
	return &types.TranscriptionResult{
		Text:      out.Text,
		Language:  out.Language,
		DurationS: out.Duration,
		Segments:  out.Segments,
	}, nil
}

// probeAudioDuration asks ffprobe for the audio length in seconds.
// Best effort: 0 means unknown and progress extrapolation falls back
// to a flat expectation.
func probeAudioDuration(ctx context.Context, path string) float64 {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	output, err := cmd.Output()
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("could not probe audio duration")
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0
	}
	return seconds
}
