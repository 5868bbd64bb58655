package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

// ExecuteParams are the collaborators for one child-process run.
type ExecuteParams struct {
	Engine Engine
	Cache  *ModelCache
	// QueryPeakMemory reads driver-reported used memory for the
	// task's device after transcription. Nil skips the measurement.
	QueryPeakMemory func(ctx context.Context, gpuID int) (float64, error)
}

// Execute is the worker child's whole job: validate the input, make
// the model available, transcribe, and emit the result envelope. It
// never returns an error; every failure becomes a classified result
// so the parent does not have to guess from exit codes.
func Execute(ctx context.Context, req types.WorkerRequest, params ExecuteParams, emit func(envelope)) {
	result := run(ctx, req, params, emit)
	result.TaskID = req.TaskID
	emit(envelope{Type: envelopeResult, Result: result})
}

func run(ctx context.Context, req types.WorkerRequest, params ExecuteParams, emit func(envelope)) *types.WorkerResult {
	emit(envelope{Type: envelopeProgress, Progress: 2, Message: "validating input"})

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return failure(types.ErrKindInvalidInput, fmt.Sprintf("audio file not found: %s", req.FilePath))
	}
	if info.Size() == 0 {
		return failure(types.ErrKindInvalidInput, fmt.Sprintf("audio file is empty: %s", req.FilePath))
	}

	emit(envelope{Type: envelopeProgress, Progress: 5, Message: "preparing model"})
	modelPath, err := params.Cache.Ensure(ctx, req.Model, func(percent int) {
		emit(envelope{Type: envelopeDownload, Download: &types.DownloadProgress{
			TaskID:   req.TaskID,
			Model:    req.Model,
			Progress: percent,
			Message:  "downloading model weights",
		}})
	})
	if err != nil {
		// -1 tells subscribers the download is over without success.
		emit(envelope{Type: envelopeDownload, Download: &types.DownloadProgress{
			TaskID:   req.TaskID,
			Model:    req.Model,
			Progress: -1,
			Message:  "model download failed",
		}})
		if ctx.Err() != nil {
			return failure(types.ErrKindCancelled, "cancelled while preparing model")
		}
		return failure(types.ErrKindConfiguration, fmt.Sprintf("model %s unavailable: %v", req.Model, err))
	}

	audioSeconds := probeAudioDuration(ctx, req.FilePath)
	emit(envelope{Type: envelopeProgress, Progress: transcribeStart, Message: "transcribing"})

	// Extrapolated progress while the engine runs. The engine is a
	// black box, elapsed time against expected duration is all we
	// have for the 20-90 band.
	extrapolator := NewExtrapolator(req.Model, audioSeconds)
	started := time.Now()
	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-ticker.C:
				emit(envelope{
					Type:     envelopeProgress,
					Progress: extrapolator.Progress(time.Since(started).Seconds()),
					Message:  "transcribing",
				})
			}
		}
	}()

	transcription, err := params.Engine.Transcribe(ctx, modelPath, req.FilePath, req.Language)
	stopProgress()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return failure(types.ErrKindCancelled, "transcription cancelled")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure(types.ErrKindFatalWorker, "transcription timed out")
		}
		// Leave the kind open so the parent-side heuristics decide.
		return failure(types.ErrKindUnknown, fmt.Sprintf("transcription failed: %v", err))
	}
	if transcription.DurationS == 0 {
		transcription.DurationS = audioSeconds
	}
	transcription.TaskID = req.TaskID

	emit(envelope{Type: envelopeProgress, Progress: transcribeCap, Message: "transcription finished"})

	result := &types.WorkerResult{Success: true, Result: transcription}
	if params.QueryPeakMemory != nil {
		peak, err := params.QueryPeakMemory(ctx, req.GPUID)
		if err != nil {
			log.Warn().Err(err).Int("gpu_id", req.GPUID).Msg("could not read peak memory")
		} else {
			result.PeakMemoryGB = peak
		}
	}
	return result
}

func failure(kind types.ErrorKind, message string) *types.WorkerResult {
	return &types.WorkerResult{Success: false, ErrorKind: kind, Error: message}
}
