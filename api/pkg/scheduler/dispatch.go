package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/types"
	"github.com/scribehq/scribe/api/pkg/worker"
)

// runTask owns one dispatched task from worker start to terminal
// queue transition. The memory reservation is released on every exit
// path, and a recheck fires so waiting tasks see the freed headroom.
func (s *Scheduler) runTask(ctx context.Context, task *types.Task, pool *memory.Pool, estimateGB float64) {
	gpuID := pool.GPUID()

	workerCtx, cancel := context.WithTimeout(ctx, s.cfg.Worker.Timeout())
	s.dispatches.Store(task.ID, cancel)
	defer func() {
		s.dispatches.Delete(task.ID)
		cancel()
		pool.Release(task.ID, estimateGB)
		s.inflight.Done()
		s.Recheck()
	}()

	req := types.WorkerRequest{
		TaskID:        task.ID,
		GPUID:         gpuID,
		Model:         task.Model,
		FilePath:      task.FilePath,
		Language:      task.Language,
		OutputFormats: task.OutputFormats,
	}
	callbacks := worker.RunCallbacks{
		OnProgress: func(progress float64, message string) {
			s.params.Queue.UpdateProgress(task.ID, progress, message)
		},
		OnDownload: func(p types.DownloadProgress) {
			if s.params.Fabric != nil {
				s.params.Fabric.DownloadProgress(p)
			}
		},
	}

	result, err := s.params.Runner.Run(workerCtx, req, callbacks)
	if err != nil {
		_ = s.params.Queue.Fail(task.ID, types.ErrKindFatalWorker, fmt.Sprintf("worker could not start: %v", err))
		return
	}
	if !result.Success {
		_ = s.params.Queue.Fail(task.ID, result.ErrorKind, result.Error)
		return
	}

	if result.PeakMemoryGB > 0 {
		s.params.Estimator.RecordUsage(memory.Observation{
			TaskID:       task.ID,
			Model:        task.Model,
			GPUID:        gpuID,
			ObservedGB:   result.PeakMemoryGB,
			AudioSeconds: result.Result.DurationS,
			Success:      true,
		})
	}

	s.params.Queue.UpdateProgress(task.ID, 92, "saving results")
	saved, err := s.params.Sink.Save(task, result.Result)
	if err != nil {
		_ = s.params.Queue.Fail(task.ID, types.ErrKindUnknown, fmt.Sprintf("failed to save results: %v", err))
		return
	}
	result.Result.SavedFiles = saved
	s.params.Queue.UpdateProgress(task.ID, 95, "results saved")

	if err := s.params.Queue.Complete(task.ID, result.Result); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("could not complete task")
	}
}
