package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/scribe/api/pkg/gpu"
	"github.com/scribehq/scribe/api/pkg/types"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func TestSchedulerCompletesTask(t *testing.T) {
	runner := &fakeRunner{behavior: succeedWith(5.2)}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, Name: "RTX 4090", TotalMemoryGB: 16})

	submitTask(t, env, "t1", "medium")

	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusCompleted
	}, waitFor, tick)

	task, _ := env.queue.Get("t1")
	assert.Equal(t, 100.0, task.Progress)
	assert.Nil(t, task.AllocatedGPU)
	assert.Equal(t, []string{"/outputs/t1.txt"}, task.Result.SavedFiles)

	// Reservation returned to the pool.
	status := env.scheduler.Status()
	require.Len(t, status.GPUs, 1)
	assert.Equal(t, 0, status.GPUs[0].ActiveTasks)

	// Observed peak fed the estimator.
	assert.Equal(t, 1, env.estimator.SampleCount("medium", 0))
}

func TestSchedulerMemoryBackpressure(t *testing.T) {
	// 16 GB card, 14.4 GB schedulable: large (10 GB) tasks go one at
	// a time even though three are queued.
	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 16})

	for _, id := range []string{"t1", "t2", "t3"} {
		submitTask(t, env, id, "large")
	}

	require.Eventually(t, func() bool { return runner.requestCount() >= 1 }, waitFor, tick)
	// Give the loop a chance to overschedule, then check it did not.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.requestCount())

	close(release)
	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusCompleted &&
			taskStatus(env, "t2") == types.TaskStatusCompleted &&
			taskStatus(env, "t3") == types.TaskStatusCompleted
	}, waitFor, tick)
	assert.Equal(t, 1, runner.observedMax())
}

func TestSchedulerSpreadsAcrossGPUs(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		started <- req.TaskID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, testConfig(), runner,
		gpu.Device{ID: 0, TotalMemoryGB: 16},
		gpu.Device{ID: 1, TotalMemoryGB: 16},
	)

	submitTask(t, env, "t1", "large")
	submitTask(t, env, "t2", "large")

	require.Eventually(t, func() bool { return len(started) == 2 }, waitFor, tick)
	assert.Equal(t, 2, runner.observedMax())

	// One task per device.
	gpus := map[int]int{}
	runner.mu.Lock()
	for _, req := range runner.requests {
		gpus[req.GPUID]++
	}
	runner.mu.Unlock()
	assert.Equal(t, map[int]int{0: 1, 1: 1}, gpus)

	close(release)
	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusCompleted &&
			taskStatus(env, "t2") == types.TaskStatusCompleted
	}, waitFor, tick)
}

func TestSchedulerRunsManyTasksInParallel(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrentTranscriptions = 4

	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, cfg, runner,
		gpu.Device{ID: 0, TotalMemoryGB: 24},
		gpu.Device{ID: 1, TotalMemoryGB: 24},
	)

	ids := []string{"t1", "t2", "t3", "t4"}
	for _, id := range ids {
		submitTask(t, env, id, "small")
	}

	// Small tasks fit four deep on two cards, so all of them should be
	// in flight at once.
	require.Eventually(t, func() bool { return runner.observedMax() == 4 }, waitFor, tick)

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if taskStatus(env, id) != types.TaskStatusCompleted {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestSchedulerGlobalConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrentTranscriptions = 1

	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, cfg, runner,
		gpu.Device{ID: 0, TotalMemoryGB: 24},
		gpu.Device{ID: 1, TotalMemoryGB: 24},
	)

	submitTask(t, env, "t1", "small")
	submitTask(t, env, "t2", "small")

	require.Eventually(t, func() bool { return runner.requestCount() >= 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.requestCount())

	close(release)
	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusCompleted &&
			taskStatus(env, "t2") == types.TaskStatusCompleted
	}, waitFor, tick)
	assert.Equal(t, 1, runner.observedMax())
}

func TestSchedulerPerGPUTaskCap(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxTasksPerGPU = 1

	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	// Plenty of memory for tiny tasks, the per-device cap binds.
	env := newTestEnv(t, cfg, runner, gpu.Device{ID: 0, TotalMemoryGB: 48})

	submitTask(t, env, "t1", "tiny")
	submitTask(t, env, "t2", "tiny")

	require.Eventually(t, func() bool { return runner.requestCount() >= 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.requestCount())

	close(release)
	require.Eventually(t, func() bool {
		return taskStatus(env, "t2") == types.TaskStatusCompleted
	}, waitFor, tick)
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		if attempts.Add(1) == 1 {
			return &types.WorkerResult{
				TaskID:    req.TaskID,
				ErrorKind: types.ErrKindTransient,
				Error:     "CUDA out of memory",
			}
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 16})

	submitTask(t, env, "t1", "medium")

	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusCompleted
	}, waitFor, tick)

	task, _ := env.queue.Get("t1")
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestSchedulerNonRetryableFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{behavior: func(_ context.Context, req types.WorkerRequest) *types.WorkerResult {
		return &types.WorkerResult{
			TaskID:    req.TaskID,
			ErrorKind: types.ErrKindInvalidInput,
			Error:     "unsupported format",
		}
	}}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 16})

	submitTask(t, env, "t1", "medium")

	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusFailed
	}, waitFor, tick)

	task, _ := env.queue.Get("t1")
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, "unsupported format", task.Error)
	assert.Equal(t, 1, runner.requestCount())
}

func TestSchedulerNoGPUsFailsAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxTaskRetries = 2
	runner := &fakeRunner{behavior: succeedWith(0)}
	env := newTestEnv(t, cfg, runner)

	submitTask(t, env, "t1", "medium")

	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusFailed
	}, waitFor, tick)

	task, _ := env.queue.Get("t1")
	assert.Contains(t, task.Error, "no GPU available")
	assert.Equal(t, 0, runner.requestCount())
}

func TestSchedulerCancelQueuedTask(t *testing.T) {
	// Device below the memory floor keeps the task queued.
	runner := &fakeRunner{behavior: succeedWith(0)}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 1})

	submitTask(t, env, "t1", "large")
	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusPending
	}, waitFor, tick)

	require.NoError(t, env.scheduler.Cancel("t1"))
	_, ok := env.queue.Get("t1")
	assert.False(t, ok)
}

func TestSchedulerCancelRunningTask(t *testing.T) {
	startedCh := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		close(startedCh)
		<-ctx.Done()
		return &types.WorkerResult{
			TaskID:    req.TaskID,
			ErrorKind: types.ErrKindCancelled,
			Error:     "task cancelled",
		}
	}}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 16})

	submitTask(t, env, "t1", "medium")
	select {
	case <-startedCh:
	case <-time.After(waitFor):
		t.Fatal("task never started")
	}

	require.NoError(t, env.scheduler.Cancel("t1"))
	require.Eventually(t, func() bool {
		return taskStatus(env, "t1") == types.TaskStatusFailed
	}, waitFor, tick)

	// Cancelling a terminal task is an error.
	require.Error(t, env.scheduler.Cancel("t1"))
}

func TestSchedulerStatus(t *testing.T) {
	runner := &fakeRunner{behavior: succeedWith(0)}
	env := newTestEnv(t, testConfig(), runner,
		gpu.Device{ID: 0, Name: "A100", TotalMemoryGB: 40, UsedMemoryGB: 2},
		gpu.Device{ID: 1, Name: "A100", TotalMemoryGB: 40, UsedMemoryGB: 30},
	)

	require.Eventually(t, func() bool {
		return len(env.scheduler.Status().GPUs) == 2
	}, waitFor, tick)

	status := env.scheduler.Status()
	require.NotNil(t, status.BestGPU)
	assert.Equal(t, 0, *status.BestGPU)
	assert.Equal(t, "A100", status.GPUs[0].Name)
	// 40 - 2 used - 4 margin.
	assert.InDelta(t, 34.0, status.GPUs[0].AvailableMemoryGB, 0.01)

	selector := env.scheduler.GPUSelector()
	require.Len(t, selector, 2)
	assert.Equal(t, 0, selector[0].ID)
}

func TestSchedulerPrefersHigherPriority(t *testing.T) {
	release := make(chan struct{})
	var orderMu sync.Mutex
	var order []string
	runner := &fakeRunner{behavior: func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult {
		orderMu.Lock()
		order = append(order, req.TaskID)
		orderMu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return succeedWith(0)(ctx, req)
	}}
	env := newTestEnv(t, testConfig(), runner, gpu.Device{ID: 0, TotalMemoryGB: 16})

	// Occupy the device so both tasks queue behind the first.
	submitTask(t, env, "hold", "large")
	require.Eventually(t, func() bool { return runner.requestCount() == 1 }, waitFor, tick)

	require.NoError(t, env.scheduler.Submit(&types.Task{
		ID: "low", UserID: "u1", Model: "large", FilePath: "/uploads/low.wav",
		Priority: types.PriorityLow,
	}))
	require.NoError(t, env.scheduler.Submit(&types.Task{
		ID: "crit", UserID: "u1", Model: "large", FilePath: "/uploads/crit.wav",
		Priority: types.PriorityCritical,
	}))

	close(release)
	require.Eventually(t, func() bool {
		return taskStatus(env, "low") == types.TaskStatusCompleted
	}, waitFor, tick)

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"hold", "crit", "low"}, order)
}
