package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scribehq/scribe/api/pkg/config"
	"github.com/scribehq/scribe/api/pkg/gpu"
	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/queue"
	"github.com/scribehq/scribe/api/pkg/types"
	"github.com/scribehq/scribe/api/pkg/worker"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Scheduler: config.Scheduler{
			MaxConcurrentTranscriptions: 5,
			MaxTasksPerGPU:              10,
			BatchIntervalSeconds:        1,
			SyncEveryCycles:             10,
			MemoryFloorGB:               1.0,
			MaxTaskRetries:              3,
		},
		Memory: config.Memory{
			SafetyMargin:      0.10,
			ConfidenceFactor:  1.0,
			CalibrationFactor: 1.0,
			SampleWindow:      50,
			MinSamples:        5,
		},
		Worker: config.Worker{TimeoutSeconds: 60},
	}
}

// fakeRunner drives tasks through a per-test behavior function and
// tracks observed concurrency.
type fakeRunner struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	requests   []types.WorkerRequest

	behavior func(ctx context.Context, req types.WorkerRequest) *types.WorkerResult
}

func succeedWith(peakGB float64) func(context.Context, types.WorkerRequest) *types.WorkerResult {
	return func(_ context.Context, req types.WorkerRequest) *types.WorkerResult {
		return &types.WorkerResult{
			TaskID:       req.TaskID,
			Success:      true,
			Result:       &types.TranscriptionResult{TaskID: req.TaskID, Text: "ok"},
			PeakMemoryGB: peakGB,
		}
	}
}

func (r *fakeRunner) Run(ctx context.Context, req types.WorkerRequest, _ worker.RunCallbacks) (*types.WorkerResult, error) {
	r.mu.Lock()
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()
	return r.behavior(ctx, req), nil
}

func (r *fakeRunner) requestCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *fakeRunner) observedMax() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxRunning
}

// fakeSink records saves in memory.
type fakeSink struct {
	mu    sync.Mutex
	saves []string
	err   error
}

func (s *fakeSink) Save(task *types.Task, _ *types.TranscriptionResult) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.saves = append(s.saves, task.ID)
	return []string{"/outputs/" + task.ID + ".txt"}, nil
}

type testEnv struct {
	scheduler *Scheduler
	queue     *queue.TaskQueue
	inventory *gpu.FakeInventory
	runner    *fakeRunner
	sink      *fakeSink
	estimator *memory.Estimator
}

func newTestEnv(t *testing.T, cfg config.ServerConfig, runner *fakeRunner, devices ...gpu.Device) *testEnv {
	t.Helper()

	q := queue.NewTaskQueue(cfg.Scheduler.MaxTaskRetries)
	inventory := gpu.NewFakeInventory(devices...)
	estimator := memory.NewEstimator(memory.EstimatorParams{
		ConfidenceFactor:  cfg.Memory.ConfidenceFactor,
		CalibrationFactor: cfg.Memory.CalibrationFactor,
		SampleWindow:      cfg.Memory.SampleWindow,
		MinSamples:        cfg.Memory.MinSamples,
	}, nil)
	sink := &fakeSink{}

	s, err := NewScheduler(cfg, Params{
		Queue:     q,
		Inventory: inventory,
		Estimator: estimator,
		Runner:    runner,
		Sink:      sink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{
		scheduler: s,
		queue:     q,
		inventory: inventory,
		runner:    runner,
		sink:      sink,
		estimator: estimator,
	}
}

func submitTask(t *testing.T, env *testEnv, id, model string) {
	t.Helper()
	require.NoError(t, env.scheduler.Submit(&types.Task{
		ID:       id,
		UserID:   "u1",
		Model:    model,
		FilePath: "/uploads/" + id + ".wav",
	}))
}

func taskStatus(env *testEnv, id string) types.TaskStatus {
	task, ok := env.queue.Get(id)
	if !ok {
		return ""
	}
	return task.Status
}
