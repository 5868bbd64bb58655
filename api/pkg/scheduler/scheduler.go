package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/config"
	"github.com/scribehq/scribe/api/pkg/gpu"
	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/pubsub"
	"github.com/scribehq/scribe/api/pkg/queue"
	"github.com/scribehq/scribe/api/pkg/saver"
	"github.com/scribehq/scribe/api/pkg/system"
	"github.com/scribehq/scribe/api/pkg/types"
	"github.com/scribehq/scribe/api/pkg/worker"
)

// Params are the scheduler's collaborators. Queue, Inventory,
// Estimator, Runner and Sink are required; Fabric is optional.
type Params struct {
	Queue     *queue.TaskQueue
	Inventory gpu.Inventory
	Estimator *memory.Estimator
	Runner    worker.Runner
	Sink      saver.Sink
	Fabric    *pubsub.Fabric
}

// Scheduler owns the batch dispatch loop: it keeps per-GPU memory
// pools in sync with driver truth, matches schedulable tasks to
// devices with enough headroom, and runs each match in an isolated
// worker process.
type Scheduler struct {
	cfg    config.ServerConfig
	params Params

	poolMu  sync.RWMutex
	pools   map[int]*memory.Pool
	devices map[int]gpu.Device

	// Cycles since the last hardware sync. A recheck forces the
	// counter to the sync threshold so freed memory is observed on
	// the very next cycle.
	sinceSync atomic.Int32
	recheckCh chan struct{}

	dispatches *xsync.MapOf[string, context.CancelFunc]
	inflight   sync.WaitGroup
}

func NewScheduler(cfg config.ServerConfig, params Params) (*Scheduler, error) {
	if params.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("gpu inventory is required")
	}
	if params.Estimator == nil {
		return nil, fmt.Errorf("memory estimator is required")
	}
	if params.Runner == nil {
		return nil, fmt.Errorf("worker runner is required")
	}
	if params.Sink == nil {
		return nil, fmt.Errorf("result sink is required")
	}

	s := &Scheduler{
		cfg:        cfg,
		params:     params,
		pools:      map[int]*memory.Pool{},
		devices:    map[int]gpu.Device{},
		recheckCh:  make(chan struct{}, 1),
		dispatches: xsync.NewMapOf[string, context.CancelFunc](),
	}

	params.Queue.SetRecheckNotifier(s.Recheck)
	if params.Fabric != nil {
		params.Queue.OnUpdate(params.Fabric.TaskUpdate)
	}
	return s, nil
}

// Submit validates a submission, stamps defaults and queues it.
func (s *Scheduler) Submit(task *types.Task) error {
	if task.ID == "" {
		task.ID = system.GenerateTaskID()
	}
	if err := s.params.Queue.Add(task); err != nil {
		return err
	}
	s.Recheck()
	return nil
}

// Recheck wakes the dispatch loop and forces a hardware sync on the
// next cycle. Safe to call from any goroutine, never blocks.
func (s *Scheduler) Recheck() {
	s.sinceSync.Store(int32(s.cfg.Scheduler.SyncEveryCycles))
	select {
	case s.recheckCh <- struct{}{}:
	default:
	}
}

// Run drives scheduling cycles until ctx is cancelled, then waits out
// in-flight dispatches (bounded).
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.cfg.Scheduler.BatchInterval()).
		Int("max_concurrent", s.cfg.Scheduler.MaxConcurrentTranscriptions).
		Msg("scheduler started")

	s.syncPools(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopping, waiting for in-flight tasks")
			s.waitForDispatches(30 * time.Second)
			return
		case <-time.After(s.cfg.Scheduler.BatchInterval()):
			s.runCycle(ctx)
		case <-s.recheckCh:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) waitForDispatches(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Msg("timed out waiting for in-flight tasks")
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	// A broken cycle must not take the loop down with it.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scheduling cycle panicked")
		}
	}()

	if int(s.sinceSync.Add(1)) >= s.cfg.Scheduler.SyncEveryCycles {
		s.syncPools(ctx)
		s.sinceSync.Store(0)
	}

	tasks := s.params.Queue.Schedulable()
	if len(tasks) == 0 {
		return
	}

	budget := s.cfg.Scheduler.MaxConcurrentTranscriptions - s.params.Queue.ProcessingCount()
	if budget <= 0 {
		log.Debug().Msg("global concurrency cap reached, skipping cycle")
		return
	}

	pools := s.poolsByAvailable()
	if len(pools) == 0 {
		// Let the retry budget decide when waiting for a device to
		// appear turns into failure.
		for _, task := range tasks {
			_ = s.params.Queue.Fail(task.ID, types.ErrKindUnknown, "no GPU available for transcription")
		}
		return
	}

	assigned := map[string]struct{}{}
	for _, pool := range pools {
		if budget <= 0 {
			break
		}
		if pool.ActiveTasks() >= s.cfg.Scheduler.MaxTasksPerGPU {
			continue
		}
		available := pool.Available()
		if available < s.cfg.Scheduler.MemoryFloorGB {
			log.Debug().
				Int("gpu_id", pool.GPUID()).
				Float64("available_gb", available).
				Msg("memory pressure, skipping device")
			continue
		}
		// One dispatch per device per cycle keeps estimates honest:
		// the next cycle sees the new allocation before stacking more
		// work on the same card.
		if task := s.dispatchOne(ctx, pool, tasks, assigned); task != "" {
			assigned[task] = struct{}{}
			budget--
		}
	}
}

// dispatchOne takes schedulable tasks in order and starts a worker for
// the first one it can reserve memory for. A task whose estimate does
// not fit ends the scan: dispatching a smaller task past it would
// starve large models under sustained load. Returns the dispatched
// task ID.
func (s *Scheduler) dispatchOne(ctx context.Context, pool *memory.Pool, tasks []*types.Task, assigned map[string]struct{}) string {
	gpuID := pool.GPUID()
	for _, task := range tasks {
		if _, taken := assigned[task.ID]; taken {
			continue
		}
		estimate := s.params.Estimator.Estimate(task.Model, gpuID)
		if err := pool.Allocate(task.ID, estimate); err != nil {
			log.Debug().
				Str("task_id", task.ID).
				Int("gpu_id", gpuID).
				Float64("estimate_gb", estimate).
				Msg("estimate does not fit, device done for this cycle")
			return ""
		}
		if err := s.params.Queue.MarkProcessing(task.ID, gpuID, estimate); err != nil {
			// Completed or cancelled since the snapshot was taken.
			pool.Release(task.ID, estimate)
			log.Debug().Err(err).Str("task_id", task.ID).Msg("task no longer schedulable")
			continue
		}

		s.inflight.Add(1)
		go s.runTask(ctx, task.Copy(), pool, estimate)
		return task.ID
	}
	return ""
}

// Cancel stops a task wherever it is. Queued tasks are removed
// outright; processing tasks get their worker context cancelled and
// fail once the runner reports back.
func (s *Scheduler) Cancel(taskID string) error {
	task, ok := s.params.Queue.Get(taskID)
	if !ok {
		return queue.ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	if cancel, ok := s.dispatches.Load(taskID); ok {
		log.Info().Str("task_id", taskID).Msg("cancelling running task")
		cancel()
		return nil
	}
	return s.params.Queue.Remove(taskID)
}

// syncPools reconciles pools with a fresh hardware snapshot: new
// devices get pools, existing pools adopt driver-reported usage.
func (s *Scheduler) syncPools(ctx context.Context) {
	devices, err := s.params.Inventory.Snapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("gpu snapshot failed, keeping previous pool state")
		return
	}

	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	s.devices = devices
	for id, device := range devices {
		pool, ok := s.pools[id]
		if !ok {
			pool = memory.NewPool(id, device.TotalMemoryGB, s.cfg.Memory.ReservedGB, s.cfg.Memory.SafetyMargin)
			s.pools[id] = pool
			log.Info().
				Int("gpu_id", id).
				Str("name", device.Name).
				Float64("total_gb", device.TotalMemoryGB).
				Msg("discovered GPU")
		}
		pool.SyncFromHardware(device.UsedMemoryGB)
	}
}

func (s *Scheduler) poolsByAvailable() []*memory.Pool {
	s.poolMu.RLock()
	pools := make([]*memory.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.poolMu.RUnlock()

	sort.Slice(pools, func(i, j int) bool {
		ai, aj := pools[i].Available(), pools[j].Available()
		if ai != aj {
			return ai > aj
		}
		return pools[i].GPUID() < pools[j].GPUID()
	})
	return pools
}
