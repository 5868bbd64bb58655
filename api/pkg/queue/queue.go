package queue

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

var (
	ErrDuplicateTask = errors.New("task with this ID already exists")
	ErrTaskNotFound  = errors.New("task not found")
)

// progressEpsilon suppresses callback storms: progress callbacks only
// fire when the value moved at least this much (or a status changed).
const progressEpsilon = 0.1

// UpdateCallback observes task state changes. Callbacks receive a
// copy and are always invoked outside the queue lock.
type UpdateCallback func(task *types.Task)

// TaskQueue holds every task the system knows about: per-model FIFO
// queues of schedulable work, the processing set, and terminal tasks
// kept for status queries. All mutation goes through its methods.
type TaskQueue struct {
	mu sync.RWMutex

	// All tasks by ID, including completed and failed ones.
	tasks map[string]*types.Task
	// Schedulable task IDs per model, in arrival order.
	pending map[string][]string
	// Task IDs currently processing.
	processing map[string]struct{}

	counters   types.QueueCounters
	maxRetries int

	callbackMu sync.RWMutex
	callbacks  []UpdateCallback

	// Poked after completions and failures so the scheduler can react
	// to freed memory without waiting out its interval.
	recheck func()
}

func NewTaskQueue(maxRetries int) *TaskQueue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &TaskQueue{
		tasks:      map[string]*types.Task{},
		pending:    map[string][]string{},
		processing: map[string]struct{}{},
		maxRetries: maxRetries,
	}
}

// OnUpdate registers a callback for task state changes.
func (q *TaskQueue) OnUpdate(cb UpdateCallback) {
	q.callbackMu.Lock()
	defer q.callbackMu.Unlock()
	q.callbacks = append(q.callbacks, cb)
}

// SetRecheckNotifier installs the scheduler poke. Must be called
// before the queue starts receiving work.
func (q *TaskQueue) SetRecheckNotifier(fn func()) {
	q.recheck = fn
}

func (q *TaskQueue) notify(task *types.Task) {
	q.callbackMu.RLock()
	callbacks := append([]UpdateCallback(nil), q.callbacks...)
	q.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(task)
	}
}

func (q *TaskQueue) triggerRecheck() {
	if q.recheck != nil {
		q.recheck()
	}
}

// Add enqueues a new task. The task must carry an ID, a model and
// exactly one input file; duplicates are rejected.
func (q *TaskQueue) Add(task *types.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Model == "" {
		return fmt.Errorf("task model is required")
	}
	if task.FilePath == "" {
		return fmt.Errorf("task file path is required")
	}
	if task.Priority == 0 {
		task.Priority = types.PriorityNormal
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.maxRetries
	}
	if len(task.OutputFormats) == 0 {
		task.OutputFormats = []types.OutputFormat{types.OutputFormatTXT}
	}

	q.mu.Lock()
	if _, exists := q.tasks[task.ID]; exists {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	now := time.Now()
	task.Status = types.TaskStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Progress = 0
	q.tasks[task.ID] = task
	q.pending[task.Model] = append(q.pending[task.Model], task.ID)
	q.counters.Added++
	snapshot := task.Copy()
	q.mu.Unlock()

	log.Info().
		Str("task_id", task.ID).
		Str("model", task.Model).
		Str("priority", task.Priority.String()).
		Msg("task queued")
	q.notify(snapshot)
	return nil
}

// Get returns a copy of the task, terminal or not.
func (q *TaskQueue) Get(id string) (*types.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Copy(), true
}

// Schedulable returns copies of every pending or retrying task,
// ordered for dispatch: retrying tasks first, then by priority
// descending, then oldest first.
func (q *TaskQueue) Schedulable() []*types.Task {
	q.mu.RLock()
	var out []*types.Task
	for _, ids := range q.pending {
		for _, id := range ids {
			out = append(out, q.tasks[id].Copy())
		}
	}
	q.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aRetry := a.Status == types.TaskStatusRetrying
		bRetry := b.Status == types.TaskStatusRetrying
		if aRetry != bRetry {
			return aRetry
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// TasksByModel returns copies of the queued tasks for one model, in
// arrival order.
func (q *TaskQueue) TasksByModel(model string) []*types.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := q.pending[model]
	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.tasks[id].Copy())
	}
	return out
}

// MarkProcessing transitions a schedulable task to processing and
// stamps its memory reservation. The scheduler calls this after the
// pool allocation succeeded, never before.
func (q *TaskQueue) MarkProcessing(id string, gpuID int, memoryGB float64) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !task.Status.Schedulable() {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s, not schedulable", id, task.Status)
	}
	q.removePendingLocked(task)
	now := time.Now()
	task.Status = types.TaskStatusProcessing
	if task.StartedAt == nil {
		// Retries keep the original start time.
		task.StartedAt = &now
	}
	task.UpdatedAt = now
	task.Progress = 0
	task.Message = "processing started"
	gpu := gpuID
	task.AllocatedGPU = &gpu
	task.AllocatedMemoryGB = memoryGB
	q.processing[id] = struct{}{}
	snapshot := task.Copy()
	q.mu.Unlock()

	log.Info().
		Str("task_id", id).
		Int("gpu_id", gpuID).
		Float64("memory_gb", memoryGB).
		Msg("task processing")
	q.notify(snapshot)
	return nil
}

// UpdateProgress moves a processing task's progress forward. Values
// never regress and stay strictly below 100 until Complete; only
// completion may report 100. Sub-epsilon moves update state without
// firing callbacks.
func (q *TaskQueue) UpdateProgress(id string, progress float64, message string) {
	progress = math.Max(0, math.Min(99.9, progress))

	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != types.TaskStatusProcessing {
		q.mu.Unlock()
		return
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	moved := progress-task.Progress >= progressEpsilon
	task.Progress = progress
	if message != "" {
		task.Message = message
	}
	task.UpdatedAt = time.Now()
	snapshot := task.Copy()
	q.mu.Unlock()

	if moved {
		q.notify(snapshot)
	}
}

// Complete finishes a processing task successfully. The memory
// reservation fields are cleared; the caller releases the pool.
func (q *TaskQueue) Complete(id string, result *types.TranscriptionResult) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status != types.TaskStatusProcessing {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s, cannot complete", id, task.Status)
	}
	delete(q.processing, id)
	now := time.Now()
	task.Status = types.TaskStatusCompleted
	task.Progress = 100
	task.Message = "completed"
	task.Result = result
	task.EndedAt = &now
	task.UpdatedAt = now
	task.AllocatedGPU = nil
	task.AllocatedMemoryGB = 0
	q.counters.Completed++
	snapshot := task.Copy()
	q.mu.Unlock()

	log.Info().
		Str("task_id", id).
		Dur("duration", snapshot.Duration()).
		Msg("task completed")
	q.notify(snapshot)
	q.triggerRecheck()
	return nil
}

// Fail records a failure. Retryable failures within budget re-enter
// the model queue as retrying; everything else is terminal.
func (q *TaskQueue) Fail(id string, kind types.ErrorKind, message string) error {
	retryable := IsRetryable(kind, message)

	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("task %s is already %s", id, task.Status)
	}
	delete(q.processing, id)
	q.removePendingLocked(task)

	now := time.Now()
	task.UpdatedAt = now
	task.AllocatedGPU = nil
	task.AllocatedMemoryGB = 0

	var retrying bool
	if retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = types.TaskStatusRetrying
		task.Progress = 0
		task.Message = fmt.Sprintf("retry %d/%d: %s", task.RetryCount, task.MaxRetries, message)
		q.pending[task.Model] = append(q.pending[task.Model], task.ID)
		q.counters.Retried++
		retrying = true
	} else {
		task.Status = types.TaskStatusFailed
		task.Error = message
		task.Message = "failed"
		task.EndedAt = &now
		q.counters.Failed++
	}
	snapshot := task.Copy()
	q.mu.Unlock()

	if retrying {
		log.Warn().
			Str("task_id", id).
			Int("retry", snapshot.RetryCount).
			Str("error", message).
			Msg("task will retry")
	} else {
		log.Error().
			Str("task_id", id).
			Str("kind", string(kind)).
			Str("error", message).
			Msg("task failed")
	}
	q.notify(snapshot)
	q.triggerRecheck()
	return nil
}

// Remove deletes a task that has not started processing. Used for
// cancellation of queued work.
func (q *TaskQueue) Remove(id string) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !task.Status.Schedulable() {
		q.mu.Unlock()
		return fmt.Errorf("task %s is %s, cannot remove", id, task.Status)
	}
	q.removePendingLocked(task)
	delete(q.tasks, id)
	q.mu.Unlock()

	log.Info().Str("task_id", id).Msg("task removed from queue")
	return nil
}

func (q *TaskQueue) removePendingLocked(task *types.Task) {
	ids := q.pending[task.Model]
	for i, id := range ids {
		if id == task.ID {
			q.pending[task.Model] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(q.pending[task.Model]) == 0 {
		delete(q.pending, task.Model)
	}
}

// ProcessingCount returns how many tasks are currently processing.
func (q *TaskQueue) ProcessingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.processing)
}

// Stats returns per-model and lifetime queue statistics.
func (q *TaskQueue) Stats() types.QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := types.QueueStats{
		Models:   map[string]types.ModelQueueStats{},
		Counters: q.counters,
	}
	for model, ids := range q.pending {
		s := stats.Models[model]
		s.Pending = len(ids)
		stats.Models[model] = s
		stats.TotalPending += len(ids)
	}
	for id := range q.processing {
		model := q.tasks[id].Model
		s := stats.Models[model]
		s.Processing++
		stats.Models[model] = s
		stats.TotalProcessing++
	}
	return stats
}
