package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

// RunCallbacks stream a task's progress while the worker runs.
type RunCallbacks struct {
	OnProgress func(progress float64, message string)
	OnDownload func(p types.DownloadProgress)
}

// Runner executes one transcription and returns its classified
// result. Errors are reserved for runner-level faults such as failing
// to start a process at all.
type Runner interface {
	Run(ctx context.Context, req types.WorkerRequest, cb RunCallbacks) (*types.WorkerResult, error)
}

// ProcessRunner runs each transcription in a fresh child process. The
// child's device visibility is restricted to the task's GPU through
// CUDA_VISIBLE_DEVICES, so engine code always addresses device 0 and
// a crashed run can never poison GPU state in this process, which
// never initialises a compute context itself.
type ProcessRunner struct {
	exePath string
}

var _ Runner = &ProcessRunner{}

func NewProcessRunner() (*ProcessRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable: %w", err)
	}
	return &ProcessRunner{exePath: exe}, nil
}

func (r *ProcessRunner) Run(ctx context.Context, req types.WorkerRequest, cb RunCallbacks) (*types.WorkerResult, error) {
	cmd := exec.CommandContext(ctx, r.exePath, "worker")
	cmd.Env = workerEnv(os.Environ(), req.GPUID)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding worker request: %w", err)
	}
	cmd.Stdin = strings.NewReader(string(payload))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	connectCmdStdErrToLogger(cmd, req.TaskID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	log.Info().
		Str("task_id", req.TaskID).
		Int("gpu_id", req.GPUID).
		Int("pid", cmd.Process.Pid).
		Msg("worker process started")

	var result *types.WorkerResult
	scanner := bufio.NewScanner(stdout)
	// Result envelopes carry the full transcript.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			log.Warn().Str("task_id", req.TaskID).Str("line", line).Msg("unparseable worker output")
			continue
		}
		switch env.Type {
		case envelopeProgress:
			if cb.OnProgress != nil {
				cb.OnProgress(env.Progress, env.Message)
			}
		case envelopeDownload:
			if cb.OnDownload != nil && env.Download != nil {
				cb.OnDownload(*env.Download)
			}
		case envelopeResult:
			result = env.Result
		}
	}

	waitErr := cmd.Wait()
	if result != nil {
		return result, nil
	}

	// No result envelope: the process died or was killed. Translate
	// into a classified result so the queue can decide what to do.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &types.WorkerResult{
			TaskID:    req.TaskID,
			ErrorKind: types.ErrKindFatalWorker,
			Error:     "transcription timed out",
		}, nil
	case errors.Is(ctx.Err(), context.Canceled):
		return &types.WorkerResult{
			TaskID:    req.TaskID,
			ErrorKind: types.ErrKindCancelled,
			Error:     "task cancelled",
		}, nil
	default:
		return &types.WorkerResult{
			TaskID:    req.TaskID,
			ErrorKind: types.ErrKindFatalWorker,
			Error:     fmt.Sprintf("worker process exited without result: %v", waitErr),
		}, nil
	}
}

// workerEnv restricts device visibility for the child. Any inherited
// CUDA_VISIBLE_DEVICES is dropped first so the child sees exactly one
// device, as logical 0.
func workerEnv(base []string, gpuID int) []string {
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "CUDA_VISIBLE_DEVICES=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(gpuID))
}

// connectCmdStdErrToLogger forwards child stderr lines into our log.
func connectCmdStdErrToLogger(cmd *exec.Cmd, taskID string) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Warn().Err(err).Msg("could not connect worker stderr")
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("task_id", taskID).Msg(scanner.Text())
		}
	}()
}
