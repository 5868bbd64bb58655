package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/scribe/api/pkg/types"
)

type fakeEngine struct {
	result *types.TranscriptionResult
	err    error
}

func (f *fakeEngine) Transcribe(_ context.Context, _, _, _ string) (*types.TranscriptionResult, error) {
	return f.result, f.err
}

type slowEngine struct {
	delay  time.Duration
	result *types.TranscriptionResult
}

func (s *slowEngine) Transcribe(ctx context.Context, _, _, _ string) (*types.TranscriptionResult, error) {
	select {
	case <-time.After(s.delay):
		return s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cachedModelDir(t *testing.T, model string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, model+".pt")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("w"), minValidModelSize), 0o644))
	return dir
}

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVE"), 0o644))
	return path
}

func runExecute(t *testing.T, req types.WorkerRequest, params ExecuteParams) (*types.WorkerResult, []envelope) {
	t.Helper()
	// The progress goroutine emits concurrently with the main flow.
	var mu sync.Mutex
	var envelopes []envelope
	Execute(context.Background(), req, params, func(e envelope) {
		mu.Lock()
		envelopes = append(envelopes, e)
		mu.Unlock()
	})
	require.NotEmpty(t, envelopes)
	last := envelopes[len(envelopes)-1]
	require.Equal(t, envelopeResult, last.Type)
	require.NotNil(t, last.Result)
	return last.Result, envelopes
}

func TestExecuteSuccess(t *testing.T) {
	engine := &fakeEngine{result: &types.TranscriptionResult{Text: "hello", Language: "en"}}
	req := types.WorkerRequest{TaskID: "t1", GPUID: 1, Model: "medium", FilePath: audioFile(t)}
	params := ExecuteParams{
		Engine: engine,
		Cache:  NewModelCache(cachedModelDir(t, "medium"), "http://localhost:0"),
		QueryPeakMemory: func(context.Context, int) (float64, error) {
			return 5.4, nil
		},
	}

	result, envelopes := runExecute(t, req, params)
	require.True(t, result.Success)
	assert.Equal(t, "t1", result.TaskID)
	assert.Equal(t, "hello", result.Result.Text)
	assert.Equal(t, "t1", result.Result.TaskID)
	assert.Equal(t, 5.4, result.PeakMemoryGB)

	// Progress walks the stage boundaries in order.
	var stages []float64
	for _, e := range envelopes {
		if e.Type == envelopeProgress {
			stages = append(stages, e.Progress)
		}
	}
	assert.Equal(t, []float64{2, 5, 20, 90}, stages)
}

func TestExecuteMissingFile(t *testing.T) {
	req := types.WorkerRequest{TaskID: "t1", Model: "medium", FilePath: "/nope/missing.wav"}
	params := ExecuteParams{Engine: &fakeEngine{}, Cache: NewModelCache(t.TempDir(), "http://localhost:0")}

	result, _ := runExecute(t, req, params)
	assert.False(t, result.Success)
	assert.Equal(t, types.ErrKindInvalidInput, result.ErrorKind)
	assert.Contains(t, result.Error, "not found")
}

func TestExecuteEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	req := types.WorkerRequest{TaskID: "t1", Model: "medium", FilePath: path}
	params := ExecuteParams{Engine: &fakeEngine{}, Cache: NewModelCache(t.TempDir(), "http://localhost:0")}

	result, _ := runExecute(t, req, params)
	assert.Equal(t, types.ErrKindInvalidInput, result.ErrorKind)
}

func TestExecuteModelUnavailable(t *testing.T) {
	req := types.WorkerRequest{TaskID: "t1", Model: "enormous", FilePath: audioFile(t)}
	params := ExecuteParams{Engine: &fakeEngine{}, Cache: NewModelCache(t.TempDir(), "http://127.0.0.1:1")}

	result, envelopes := runExecute(t, req, params)
	assert.False(t, result.Success)
	assert.Equal(t, types.ErrKindConfiguration, result.ErrorKind)

	// Subscribers see the download end in failure.
	var failures []*types.DownloadProgress
	for _, e := range envelopes {
		if e.Type == envelopeDownload && e.Download.Progress == -1 {
			failures = append(failures, e.Download)
		}
	}
	require.Len(t, failures, 1)
	assert.Equal(t, "t1", failures[0].TaskID)
	assert.Equal(t, "enormous", failures[0].Model)
}

func TestExecuteEmitsExtrapolatedProgressWhileEngineRuns(t *testing.T) {
	engine := &slowEngine{
		delay:  progressInterval + progressInterval/2,
		result: &types.TranscriptionResult{Text: "hello"},
	}
	req := types.WorkerRequest{TaskID: "t1", Model: "medium", FilePath: audioFile(t)}
	params := ExecuteParams{Engine: engine, Cache: NewModelCache(cachedModelDir(t, "medium"), "http://localhost:0")}

	result, envelopes := runExecute(t, req, params)
	require.True(t, result.Success)

	// At least one ticker update landed strictly inside the band while
	// the engine was still running.
	var inBand int
	for _, e := range envelopes {
		if e.Type == envelopeProgress && e.Progress > transcribeStart && e.Progress < transcribeCap {
			inBand++
		}
	}
	assert.GreaterOrEqual(t, inBand, 1)
}

func TestExecuteEngineFailureLeavesKindOpen(t *testing.T) {
	engine := &fakeEngine{err: errors.New("CUDA out of memory")}
	req := types.WorkerRequest{TaskID: "t1", Model: "medium", FilePath: audioFile(t)}
	params := ExecuteParams{Engine: engine, Cache: NewModelCache(cachedModelDir(t, "medium"), "http://localhost:0")}

	result, _ := runExecute(t, req, params)
	assert.False(t, result.Success)
	assert.Equal(t, types.ErrKindUnknown, result.ErrorKind)
	assert.Contains(t, result.Error, "CUDA out of memory")
}

func TestWorkerEnvRestrictsDevices(t *testing.T) {
	base := []string{"PATH=/usr/bin", "CUDA_VISIBLE_DEVICES=0,1,2,3", "HOME=/root"}
	env := workerEnv(base, 2)

	assert.Contains(t, env, "CUDA_VISIBLE_DEVICES=2")
	assert.Contains(t, env, "PATH=/usr/bin")
	count := 0
	for _, kv := range env {
		if len(kv) >= 21 && kv[:21] == "CUDA_VISIBLE_DEVICES=" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
