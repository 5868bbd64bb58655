package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scribehq/scribe/api/pkg/config"
	"github.com/scribehq/scribe/api/pkg/gpu"
	"github.com/scribehq/scribe/api/pkg/types"
	"github.com/scribehq/scribe/api/pkg/worker"
)

// newWorkerCmd is the process-isolation boundary: the scheduler
// spawns `scribe worker` with CUDA_VISIBLE_DEVICES restricted to one
// device, feeds a request on stdin and reads envelopes from stdout.
// Hidden because operators never run it by hand.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a single transcription (internal)",
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	// Stdout belongs to the envelope protocol; all logging goes to
	// stderr for the parent to forward.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var req types.WorkerRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decoding worker request: %w", err)
	}

	worker.RunChild(context.Background(), req, worker.ExecuteParams{
		Engine: worker.NewCommandEngine(cfg.Worker.EngineCommand),
		Cache:  worker.NewModelCache(cfg.Paths.ModelDir(), cfg.Worker.ModelDownloadBaseURL),
		QueryPeakMemory: func(ctx context.Context, gpuID int) (float64, error) {
			return gpu.QueryUsedMemoryGB(ctx, gpuID)
		},
	}, os.Stdout)
	return nil
}
