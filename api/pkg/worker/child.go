package worker

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

// RunChild is the worker subcommand's body: it executes the request
// and streams envelopes to out as JSON lines. The progress goroutine
// and the main flow both write, so encoding is serialised.
func RunChild(ctx context.Context, req types.WorkerRequest, params ExecuteParams, out io.Writer) {
	var mu sync.Mutex
	encoder := json.NewEncoder(out)
	Execute(ctx, req, params, func(e envelope) {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(e); err != nil {
			log.Err(err).Msg("failed to write envelope")
		}
	})
}
