package worker

import (
	"github.com/scribehq/scribe/api/pkg/types"
)

// envelopeType discriminates the newline-delimited JSON messages a
// worker child writes to stdout. Stdout is the only channel back to
// the parent; stderr carries free-form logs.
type envelopeType string

const (
	envelopeProgress envelopeType = "progress"
	envelopeDownload envelopeType = "download"
	envelopeResult   envelopeType = "result"
)

type envelope struct {
	Type     envelopeType            `json:"type"`
	Progress float64                 `json:"progress,omitempty"`
	Message  string                  `json:"message,omitempty"`
	Download *types.DownloadProgress `json:"download,omitempty"`
	Result   *types.WorkerResult     `json:"result,omitempty"`
}
