package queue

import (
	"strings"

	"github.com/scribehq/scribe/api/pkg/types"
)

// Substring markers for failures no retry will fix. Only consulted
// when a worker could not attach a structured error kind.
var nonRetryableMarkers = []string{
	"file not found",
	"no such file",
	"unsupported format",
	"unsupported audio",
	"invalid",
	"corrupt",
	"malformed",
	"permission denied",
	"unknown model",
	"cancelled",
	"canceled",
}

// IsRetryable decides whether a failure is worth another attempt.
// Structured kinds win; the message heuristic is a fallback for
// errors that arrive unclassified.
func IsRetryable(kind types.ErrorKind, message string) bool {
	switch kind {
	case types.ErrKindTransient:
		return true
	case types.ErrKindInvalidInput, types.ErrKindConfiguration,
		types.ErrKindFatalWorker, types.ErrKindCancelled:
		return false
	}

	lower := strings.ToLower(message)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	// Unclassified failures are treated as transient. GPU and model
	// errors often clear up on a different device or a later cycle,
	// and the retry budget bounds the damage of guessing wrong.
	return true
}
