package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/types"
)

const fabricBuffer = 256

// Fabric fans progress events out over the PubSub. Publishing never
// blocks the caller: events queue into a buffer drained by a single
// goroutine, and are dropped with a warning when the buffer is full.
// Scheduling and transcription must never stall on slow consumers.
type Fabric struct {
	pubsub PubSub
	events chan types.Event
	done   chan struct{}
}

func NewFabric(pubsub PubSub) *Fabric {
	f := &Fabric{
		pubsub: pubsub,
		events: make(chan types.Event, fabricBuffer),
		done:   make(chan struct{}),
	}
	go f.dispatch()
	return f
}

func (f *Fabric) dispatch() {
	for {
		select {
		case <-f.done:
			return
		case event := <-f.events:
			f.deliver(event)
		}
	}
}

func (f *Fabric) deliver(event types.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Err(err).Msg("failed to marshal event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.pubsub.Publish(ctx, TopicEvents, payload); err != nil {
		log.Err(err).Str("type", string(event.Type)).Msg("failed to publish event")
	}
	if event.Task != nil && event.Task.UserID != "" {
		if err := f.pubsub.Publish(ctx, UserEventsTopic(event.Task.UserID), payload); err != nil {
			log.Err(err).Str("user_id", event.Task.UserID).Msg("failed to publish user event")
		}
	}
}

func (f *Fabric) enqueue(event types.Event) {
	event.Timestamp = time.Now().UTC()
	select {
	case f.events <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Msg("event buffer full, dropping event")
	}
}

// TaskUpdate publishes a task state snapshot.
func (f *Fabric) TaskUpdate(task *types.Task) {
	f.enqueue(types.Event{Type: types.EventTaskUpdate, Task: task})
}

// DownloadProgress publishes model download state.
func (f *Fabric) DownloadProgress(p types.DownloadProgress) {
	f.enqueue(types.Event{Type: types.EventDownloadProgress, Download: &p})
}

// Log publishes a diagnostic line for UI consoles.
func (f *Fabric) Log(level, message string) {
	f.enqueue(types.Event{Type: types.EventLogMessage, Log: &types.LogMessage{Level: level, Message: message}})
}

// Hook returns a zerolog hook mirroring warn-and-above log lines onto
// the event stream, so clients see the same diagnostics operators do.
// Install it on the global logger at startup.
func (f *Fabric) Hook() zerolog.Hook {
	return logHook{fabric: f}
}

type logHook struct {
	fabric *Fabric
}

func (h logHook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.WarnLevel || message == "" {
		return
	}
	event := types.Event{
		Type:      types.EventLogMessage,
		Timestamp: time.Now().UTC(),
		Log:       &types.LogMessage{Level: level.String(), Message: message},
	}
	// Drop silently when the buffer is full: logging from inside a log
	// hook would feed the hook its own output.
	select {
	case h.fabric.events <- event:
	default:
	}
}

// Close stops the dispatch goroutine. Buffered events not yet
// delivered are discarded.
func (f *Fabric) Close() {
	close(f.done)
}
