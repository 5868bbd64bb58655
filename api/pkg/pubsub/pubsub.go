package pubsub

import (
	"context"
)

type Publisher interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PubSub is the process-internal message fabric. Implementations must
// never block publishers on slow subscribers.
type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

const (
	// TopicEvents carries every progress fabric envelope.
	TopicEvents = "scribe.events"
)

// UserEventsTopic scopes the event stream to one submitting user.
func UserEventsTopic(userID string) string {
	return TopicEvents + "." + userID
}
