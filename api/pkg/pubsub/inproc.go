package pubsub

import (
	"context"
	"sync"
)

// InProc is a broker-less PubSub for tests and single-binary use
// where spinning up the embedded NATS server is overkill.
type InProc struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(payload []byte) error
}

var _ PubSub = &InProc{}

func NewInProc() *InProc {
	return &InProc{subs: map[string]map[int]func(payload []byte) error{}}
}

func (p *InProc) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	handlers := make([]func(payload []byte) error, 0, len(p.subs[topic]))
	for _, h := range p.subs[topic] {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		_ = h(payload)
	}
	return nil
}

func (p *InProc) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[topic] == nil {
		p.subs[topic] = map[int]func(payload []byte) error{}
	}
	id := p.nextID
	p.nextID++
	p.subs[topic][id] = handler
	return &inprocSubscription{pubsub: p, topic: topic, id: id}, nil
}

func (p *InProc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = map[string]map[int]func(payload []byte) error{}
	return nil
}

type inprocSubscription struct {
	pubsub *InProc
	topic  string
	id     int
}

func (s *inprocSubscription) Unsubscribe() error {
	s.pubsub.mu.Lock()
	defer s.pubsub.mu.Unlock()
	delete(s.pubsub.subs[s.topic], s.id)
	return nil
}
