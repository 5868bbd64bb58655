package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Nats is PubSub backed by an embedded in-memory NATS server. Nothing
// is persisted; the broker lives and dies with the process.
type Nats struct {
	srv  *server.Server
	conn *nats.Conn
}

var _ PubSub = &Nats{}

func NewInMemoryNats() (*Nats, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start in-memory nats server")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &Nats{srv: ns, conn: nc}, nil
}

func (n *Nats) Publish(_ context.Context, topic string, payload []byte) error {
	return n.conn.Publish(topic, payload)
}

func (n *Nats) Subscribe(_ context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Err(err).Str("topic", topic).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *Nats) Close() error {
	n.conn.Close()
	n.srv.Shutdown()
	return nil
}
