package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/pubsub"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// eventsWebsocket bridges the progress fabric to a websocket client.
// With ?user_id=X only that user's task events are delivered,
// otherwise the global stream.
func (s *ScribeAPIServer) eventsWebsocket(w http.ResponseWriter, r *http.Request) {
	topic := pubsub.TopicEvents
	userID := r.URL.Query().Get("user_id")
	if userID != "" {
		topic = pubsub.UserEventsTopic(userID)
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("error upgrading websocket")
		return
	}
	defer conn.Close()

	// Ping and subscription writes can race on the connection.
	var wsMu sync.Mutex

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wsMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
				wsMu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("websocket ping failed, connection closing")
					return
				}
			}
		}
	}()

	sub, err := s.pubsub.Subscribe(ctx, topic, func(payload []byte) error {
		wsMu.Lock()
		writeErr := conn.WriteMessage(websocket.TextMessage, payload)
		wsMu.Unlock()
		if writeErr != nil {
			log.Debug().Err(writeErr).Msg("error writing to websocket")
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("error subscribing to events")
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe")
		}
	}()

	log.Trace().Str("topic", topic).Msg("events websocket connected")

	// Block reading from the client; any error closes the stream.
	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			log.Trace().Err(err).Msg("websocket client disconnected")
			break
		}
		if messageType == websocket.CloseMessage {
			break
		}
	}
}
