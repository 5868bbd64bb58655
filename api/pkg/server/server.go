package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/scribehq/scribe/api/pkg/config"
	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/pubsub"
	"github.com/scribehq/scribe/api/pkg/queue"
	"github.com/scribehq/scribe/api/pkg/saver"
	"github.com/scribehq/scribe/api/pkg/scheduler"
)

const APIPrefix = "/api/v1"

// ScribeAPIServer exposes task submission, status and the event
// stream over HTTP.
type ScribeAPIServer struct {
	cfg       config.ServerConfig
	scheduler *scheduler.Scheduler
	queue     *queue.TaskQueue
	recorder  *memory.Recorder
	saver     *saver.TranscriptionSaver
	pubsub    pubsub.PubSub

	router *mux.Router
}

type Params struct {
	Scheduler *scheduler.Scheduler
	Queue     *queue.TaskQueue
	Recorder  *memory.Recorder
	Saver     *saver.TranscriptionSaver
	PubSub    pubsub.PubSub
}

func NewServer(cfg config.ServerConfig, params Params) (*ScribeAPIServer, error) {
	if params.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if params.PubSub == nil {
		return nil, fmt.Errorf("pubsub is required")
	}

	s := &ScribeAPIServer{
		cfg:       cfg,
		scheduler: params.Scheduler,
		queue:     params.Queue,
		recorder:  params.Recorder,
		saver:     params.Saver,
		pubsub:    params.PubSub,
	}
	s.router = s.registerRoutes()
	return s, nil
}

func (s *ScribeAPIServer) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix(APIPrefix).Subrouter()

	api.HandleFunc("/tasks", s.submitTasks).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.cancelTask).Methods(http.MethodDelete)
	api.HandleFunc("/status", s.systemStatus).Methods(http.MethodGet)
	api.HandleFunc("/gpus", s.gpuSelector).Methods(http.MethodGet)
	api.HandleFunc("/queue/stats", s.queueStats).Methods(http.MethodGet)
	api.HandleFunc("/memory/stats", s.memoryStats).Methods(http.MethodGet)
	api.HandleFunc("/outputs", s.listOutputs).Methods(http.MethodGet)
	api.HandleFunc("/ws/events", s.eventsWebsocket).Methods(http.MethodGet)

	return router
}

// Router exposes the handler tree for tests.
func (s *ScribeAPIServer) Router() http.Handler {
	return s.router
}

// ListenAndServe blocks until ctx is cancelled, then drains with a
// short grace period.
func (s *ScribeAPIServer) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("api server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
