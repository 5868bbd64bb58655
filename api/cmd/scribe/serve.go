package scribe

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scribehq/scribe/api/pkg/config"
	"github.com/scribehq/scribe/api/pkg/gpu"
	"github.com/scribehq/scribe/api/pkg/memory"
	"github.com/scribehq/scribe/api/pkg/pubsub"
	"github.com/scribehq/scribe/api/pkg/queue"
	"github.com/scribehq/scribe/api/pkg/saver"
	"github.com/scribehq/scribe/api/pkg/scheduler"
	"github.com/scribehq/scribe/api/pkg/server"
	"github.com/scribehq/scribe/api/pkg/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription API server and scheduler",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return serve(cfg)
		},
	}
}

func serve(cfg config.ServerConfig) error {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorder, err := memory.NewRecorder(memory.RecorderParams{
		Path:          cfg.Memory.UsageFile,
		MaxRecords:    cfg.Memory.MaxRecords,
		RetentionDays: cfg.Memory.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("opening memory usage history: %w", err)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("closing memory recorder")
		}
	}()

	estimator := memory.NewEstimator(memory.EstimatorParams{
		ConfidenceFactor:  cfg.Memory.ConfidenceFactor,
		CalibrationFactor: cfg.Memory.CalibrationFactor,
		SampleWindow:      cfg.Memory.SampleWindow,
		MinSamples:        cfg.Memory.MinSamples,
	}, recorder)

	ps, err := pubsub.NewInMemoryNats()
	if err != nil {
		return fmt.Errorf("starting pubsub: %w", err)
	}
	defer ps.Close()
	fabric := pubsub.NewFabric(ps)
	defer fabric.Close()
	// Warnings and errors reach clients as log_message events.
	log.Logger = log.Logger.Hook(fabric.Hook())

	sink, err := saver.NewTranscriptionSaver(cfg.Paths.OutputFolder)
	if err != nil {
		return fmt.Errorf("initialising saver: %w", err)
	}
	runner, err := worker.NewProcessRunner()
	if err != nil {
		return fmt.Errorf("initialising worker runner: %w", err)
	}

	taskQueue := queue.NewTaskQueue(cfg.Scheduler.MaxTaskRetries)
	sched, err := scheduler.NewScheduler(cfg, scheduler.Params{
		Queue:     taskQueue,
		Inventory: gpu.NewSMIInventory(),
		Estimator: estimator,
		Runner:    runner,
		Sink:      sink,
		Fabric:    fabric,
	})
	if err != nil {
		return fmt.Errorf("initialising scheduler: %w", err)
	}

	// Periodic retention prune of the usage history.
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initialising cron: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(time.Duration(cfg.Memory.PruneEveryHours)*time.Hour),
		gocron.NewTask(func() { recorder.ClearOldRecords() }),
	)
	if err != nil {
		return fmt.Errorf("scheduling retention prune: %w", err)
	}
	cron.Start()
	defer func() { _ = cron.Shutdown() }()

	api, err := server.NewServer(cfg, server.Params{
		Scheduler: sched,
		Queue:     taskQueue,
		Recorder:  recorder,
		Saver:     sink,
		PubSub:    ps,
	})
	if err != nil {
		return fmt.Errorf("initialising api server: %w", err)
	}

	schedulerDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedulerDone)
	}()

	err = api.ListenAndServe(ctx)
	<-schedulerDone
	log.Info().Msg("shutdown complete")
	return err
}
