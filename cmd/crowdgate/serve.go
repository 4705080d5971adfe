package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"crowdgate/internal/alerts"
	"crowdgate/internal/api"
	"crowdgate/internal/archive"
	"crowdgate/internal/config"
	"crowdgate/internal/dispatch"
	"crowdgate/internal/engine"
	"crowdgate/internal/events"
	"crowdgate/internal/ingest"
	"crowdgate/internal/logging"
	"crowdgate/internal/metrics"
	"crowdgate/internal/model"
	"crowdgate/internal/source"
	"crowdgate/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregation engine, ingest listeners and dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		logger, level := logging.NewLogger(cfg.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return err
		}
		if store != nil {
			if err := store.Init(ctx); err != nil {
				store.Close()
				return fmt.Errorf("init storage: %w", err)
			}
			defer store.Close()
			logger.Info("storage enabled", "driver", cfg.Storage.Driver)
		}

		var publisher events.Publisher
		if cfg.Events.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, nats.Name("crowdgate-events"))
			if err != nil {
				return err
			}
			publisher = pub
			logger.Info("events enabled", "nats_url", cfg.Events.NATSURL, "subject_prefix", cfg.Events.SubjectPrefix)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("events disabled (events.nats_url not set)")
		}
		defer publisher.Close()

		dispatcher := dispatch.New(cfg.Engine.EventBuffer, store, publisher, cfg.Events.SubjectPrefix, logger)
		metricsStore := metrics.NewStore()
		alertsStore := alerts.NewStore(cfg.Alerts.StoreLimit)
		eng, err := engine.NewEngine(cfg, logger, metricsStore, alertsStore, dispatcher)
		if err != nil {
			return fmt.Errorf("configure gates: %w", err)
		}

		dispatchDone := make(chan struct{})
		go func() {
			defer close(dispatchDone)
			dispatcher.Run(ctx)
		}()

		supervisor := source.NewSupervisor(eng, metricsStore, mgr, logger)

		observations := make(chan model.Observation, cfg.Ingest.ChannelBuffer)
		applier := ingest.NewApplier(eng, logger)
		go applier.Run(ctx, observations)
		ingest.StartREST(ctx, mgr, observations, logger)
		ingest.StartTCPStream(ctx, mgr, observations, logger)
		ingest.StartKafka(ctx, mgr, observations, logger)
		if _, err := ingest.StartNATS(ctx, mgr, observations, logger); err != nil {
			logger.Error("nats ingest failed to start", "err", err)
		}

		api.Start(ctx, api.Options{
			Config:  mgr,
			Engine:  eng,
			Sources: supervisor,
			Devices: source.NewDevices(),
			Metrics: metricsStore,
			Alerts:  alertsStore,
			History: store,
			Logger:  logger,
			Version: version,
		})

		if scheduler := startArchive(ctx, cfg.Archive, eng, alertsStore, logger); scheduler != nil {
			defer scheduler.Stop()
		}

		stopWatch := make(chan struct{})
		go mgr.Watch(3*time.Second, func(next *config.Config) {
			level.Set(logging.ParseLevel(next.LogLevel))
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, stopWatch)

		logger.Info("crowdgate started",
			"version", version,
			"gates", eng.Registry().Len(),
			"api_addr", cfg.API.Addr,
		)

		<-ctx.Done()
		logger.Info("shutting down")
		close(stopWatch)
		supervisor.StopAll()
		<-dispatchDone
		applied, stale, failed := applier.Stats()
		logger.Info("crowdgate stopped",
			"observations_applied", applied,
			"observations_stale", stale,
			"observations_failed", failed,
			"events_handled", dispatcher.Handled(),
			"events_dropped", dispatcher.Dropped(),
		)
		return nil
	},
}

func startArchive(ctx context.Context, cfg config.ArchiveConfig, eng *engine.Engine, alertsStore *alerts.Store, logger *slog.Logger) *archive.Scheduler {
	if cfg.Interval <= 0 {
		return nil
	}
	var dests []archive.Destination
	if cfg.Dir != "" {
		dests = append(dests, archive.NewDirDestination(cfg.Dir))
		logger.Info("archive dir destination enabled", "dir", cfg.Dir)
	}
	if cfg.S3.Bucket != "" {
		s3Dest, err := archive.NewS3Destination(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.Endpoint)
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("archive S3 destination enabled", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
		}
	}
	if len(dests) == 0 {
		return nil
	}
	scheduler := archive.NewScheduler(eng, alertsStore, dests, cfg.Interval.D(), cfg.S3.Prefix, logger)
	scheduler.Start(ctx)
	logger.Info("archive scheduler started", "interval", cfg.Interval.D())
	return scheduler
}
