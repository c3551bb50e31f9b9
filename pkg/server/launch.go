package server

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/ingest"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
	"github.com/meterlab/ammeter-pu/pkg/service"
	"github.com/meterlab/ammeter-pu/pkg/store/sql"
	"github.com/meterlab/ammeter-pu/pkg/training"
)

const sentryFlushTimeout = 2 * time.Second

func initSentry(cfg *config.Config) (bool, error) {
	if cfg.Sentry.DSN == "" {
		return false, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		SampleRate:  cfg.Sentry.SampleRate,
		Release:     "ammeter-pu@" + cfg.Server.Version,
	})
	if err != nil {
		return false, fmt.Errorf("sentry initialization failed: %w", err)
	}

	return true, nil
}

// Launch runs the HTTP server, the training runner and, when enabled, MQTT
// ingestion until ctx is cancelled or one of them fails.
//
//nolint:funlen
func Launch(ctx context.Context, cfg *config.Config) error {
	sentryEnabled, err := initSentry(cfg)
	if err != nil {
		return err
	}

	if sentryEnabled {
		defer sentry.Flush(sentryFlushTimeout)
	}

	m := metrics.New()

	sqlStore, err := sql.NewSQLStore(ctx, logrus.StandardLogger(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer sqlStore.Close()

	failed, contractError := sqlStore.FailInterruptedModels(ctx, "interrupted by a server restart")
	if contractError != nil {
		return contractError
	}

	if failed > 0 {
		logrus.Warnf("Marked %d interrupted training jobs as failed", failed)
	}

	hub := training.NewLogHub(cfg.Training.LogHistory, cfg.Training.SubscriberBuf, cfg.Training.LogRetention, m)
	runner := training.NewRunner(sqlStore, hub, cfg.Training, m)
	svc := service.New(cfg, sqlStore, runner, m)

	app, err := NewApp(cfg, svc, hub, m)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serve(groupCtx, app, cfg)
	})

	if cfg.MQTT.Enabled {
		subscriber := ingest.NewSubscriber(cfg.MQTT, svc)

		group.Go(func() error {
			return subscriber.Run(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return runner.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
