// Package training runs PU training jobs in the background. A job exports
// the PU dataset of a completed analysis dataset into a job directory,
// runs the external trainer on it and records the outcome.
package training

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/dataset"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
	"github.com/meterlab/ammeter-pu/pkg/store"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

type Store interface {
	store.EventStore
	store.ModelStore
}

type Runner struct {
	store   Store
	hub     *LogHub
	cfg     config.TrainingConfig
	metrics *metrics.Metrics

	queue chan string

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

func NewRunner(jobStore Store, hub *LogHub, cfg config.TrainingConfig, m *metrics.Metrics) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	runner := &Runner{
		store:   jobStore,
		hub:     hub,
		cfg:     cfg,
		metrics: m,
		queue:   make(chan string, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}

	runner.wg.Add(workers)

	for i := 0; i < workers; i++ {
		go runner.work()
	}

	return runner
}

// Submit queues a PENDING model for training.
func (r *Runner) Submit(modelID string) *contract.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return contract.NewError(contract.ErrorCodeTemporarilyUnavailable, "training runner is shutting down")
	}

	r.hub.Open(modelID)

	select {
	case r.queue <- modelID:
		logrus.WithField("model_id", modelID).Debug("Queued training job")

		return nil
	default:
		r.hub.Discard(modelID)

		return contract.NewError(
			contract.ErrorCodeTemporarilyUnavailable,
			fmt.Sprintf("training queue is full (%d jobs), retry later", cap(r.queue)),
		)
	}
}

// Cancel stops a running job or cancels a model that is still queued.
func (r *Runner) Cancel(ctx context.Context, modelID string) (*entities.TrainedModel, *contract.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.running[modelID]; ok {
		cancel()

		return r.store.GetModel(ctx, modelID)
	}

	trained, err := r.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if trained.Status.Terminal() {
		return nil, contract.NewError(
			contract.ErrorCodeInvalidState,
			fmt.Sprintf("TrainedModel(id=%s) already finished with status %s", modelID, trained.Status),
		)
	}

	trained, err = r.store.TransitionModel(ctx, modelID, entities.ModelStatusCancelled, store.ModelUpdate{
		ErrorMessage: utils.PtrTo("cancelled before start"),
	})
	if err != nil {
		return nil, err
	}

	r.hub.Close(modelID, entities.ModelStatusCancelled, trained.ErrorMessage)
	r.metrics.TrainingJobFinished(string(entities.ModelStatusCancelled))

	return trained, nil
}

// Shutdown stops accepting jobs, cancels the running ones and waits for
// the workers. Models still queued stay PENDING.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("training workers did not stop: %w", ctx.Err())
	}
}

func (r *Runner) work() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case modelID := <-r.queue:
			// select picks at random when both are ready
			if r.ctx.Err() != nil {
				return
			}

			r.execute(modelID)
		}
	}
}

var errSkipped = errors.New("model is no longer pending")

type outcome struct {
	status  entities.ModelStatus
	metrics map[string]float64
	err     error
}

func (r *Runner) execute(modelID string) {
	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)

	if r.cfg.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(r.ctx, r.cfg.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(r.ctx)
	}

	r.mu.Lock()
	r.running[modelID] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, modelID)
		r.mu.Unlock()
		cancel()
	}()

	logger := logrus.WithField("model_id", modelID)

	result := r.train(jobCtx, modelID, logger)
	if errors.Is(result.err, errSkipped) {
		logger.Debug("Skipping training job that is no longer pending")
		r.hub.Discard(modelID)

		return
	}

	r.finish(modelID, result, logger)
}

func (r *Runner) train(ctx context.Context, modelID string, logger *logrus.Entry) outcome {
	// status changes use a context the job cancellation does not reach
	storeCtx := context.Background()

	dir, err := filepath.Abs(filepath.Join(r.cfg.ArtifactRoot, modelID))
	if err != nil {
		return outcome{status: entities.ModelStatusFailed, err: fmt.Errorf("invalid artifact root: %w", err)}
	}

	trained, contractError := r.store.TransitionModel(storeCtx, modelID, entities.ModelStatusRunning, store.ModelUpdate{
		ArtifactPath: utils.PtrTo(dir),
	})
	if contractError != nil {
		if contractError.Code == contract.ErrorCodeInvalidState {
			return outcome{err: errSkipped}
		}

		return outcome{status: entities.ModelStatusFailed, err: contractError}
	}

	r.hub.Publish(modelID, StreamRunner, "job started")

	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	events, contractError := r.store.ListEvents(storeCtx, trained.DatasetID)
	if contractError != nil {
		return outcome{status: entities.ModelStatusFailed, err: contractError}
	}

	set, err := dataset.BuildFrom(events, OptionsFromConfig(trained.Config, r.defaultOptions()))
	if err != nil {
		return outcome{status: entities.ModelStatusFailed, err: err}
	}

	if set.Stats.Positives == 0 {
		return outcome{status: entities.ModelStatusFailed, err: errors.New("dataset has no LABELED_POSITIVE events")}
	}

	manifest, err := WriteJobDir(dir, trained, set)
	if err != nil {
		return outcome{status: entities.ModelStatusFailed, err: err}
	}

	r.hub.Publish(modelID, StreamRunner, fmt.Sprintf(
		"wrote %d train, %d validation and %d evaluation examples",
		manifest.Stats.Train, manifest.Stats.Validation, manifest.Stats.Evaluation,
	))

	err = launchTrainer(ctx, trainerCommand{
		command: r.cfg.Command,
		env: append(append([]string(nil), r.cfg.Env...),
			"JOB_DIR="+dir,
			"MODEL_ID="+modelID,
			"DATASET_ID="+trained.DatasetID,
		),
		dir: dir,
		output: func(stream, line string) {
			logger.WithField("stream", stream).Debug(line)
			r.hub.Publish(modelID, stream, line)
		},
	})

	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	if err != nil {
		return outcome{status: entities.ModelStatusFailed, err: err}
	}

	values, err := ReadMetrics(dir)
	if err != nil {
		return outcome{status: entities.ModelStatusFailed, err: err}
	}

	return outcome{status: entities.ModelStatusSucceeded, metrics: values}
}

func cancelled(ctx context.Context) outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return outcome{status: entities.ModelStatusFailed, err: errors.New("training timed out")}
	}

	return outcome{status: entities.ModelStatusCancelled, err: errors.New("training cancelled")}
}

func (r *Runner) finish(modelID string, result outcome, logger *logrus.Entry) {
	update := store.ModelUpdate{Metrics: result.metrics}

	errorMessage := ""
	if result.err != nil {
		errorMessage = result.err.Error()
		update.ErrorMessage = utils.PtrTo(errorMessage)
	}

	if _, err := r.store.TransitionModel(context.Background(), modelID, result.status, update); err != nil {
		logger.Errorf("Failed to record training outcome %s: %v", result.status, err)
	}

	switch result.status {
	case entities.ModelStatusFailed:
		logger.Warnf("Training failed: %s", errorMessage)

		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("model_id", modelID)
			sentry.CaptureException(result.err)
		})
	case entities.ModelStatusSucceeded:
		logger.Infof("Training succeeded with %d metrics", len(result.metrics))
	case entities.ModelStatusCancelled, entities.ModelStatusPending, entities.ModelStatusRunning:
		logger.Infof("Training ended with status %s", result.status)
	}

	r.hub.Close(modelID, result.status, errorMessage)
	r.metrics.TrainingJobFinished(string(result.status))
}

func (r *Runner) defaultOptions() dataset.Options {
	return dataset.Options{
		UnlabeledRatio:     r.cfg.UnlabeledRatio,
		ValidationFraction: r.cfg.ValidationFrac,
		Seed:               r.cfg.DefaultSeed,
	}
}

// OptionsFromConfig reads PU options stored in a model config, falling
// back to defaults for absent keys.
func OptionsFromConfig(values map[string]any, defaults dataset.Options) dataset.Options {
	options := defaults

	if value, ok := number(values, "unlabeled_ratio"); ok {
		options.UnlabeledRatio = value
	}

	if value, ok := number(values, "validation_fraction"); ok {
		options.ValidationFraction = value
	}

	if value, ok := seed(values["seed"]); ok {
		options.Seed = value
	}

	return options
}

func number(values map[string]any, key string) (float64, bool) {
	switch value := values[key].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

// seed accepts the decimal string written by ConfigFromOptions and plain
// JSON numbers from older configs.
func seed(value any) (int64, bool) {
	switch value := value.(type) {
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)

		return parsed, err == nil
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	default:
		return 0, false
	}
}

// ConfigFromOptions is the inverse of OptionsFromConfig. The seed is kept as
// a decimal string since JSON numbers lose int64 precision above 2^53.
func ConfigFromOptions(options dataset.Options) map[string]any {
	return map[string]any{
		"unlabeled_ratio":     options.UnlabeledRatio,
		"validation_fraction": options.ValidationFraction,
		"seed":                strconv.FormatInt(options.Seed, 10),
	}
}
