package training_test

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/dataset"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
	"github.com/meterlab/ammeter-pu/pkg/store/sql"
	"github.com/meterlab/ammeter-pu/pkg/training"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

// not representable as a float64
const largeSeed = 1<<53 + 1

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

type fixture struct {
	store     *sql.Store
	runner    *training.Runner
	hub       *training.LogHub
	datasetID string
	root      string
}

func newFixture(t *testing.T, trainer string, configure func(*config.TrainingConfig)) *fixture {
	t.Helper()

	if trainer != "" && runtime.GOOS == "windows" {
		t.Skip("trainer scripts need a POSIX shell")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()

	sqlStore, err := sql.NewSQLStore(ctx, logger, &config.Config{
		Store: config.StoreConfig{URL: "sqlite:///" + filepath.Join(t.TempDir(), "training.db")},
	})
	require.NoError(t, err)

	experiment, contractError := sqlStore.CreateExperiment(ctx, "training", "")
	require.Nil(t, contractError)

	events := make([]*entities.AnomalyEvent, 0)
	for i := int64(0); i < 6; i++ {
		events = append(events, &entities.AnomalyEvent{
			MeterID: "m1", Line: "L1", StartTime: i * 1000, EndTime: i*1000 + 500,
			PointCount: 2, PeakValue: 30, BaselineMean: 10, BaselineStd: 1, Score: float64(10 + i),
		})
	}

	created, contractError := sqlStore.CreateDataset(ctx, &entities.AnalysisDataset{
		ExperimentID: experiment.ID,
		Config:       detect.DefaultConfig(),
		MeterIDs:     []string{"m1"},
		EndTime:      10_000,
	}, events)
	require.Nil(t, contractError)

	stored, contractError := sqlStore.ListEvents(ctx, created.ID)
	require.Nil(t, contractError)

	_, contractError = sqlStore.LabelEvents(
		ctx, created.ID, []string{stored[0].ID, stored[1].ID}, entities.EventStatusLabeledPositive,
	)
	require.Nil(t, contractError)

	_, contractError = sqlStore.LabelEvent(ctx, stored[2].ID, utils.PtrTo(entities.EventStatusLabeledNegative), nil)
	require.Nil(t, contractError)

	_, contractError = sqlStore.UpdateDatasetStatus(ctx, created.ID, entities.DatasetStatusCompleted)
	require.Nil(t, contractError)

	root := t.TempDir()

	cfg := config.TrainingConfig{
		ArtifactRoot: root,
		Workers:      1,
		QueueSize:    4,
		LogHistory:   100,
		LogRetention: time.Minute,
	}

	if trainer != "" {
		cfg.Command = []string{"sh", "-c", trainer}
	}

	if configure != nil {
		configure(&cfg)
	}

	hub := training.NewLogHub(cfg.LogHistory, 16, cfg.LogRetention, metrics.New())
	runner := training.NewRunner(sqlStore, hub, cfg, metrics.New())

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		require.NoError(t, runner.Shutdown(shutdownCtx))
		require.NoError(t, sqlStore.Close())
	})

	return &fixture{store: sqlStore, runner: runner, hub: hub, datasetID: created.ID, root: root}
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()

	trained, err := f.store.CreateModel(context.Background(), &entities.TrainedModel{
		DatasetID: f.datasetID,
		Config: training.ConfigFromOptions(dataset.Options{
			UnlabeledRatio: 2, ValidationFraction: 0.25, Seed: largeSeed,
		}),
	})
	require.Nil(t, err)
	require.Nil(t, f.runner.Submit(trained.ID))

	return trained.ID
}

// follow reads a model log until the status message, calling onLine for
// every log line on the way.
func follow(t *testing.T, hub *training.LogHub, modelID string, onLine func(line string)) []training.Message {
	t.Helper()

	subscription, ok := hub.Subscribe(modelID)
	require.True(t, ok)

	defer subscription.Close()

	messages := make([]training.Message, 0)
	record := func(message training.Message) {
		messages = append(messages, message)
		if message.Type == training.MessageTypeLog && onLine != nil {
			onLine(message.Line)
		}
	}

	for _, message := range subscription.History {
		record(message)
	}

	if subscription.Messages == nil {
		return messages
	}

	timeout := time.After(20 * time.Second)

	for {
		select {
		case message, ok := <-subscription.Messages:
			if !ok {
				return messages
			}

			record(message)
		case <-timeout:
			t.Fatalf("no final status for model %s", modelID)
		}
	}
}

func lines(messages []training.Message, stream string) []string {
	out := make([]string, 0)

	for _, message := range messages {
		if message.Type == training.MessageTypeLog && message.Stream == stream {
			out = append(out, message.Line)
		}
	}

	return out
}

func finalStatus(t *testing.T, messages []training.Message) training.Message {
	t.Helper()

	require.NotEmpty(t, messages)

	last := messages[len(messages)-1]
	require.Equal(t, training.MessageTypeStatus, last.Type)

	return last
}

func TestRunnerSucceeds(t *testing.T) {
	f := newFixture(t, `
echo "training on $DATASET_ID"
echo warming up >&2
test -f "$JOB_DIR/job.yaml" || exit 9
printf '{"f1": 0.75, "precision": 0.5, "notes": "ignored"}' > "$JOB_DIR/metrics.json"
printf 'done'
`, nil)

	modelID := f.submit(t)
	messages := follow(t, f.hub, modelID, nil)

	status := finalStatus(t, messages)
	assert.Equal(t, entities.ModelStatusSucceeded, status.Status)
	assert.Empty(t, status.Error)

	assert.Equal(t, []string{"training on " + f.datasetID, "done"}, lines(messages, training.StreamStdout))
	assert.Equal(t, []string{"warming up"}, lines(messages, training.StreamStderr))

	trained, err := f.store.GetModel(context.Background(), modelID)
	require.Nil(t, err)
	assert.Equal(t, entities.ModelStatusSucceeded, trained.Status)
	assert.Equal(t, map[string]float64{"f1": 0.75, "precision": 0.5}, trained.Metrics)
	assert.Equal(t, filepath.Join(f.root, modelID), trained.ArtifactPath)
	assert.NotNil(t, trained.EndTime)

	manifest, readErr := training.ReadManifest(trained.ArtifactPath)
	require.NoError(t, readErr)
	assert.Equal(t, modelID, manifest.ModelID)
	assert.Equal(t, int64(largeSeed), manifest.Options.Seed)
	assert.Equal(t, training.ManifestStats{
		Train: 3, Validation: 2, Evaluation: 1, Positives: 2, Unlabeled: 3, UnlabeledDropped: 0,
	}, manifest.Stats)

	for _, name := range []string{training.TrainFile, training.ValidationFile, training.EvaluationFile} {
		_, statErr := os.Stat(filepath.Join(trained.ArtifactPath, name))
		assert.NoError(t, statErr, name)
	}
}

func TestRunnerFailures(t *testing.T) {
	scenarios := []struct {
		name    string
		trainer string
		message string
	}{
		{name: "non-zero exit", trainer: "echo boom >&2; exit 3", message: "exit status 3"},
		{name: "missing metrics", trainer: "true", message: "did not write metrics.json"},
		{name: "malformed metrics", trainer: `printf '[1, 2]' > "$JOB_DIR/metrics.json"`, message: "JSON object"},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			f := newFixture(t, scenario.trainer, nil)

			modelID := f.submit(t)
			status := finalStatus(t, follow(t, f.hub, modelID, nil))
			assert.Equal(t, entities.ModelStatusFailed, status.Status)
			assert.Contains(t, status.Error, scenario.message)

			trained, err := f.store.GetModel(context.Background(), modelID)
			require.Nil(t, err)
			assert.Equal(t, entities.ModelStatusFailed, trained.Status)
			assert.Contains(t, trained.ErrorMessage, scenario.message)
		})
	}
}

func TestRunnerWithoutCommand(t *testing.T) {
	f := newFixture(t, "", nil)

	modelID := f.submit(t)
	status := finalStatus(t, follow(t, f.hub, modelID, nil))
	assert.Equal(t, entities.ModelStatusFailed, status.Status)
	assert.Contains(t, status.Error, "no trainer command configured")
}

func TestRunnerTimeout(t *testing.T) {
	f := newFixture(t, "sleep 30", func(cfg *config.TrainingConfig) {
		cfg.Timeout = 200 * time.Millisecond
	})

	modelID := f.submit(t)
	status := finalStatus(t, follow(t, f.hub, modelID, nil))
	assert.Equal(t, entities.ModelStatusFailed, status.Status)
	assert.Equal(t, "training timed out", status.Error)
}

func TestRunnerCancel(t *testing.T) {
	f := newFixture(t, "echo ready; sleep 30", nil)

	running := f.submit(t)
	queued := f.submit(t)

	cancelled, err := f.runner.Cancel(context.Background(), queued)
	require.Nil(t, err)
	assert.Equal(t, entities.ModelStatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled before start", cancelled.ErrorMessage)

	_, err = f.runner.Cancel(context.Background(), queued)
	require.NotNil(t, err)
	assert.Equal(t, contract.ErrorCodeInvalidState, err.Code)

	requested := false
	messages := follow(t, f.hub, running, func(line string) {
		if line == "ready" && !requested {
			requested = true

			_, err := f.runner.Cancel(context.Background(), running)
			assert.Nil(t, err)
		}
	})

	require.True(t, requested)

	status := finalStatus(t, messages)
	assert.Equal(t, entities.ModelStatusCancelled, status.Status)

	trained, err := f.store.GetModel(context.Background(), running)
	require.Nil(t, err)
	assert.Equal(t, entities.ModelStatusCancelled, trained.Status)

	// the queued job was skipped by the worker
	queuedModel, err := f.store.GetModel(context.Background(), queued)
	require.Nil(t, err)
	assert.Equal(t, entities.ModelStatusCancelled, queuedModel.Status)
	assert.Nil(t, queuedModel.StartTime)
}

func TestRunnerQueueFull(t *testing.T) {
	f := newFixture(t, "sleep 30", func(cfg *config.TrainingConfig) {
		cfg.QueueSize = 1
	})

	rejected := 0

	for j := 0; j < 3; j++ {
		trained, err := f.store.CreateModel(context.Background(), &entities.TrainedModel{DatasetID: f.datasetID})
		require.Nil(t, err)

		if err := f.runner.Submit(trained.ID); err != nil {
			assert.Equal(t, contract.ErrorCodeTemporarilyUnavailable, err.Code)

			rejected++
		}
	}

	assert.GreaterOrEqual(t, rejected, 1)
}

func TestRunnerShutdownLeavesQueuedPending(t *testing.T) {
	f := newFixture(t, "echo ready; sleep 30", nil)

	running := f.submit(t)
	queued := []string{f.submit(t), f.submit(t), f.submit(t)}

	stopped := false
	messages := follow(t, f.hub, running, func(line string) {
		if line == "ready" && !stopped {
			stopped = true

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			assert.NoError(t, f.runner.Shutdown(shutdownCtx))
		}
	})

	require.True(t, stopped)
	assert.Equal(t, entities.ModelStatusCancelled, finalStatus(t, messages).Status)

	for _, modelID := range queued {
		trained, err := f.store.GetModel(context.Background(), modelID)
		require.Nil(t, err)
		assert.Equal(t, entities.ModelStatusPending, trained.Status, modelID)
		assert.Nil(t, trained.StartTime, modelID)
	}
}

func TestRunnerRejectsAfterShutdown(t *testing.T) {
	f := newFixture(t, "true", nil)

	require.NoError(t, f.runner.Shutdown(context.Background()))

	err := f.runner.Submit("any")
	require.NotNil(t, err)
	assert.Equal(t, contract.ErrorCodeTemporarilyUnavailable, err.Code)
}

func TestOptionsFromConfig(t *testing.T) {
	defaults := dataset.Options{UnlabeledRatio: 1, ValidationFraction: 0.2, Seed: 42}

	assert.Equal(t, defaults, training.OptionsFromConfig(nil, defaults))
	assert.Equal(t,
		dataset.Options{UnlabeledRatio: 3, ValidationFraction: 0.2, Seed: 9},
		training.OptionsFromConfig(map[string]any{"unlabeled_ratio": 3.0, "seed": 9.0, "other": "x"}, defaults),
	)

	assert.Equal(t, defaults, training.OptionsFromConfig(map[string]any{"seed": "soon"}, defaults))

	for _, seed := range []int64{5, -3, largeSeed, -largeSeed, math.MaxInt64, math.MinInt64} {
		options := dataset.Options{UnlabeledRatio: 0.5, ValidationFraction: 0.1, Seed: seed}
		assert.Equal(t, options, training.OptionsFromConfig(training.ConfigFromOptions(options), defaults))

		// as stored in the model's config column
		encoded, err := json.Marshal(training.ConfigFromOptions(options))
		require.NoError(t, err)

		var stored map[string]any
		require.NoError(t, json.Unmarshal(encoded, &stored))
		assert.Equal(t, options, training.OptionsFromConfig(stored, defaults))
	}
}

func TestReadMetrics(t *testing.T) {
	scenarios := []struct {
		name     string
		content  *string
		expected map[string]float64
		err      string
	}{
		{name: "numbers", content: utils.PtrTo(`{"auc": 0.9, "loss": 1e-3}`), expected: map[string]float64{"auc": 0.9, "loss": 0.001}},
		{name: "skips non numeric", content: utils.PtrTo(`{"auc": 1, "tag": "x", "nested": {}}`), expected: map[string]float64{"auc": 1}},
		{name: "missing", err: "did not write"},
		{name: "invalid", content: utils.PtrTo(`{"auc": `), err: "not valid JSON"},
		{name: "not an object", content: utils.PtrTo(`42`), err: "JSON object"},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			dir := t.TempDir()
			if scenario.content != nil {
				require.NoError(t, os.WriteFile(filepath.Join(dir, training.MetricsFile), []byte(*scenario.content), 0o600))
			}

			values, err := training.ReadMetrics(dir)
			if scenario.err != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), scenario.err), err.Error())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, scenario.expected, values)
		})
	}
}
