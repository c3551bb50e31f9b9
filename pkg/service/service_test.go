package service_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/service"
	"github.com/meterlab/ammeter-pu/pkg/store/sql"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

const (
	t0       = int64(1_700_000_000_000)
	interval = int64(15 * 60 * 1000)
)

type fakeTrainer struct {
	mu        sync.Mutex
	submitted []string
	reject    *contract.Error
}

func (f *fakeTrainer) Submit(modelID string) *contract.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reject != nil {
		return f.reject
	}

	f.submitted = append(f.submitted, modelID)

	return nil
}

func (f *fakeTrainer) Cancel(context.Context, string) (*entities.TrainedModel, *contract.Error) {
	return nil, contract.NewError(contract.ErrorCodeInvalidState, "not running")
}

func newService(t *testing.T, autoRegister bool) (*service.Service, *fakeTrainer) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Store: config.StoreConfig{URL: "sqlite:///" + filepath.Join(t.TempDir(), "service.db")},
		Detection: config.DetectionConfig{
			ZScoreThreshold:   3,
			BaselineWindow:    48,
			MinBaselinePoints: 12,
			SpikePercentage:   0.5,
			MinPoints:         1,
			PeerWindow:        15 * time.Minute,
			PeerThreshold:     0.3,
			MaxGap:            30 * time.Minute,
		},
		Training: config.TrainingConfig{ValidationFrac: 0.2, DefaultSeed: 42},
		Ingest:   config.IngestConfig{AutoRegisterMeters: autoRegister, BatchSize: 100},
	}

	sqlStore, err := sql.NewSQLStore(context.Background(), logger, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sqlStore.Close() })

	trainer := &fakeTrainer{}

	return service.New(cfg, sqlStore, trainer, nil), trainer
}

// series returns n readings alternating between 10 and 11 with a spike of
// 30 at index spikeAt (negative for none).
func series(n, spikeAt int) []entities.ReadingValue {
	out := make([]entities.ReadingValue, 0, n)

	for i := 0; i < n; i++ {
		value := 10.0 + float64(i%2)
		if i == spikeAt {
			value = 30
		}

		out = append(out, entities.ReadingValue{Timestamp: t0 + int64(i)*interval, Value: utils.PtrTo(value)})
	}

	return out
}

func requireCode(t *testing.T, code contract.ErrorCode, err *contract.Error) {
	t.Helper()

	require.NotNil(t, err)
	assert.Equal(t, code, err.Code, err.Error())
}

func seedLine(t *testing.T, svc *service.Service) {
	t.Helper()

	ctx := context.Background()

	for _, meter := range []entities.CreateMeter{{ID: "m1", Line: "L1"}, {ID: "m2", Line: "L1"}} {
		_, err := svc.CreateMeter(ctx, &meter)
		require.Nil(t, err)
	}

	_, err := svc.IngestReadings(ctx, "m1", &entities.IngestReadings{Readings: series(40, 20)})
	require.Nil(t, err)

	_, err = svc.IngestReadings(ctx, "m2", &entities.IngestReadings{Readings: series(40, -1)})
	require.Nil(t, err)
}

func TestIngestRegistersMeters(t *testing.T) {
	ctx := context.Background()

	strict, _ := newService(t, false)

	_, err := strict.IngestReadings(ctx, "m1", &entities.IngestReadings{Readings: series(3, -1)})
	requireCode(t, contract.ErrorCodeResourceDoesNotExist, err)

	lenient, _ := newService(t, true)

	result, err := lenient.IngestBatch(ctx, []entities.Reading{
		{MeterID: "b", Timestamp: 1, Value: 1},
		{MeterID: "a", Timestamp: 1, Value: 1},
		{MeterID: "a", Timestamp: 2, Value: 2},
	})
	require.Nil(t, err)
	assert.Equal(t, int64(3), result.Written)
	assert.Equal(t, []string{"a", "b"}, result.RegisteredMeters)

	result, err = lenient.IngestBatch(ctx, []entities.Reading{{MeterID: "a", Timestamp: 3, Value: 3}})
	require.Nil(t, err)
	assert.Equal(t, []string{}, result.RegisteredMeters)

	readings, err := lenient.QueryReadings(ctx, "a", &entities.QueryReadings{Start: 0, End: 10})
	require.Nil(t, err)
	assert.Len(t, readings, 3)

	for _, id := range []string{"bad id", "meters/+", "-leading", strings.Repeat("x", 129)} {
		_, err = lenient.IngestReadings(ctx, id, &entities.IngestReadings{Readings: series(1, -1)})
		requireCode(t, contract.ErrorCodeInvalidParameterValue, err)

		_, err = lenient.GetMeter(ctx, id)
		requireCode(t, contract.ErrorCodeResourceDoesNotExist, err)
	}
}

func TestListMetersSplitsLines(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, false)

	for _, meter := range []entities.CreateMeter{{ID: "m1", Line: "L1"}, {ID: "m2", Line: "L2"}, {ID: "m3", Line: "L3"}} {
		_, err := svc.CreateMeter(ctx, &meter)
		require.Nil(t, err)
	}

	scenarios := []struct {
		name     string
		lines    []string
		expected []string
	}{
		{"all", nil, []string{"m1", "m2", "m3"}},
		{"repeated", []string{"L1", "L3"}, []string{"m1", "m3"}},
		{"comma separated", []string{"L1, L2"}, []string{"m1", "m2"}},
		{"mixed", []string{"L3", "L1,L3,"}, []string{"m1", "m3"}},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			meters, err := svc.ListMeters(ctx, &entities.ListMeters{Lines: scenario.lines})
			require.Nil(t, err)

			ids := make([]string, 0, len(meters))
			for _, meter := range meters {
				ids = append(ids, meter.ID)
			}

			assert.Equal(t, scenario.expected, ids)
		})
	}
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, true)

	result, err := svc.ImportCSV(ctx, strings.NewReader(
		"meter_id,line,timestamp,value\n"+
			"m1,L1,2024-01-01T00:00:00Z,10\n"+
			"m1,L1,2024-01-01T00:15:00Z,11\n"+
			"m2,L2,1704067200000,9.5\n",
	))
	require.Nil(t, err)
	assert.Equal(t, int64(3), result.Written)
	assert.Equal(t, []string{"m1", "m2"}, result.RegisteredMeters)

	meter, err := svc.GetMeter(ctx, "m2")
	require.Nil(t, err)
	assert.Equal(t, "L2", meter.Line)

	_, err = svc.ImportCSV(ctx, strings.NewReader("meter_id,line,timestamp,value\nm1,L1,yesterday,1\n"))
	requireCode(t, contract.ErrorCodeInvalidParameterValue, err)

	_, err = svc.ImportCSV(ctx, strings.NewReader("meter_id,line,timestamp,value\nm 3,L1,1704067200000,1\n"))
	requireCode(t, contract.ErrorCodeInvalidParameterValue, err)
}

func TestPreviewDetection(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, false)
	seedLine(t, svc)

	end := t0 + 40*interval

	preview, err := svc.PreviewDetection(ctx, &entities.DetectionRequest{
		Lines: []string{"L1"}, StartTime: t0, EndTime: end,
	})
	require.Nil(t, err)
	require.Len(t, preview.Result.Candidates, 1)

	candidate := preview.Result.Candidates[0]
	assert.Equal(t, "m1", candidate.MeterID)
	assert.Equal(t, t0+20*interval, candidate.StartTime)
	assert.InDelta(t, 30, candidate.PeakValue, 1e-9)
	require.NotNil(t, candidate.PeerRatio)
	assert.Equal(t, 80, preview.Result.Points)

	// the window excludes the spike
	preview, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		MeterIDs: []string{"m1"}, StartTime: t0, EndTime: t0 + 20*interval,
	})
	require.Nil(t, err)
	assert.Empty(t, preview.Result.Candidates)

	_, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		MeterIDs: []string{"m1", "ghost"}, StartTime: t0, EndTime: end,
	})
	requireCode(t, contract.ErrorCodeResourceDoesNotExist, err)

	_, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		Lines: []string{"L9"}, StartTime: t0, EndTime: end,
	})
	requireCode(t, contract.ErrorCodeResourceDoesNotExist, err)

	preview, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		Lines: []string{"L9, L1"}, StartTime: t0, EndTime: end,
	})
	require.Nil(t, err)
	assert.Len(t, preview.Result.Candidates, 1)

	_, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		Lines: []string{" , "}, StartTime: t0, EndTime: end,
	})
	requireCode(t, contract.ErrorCodeInvalidParameterValue, err)

	_, err = svc.PreviewDetection(ctx, &entities.DetectionRequest{
		MeterIDs: []string{"m1"}, StartTime: t0, EndTime: end,
		Config: &detect.Overrides{MinBaselinePoints: utils.PtrTo(100)},
	})
	requireCode(t, contract.ErrorCodeInvalidParameterValue, err)
}

func TestDatasetWorkflow(t *testing.T) {
	ctx := context.Background()
	svc, trainer := newService(t, false)
	seedLine(t, svc)

	experiment, err := svc.CreateExperiment(ctx, &entities.CreateExperiment{Name: "spikes"})
	require.Nil(t, err)

	request := entities.DetectionRequest{Lines: []string{"L1"}, StartTime: t0, EndTime: t0 + 40*interval}

	first, err := svc.CreateDataset(ctx, experiment.ID, &entities.CreateDataset{DetectionRequest: request, Name: "v1"})
	require.Nil(t, err)
	assert.Equal(t, int32(1), first.Version)
	assert.Equal(t, int64(1), first.CandidateCount)
	assert.Equal(t, []string{"m1", "m2"}, first.MeterIDs)
	assert.Equal(t, entities.DatasetStatusLabeling, first.Status)

	_, err = svc.SubmitTraining(ctx, first.ID, &entities.SubmitTraining{})
	requireCode(t, contract.ErrorCodeInvalidState, err)

	events, err := svc.SearchEvents(ctx, first.ID, &entities.SearchEvents{Filter: "meter_id = 'm1'"})
	require.Nil(t, err)
	require.Len(t, events.Items, 1)

	labeled, err := svc.LabelEvent(ctx, events.Items[0].ID, &entities.LabelEvent{
		Status: utils.PtrTo(entities.EventStatusLabeledPositive),
		Note:   utils.PtrTo("kettle"),
	})
	require.Nil(t, err)
	assert.Equal(t, entities.EventStatusLabeledPositive, labeled.Status)

	// the next version of the run keeps the reviewed label
	second, err := svc.CreateDataset(ctx, experiment.ID, &entities.CreateDataset{
		DetectionRequest:  request,
		InheritLabelsFrom: first.ID,
	})
	require.Nil(t, err)
	assert.Equal(t, int32(2), second.Version)
	assert.Equal(t, first.ID, second.InheritedFrom)
	assert.Equal(t, int64(1), second.StatusCounts[entities.EventStatusLabeledPositive])

	inherited, err := svc.SearchEvents(ctx, second.ID, &entities.SearchEvents{})
	require.Nil(t, err)
	require.Len(t, inherited.Items, 1)
	assert.Equal(t, "kettle", inherited.Items[0].Note)
	assert.NotEqual(t, events.Items[0].ID, inherited.Items[0].ID)

	completed, err := svc.UpdateDatasetStatus(ctx, second.ID, &entities.UpdateDatasetStatus{
		Status: entities.DatasetStatusCompleted,
	})
	require.Nil(t, err)
	assert.Equal(t, entities.DatasetStatusCompleted, completed.Status)

	exported, err := svc.ExportDataset(ctx, second.ID, &entities.PUOptions{ValidationFraction: utils.PtrTo(0.0)})
	require.Nil(t, err)
	assert.Equal(t, 1, exported.Stats.Positives)
	require.Len(t, exported.Train, 1)
	assert.Equal(t, 1, exported.Train[0].Label)

	_, err = svc.ExportDataset(ctx, second.ID, &entities.PUOptions{ValidationFraction: utils.PtrTo(1.5)})
	requireCode(t, contract.ErrorCodeInvalidParameterValue, err)

	trained, err := svc.SubmitTraining(ctx, second.ID, &entities.SubmitTraining{
		PUOptions: entities.PUOptions{Seed: utils.PtrTo(int64(9))},
		Name:      "first model",
	})
	require.Nil(t, err)
	assert.Equal(t, entities.ModelStatusPending, trained.Status)
	assert.Equal(t, "9", trained.Config["seed"])
	assert.Equal(t, 0.2, trained.Config["validation_fraction"])
	assert.Equal(t, []string{trained.ID}, trainer.submitted)

	trainer.reject = contract.NewError(contract.ErrorCodeTemporarilyUnavailable, "training queue is full")

	_, err = svc.SubmitTraining(ctx, second.ID, &entities.SubmitTraining{})
	requireCode(t, contract.ErrorCodeTemporarilyUnavailable, err)

	failed, err := svc.ListModels(ctx, &entities.ListModels{DatasetID: second.ID, Status: entities.ModelStatusFailed})
	require.Nil(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "training queue is full", failed[0].ErrorMessage)

	require.Nil(t, svc.DeleteExperiment(ctx, experiment.ID))

	_, err = svc.CreateDataset(ctx, experiment.ID, &entities.CreateDataset{DetectionRequest: request})
	requireCode(t, contract.ErrorCodeInvalidState, err)

	experiments, err := svc.ListExperiments(ctx, &entities.ListExperiments{})
	require.Nil(t, err)
	assert.Empty(t, experiments)
}
