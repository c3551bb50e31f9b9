package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

func (s *Service) CreateMeter(ctx context.Context, input *entities.CreateMeter) (*entities.Meter, *contract.Error) {
	return s.store.CreateMeter(ctx, &entities.Meter{
		ID:       input.ID,
		Name:     input.Name,
		Line:     input.Line,
		Location: input.Location,
	})
}

func (s *Service) GetMeter(ctx context.Context, id string) (*entities.Meter, *contract.Error) {
	return s.store.GetMeter(ctx, id)
}

func (s *Service) ListMeters(ctx context.Context, input *entities.ListMeters) ([]*entities.Meter, *contract.Error) {
	return s.store.ListMeters(ctx, utils.SplitAll(input.Lines))
}

// IngestReadings stores a JSON batch for a single meter.
func (s *Service) IngestReadings(
	ctx context.Context, meterID string, input *entities.IngestReadings,
) (*entities.IngestResult, *contract.Error) {
	readings := make([]entities.Reading, 0, len(input.Readings))
	for _, reading := range input.Readings {
		readings = append(readings, entities.Reading{
			MeterID:   meterID,
			Timestamp: reading.Timestamp,
			Value:     *reading.Value,
		})
	}

	return s.IngestBatch(ctx, readings)
}

// IngestBatch stores readings of any number of meters. Unknown meters are
// registered when auto registration is on and rejected otherwise.
func (s *Service) IngestBatch(ctx context.Context, readings []entities.Reading) (*entities.IngestResult, *contract.Error) {
	ids := make([]string, 0)
	seen := make(map[string]struct{})

	for _, reading := range readings {
		if _, ok := seen[reading.MeterID]; !ok {
			seen[reading.MeterID] = struct{}{}
			ids = append(ids, reading.MeterID)
		}
	}

	if err := checkMeterIDs(ids); err != nil {
		return nil, err
	}

	registered, err := s.ensureMeters(ctx, ids, nil)
	if err != nil {
		return nil, err
	}

	return s.ingest(ctx, readings, registered)
}

// ImportCSV stores readings from a meter_id,line,timestamp,value file. Lines
// given in the file are used when meters get registered.
func (s *Service) ImportCSV(ctx context.Context, reader io.Reader) (*entities.IngestResult, *contract.Error) {
	points, err := detect.ParseCSV(reader)
	if err != nil {
		return nil, contract.NewErrorWith(contract.ErrorCodeInvalidParameterValue, "invalid CSV body", err)
	}

	ids := make([]string, 0)
	lines := make(map[string]string)
	readings := make([]entities.Reading, 0, len(points))

	for index, point := range points {
		if point.MeterID == "" {
			return nil, contract.NewError(
				contract.ErrorCodeInvalidParameterValue,
				fmt.Sprintf("row %d has no meter_id", index+2), //nolint:mnd
			)
		}

		if _, ok := lines[point.MeterID]; !ok {
			lines[point.MeterID] = point.Line
			ids = append(ids, point.MeterID)
		}

		readings = append(readings, entities.Reading{
			MeterID:   point.MeterID,
			Timestamp: point.Timestamp,
			Value:     point.Value,
		})
	}

	if contractError := checkMeterIDs(ids); contractError != nil {
		return nil, contractError
	}

	registered, contractError := s.ensureMeters(ctx, ids, lines)
	if contractError != nil {
		return nil, contractError
	}

	return s.ingest(ctx, readings, registered)
}

func (s *Service) ingest(
	ctx context.Context, readings []entities.Reading, registered []string,
) (*entities.IngestResult, *contract.Error) {
	written, err := s.store.IngestReadings(ctx, readings)
	if err != nil {
		return nil, err
	}

	s.metrics.ReadingsIngested(written)

	if registered == nil {
		registered = []string{}
	}

	return &entities.IngestResult{Written: written, RegisteredMeters: registered}, nil
}

func checkMeterIDs(ids []string) *contract.Error {
	for _, id := range ids {
		if !entities.IsIdentifier(id) {
			return contract.NewError(
				contract.ErrorCodeInvalidParameterValue,
				fmt.Sprintf("invalid meter_id %q", id),
			)
		}
	}

	return nil
}

func (s *Service) ensureMeters(
	ctx context.Context, ids []string, lines map[string]string,
) ([]string, *contract.Error) {
	missing, err := s.store.MissingMeters(ctx, ids)
	if err != nil {
		return nil, err
	}

	if len(missing) == 0 {
		return nil, nil
	}

	sort.Strings(missing)

	if !s.config.Ingest.AutoRegisterMeters {
		return nil, contract.NewError(
			contract.ErrorCodeResourceDoesNotExist,
			fmt.Sprintf("unknown meters: %s", strings.Join(missing, ", ")),
		)
	}

	if len(lines) == 0 {
		registered, err := s.store.EnsureMeters(ctx, missing)
		if err != nil {
			return nil, err
		}

		logrus.Infof("Registered %d new meters", len(registered))

		return registered, nil
	}

	registered := make([]string, 0, len(missing))

	for _, id := range missing {
		_, err := s.store.CreateMeter(ctx, &entities.Meter{ID: id, Line: lines[id]})
		if err != nil {
			// registered by a concurrent import
			if err.Code == contract.ErrorCodeResourceAlreadyExists {
				continue
			}

			return nil, err
		}

		registered = append(registered, id)
	}

	logrus.Infof("Registered %d new meters", len(registered))

	return registered, nil
}

func (s *Service) QueryReadings(
	ctx context.Context, meterID string, input *entities.QueryReadings,
) ([]entities.Reading, *contract.Error) {
	if _, err := s.store.GetMeter(ctx, meterID); err != nil {
		return nil, err
	}

	return s.store.QueryReadings(ctx, []string{meterID}, input.Start, input.End)
}
