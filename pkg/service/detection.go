package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

type detection struct {
	config   detect.Config
	meterIDs []string
	result   *detect.Result
}

func (s *Service) detectionConfig(overrides *detect.Overrides) (detect.Config, *contract.Error) {
	cfg := detect.FromSettings(s.config.Detection).Apply(overrides)
	if err := cfg.Validate(); err != nil {
		return cfg, contract.NewErrorWith(contract.ErrorCodeInvalidParameterValue, "invalid detection config", err)
	}

	return cfg, nil
}

// selectMeters resolves the meters a request names, either directly or
// through their lines.
func (s *Service) selectMeters(
	ctx context.Context, request *entities.DetectionRequest,
) ([]*entities.Meter, *contract.Error) {
	if len(request.MeterIDs) == 0 {
		lines := utils.SplitAll(request.Lines)
		if len(lines) == 0 {
			return nil, contract.NewError(contract.ErrorCodeInvalidParameterValue, "lines must name at least one line")
		}

		meters, err := s.store.ListMeters(ctx, lines)
		if err != nil {
			return nil, err
		}

		if len(meters) == 0 {
			return nil, contract.NewError(
				contract.ErrorCodeResourceDoesNotExist,
				fmt.Sprintf("no meters on lines %s", strings.Join(lines, ", ")),
			)
		}

		return meters, nil
	}

	ids := utils.Dedupe(request.MeterIDs)

	missing, err := s.store.MissingMeters(ctx, ids)
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		return nil, contract.NewError(
			contract.ErrorCodeResourceDoesNotExist,
			fmt.Sprintf("unknown meters: %s", strings.Join(missing, ", ")),
		)
	}

	meters := make([]*entities.Meter, 0, len(ids))

	for _, id := range ids {
		meter, err := s.store.GetMeter(ctx, id)
		if err != nil {
			return nil, err
		}

		meters = append(meters, meter)
	}

	return meters, nil
}

func (s *Service) runDetection(
	ctx context.Context, request *entities.DetectionRequest,
) (*detection, *contract.Error) {
	cfg, contractError := s.detectionConfig(request.Config)
	if contractError != nil {
		return nil, contractError
	}

	meters, contractError := s.selectMeters(ctx, request)
	if contractError != nil {
		return nil, contractError
	}

	lines := make(map[string]string, len(meters))
	ids := make([]string, 0, len(meters))

	for _, meter := range meters {
		lines[meter.ID] = meter.Line
		ids = append(ids, meter.ID)
	}

	sort.Strings(ids)

	readings, contractError := s.store.QueryReadings(ctx, ids, request.StartTime, request.EndTime)
	if contractError != nil {
		return nil, contractError
	}

	points := make([]detect.Point, 0, len(readings))
	for _, reading := range readings {
		points = append(points, detect.Point{
			MeterID:   reading.MeterID,
			Line:      lines[reading.MeterID],
			Timestamp: reading.Timestamp,
			Value:     reading.Value,
		})
	}

	started := time.Now()

	result, err := detect.Detect(points, cfg)
	if err != nil {
		return nil, contract.NewErrorWith(contract.ErrorCodeInvalidParameterValue, "detection failed", err)
	}

	s.metrics.DetectionFinished(time.Since(started), len(result.Candidates))

	logrus.Debugf(
		"Detected %d candidates in %d readings of %d meters (%d flagged, %d suppressed by peers)",
		len(result.Candidates), result.Points, result.Meters, result.Flagged, result.PeerSuppressed,
	)

	return &detection{config: cfg, meterIDs: ids, result: result}, nil
}

// PreviewDetection runs the detector over stored readings without keeping
// the result.
func (s *Service) PreviewDetection(
	ctx context.Context, input *entities.DetectionRequest,
) (*entities.DetectionPreview, *contract.Error) {
	run, err := s.runDetection(ctx, input)
	if err != nil {
		return nil, err
	}

	return &entities.DetectionPreview{Config: run.config, Result: run.result}, nil
}
