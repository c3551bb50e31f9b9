package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

func (s *Store) CreateMeter(ctx context.Context, meter *entities.Meter) (*entities.Meter, *contract.Error) {
	row := model.NewMeterFromEntity(meter)
	if row.CreationTime == 0 {
		row.CreationTime = time.Now().UnixMilli()
	}

	if row.Name == "" {
		row.Name = row.ID
	}

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var count int64
		if err := transaction.Model(&model.Meter{}).Where("meter_id = ?", row.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check meter %q: %w", row.ID, err)
		}

		if count > 0 {
			return gorm.ErrDuplicatedKey
		}

		if err := transaction.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert meter: %w", err)
		}

		return nil
	}); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, contract.NewError(
				contract.ErrorCodeResourceAlreadyExists,
				fmt.Sprintf("Meter(id=%s) already exists.", row.ID),
			)
		}

		return nil, toContractError(err, "failed to create meter")
	}

	return row.ToEntity(), nil
}

func (s *Store) GetMeter(ctx context.Context, id string) (*entities.Meter, *contract.Error) {
	var meter model.Meter
	if err := s.db.WithContext(ctx).Where("meter_id = ?", id).First(&meter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, contract.NewError(
				contract.ErrorCodeResourceDoesNotExist,
				fmt.Sprintf("No Meter with id=%s exists", id),
			)
		}

		return nil, toContractError(err, "failed to get meter")
	}

	return meter.ToEntity(), nil
}

func (s *Store) ListMeters(ctx context.Context, lines []string) ([]*entities.Meter, *contract.Error) {
	transaction := s.db.WithContext(ctx).Order("meter_id")
	if len(lines) > 0 {
		transaction = transaction.Where("line IN ?", lines)
	}

	var meters []model.Meter
	if err := transaction.Find(&meters).Error; err != nil {
		return nil, toContractError(err, "failed to list meters")
	}

	result := make([]*entities.Meter, 0, len(meters))
	for _, meter := range meters {
		result = append(result, meter.ToEntity())
	}

	return result, nil
}

func (s *Store) MissingMeters(ctx context.Context, ids []string) ([]string, *contract.Error) {
	missing, err := missingMeters(s.db.WithContext(ctx), utils.Dedupe(ids))
	if err != nil {
		return nil, toContractError(err, "failed to look up meters")
	}

	return missing, nil
}

func (s *Store) EnsureMeters(ctx context.Context, ids []string) ([]string, *contract.Error) {
	var created []string

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		missing, err := missingMeters(transaction, utils.Dedupe(ids))
		if err != nil {
			return err
		}

		if len(missing) == 0 {
			return nil
		}

		now := time.Now().UnixMilli()
		rows := make([]model.Meter, 0, len(missing))

		for _, id := range missing {
			rows = append(rows, model.Meter{ID: id, Name: id, CreationTime: now})
		}

		if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, s.batchSize).Error; err != nil {
			return fmt.Errorf("failed to register meters: %w", err)
		}

		created = missing

		return nil
	}); err != nil {
		return nil, toContractError(err, "failed to register meters")
	}

	return created, nil
}

func missingMeters(transaction *gorm.DB, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var existing []string
	if err := transaction.Model(&model.Meter{}).Where("meter_id IN ?", ids).Pluck("meter_id", &existing).Error; err != nil {
		return nil, fmt.Errorf("failed to look up meters: %w", err)
	}

	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}

	missing := make([]string, 0)

	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}

	return missing, nil
}

func (s *Store) IngestReadings(ctx context.Context, readings []entities.Reading) (int64, *contract.Error) {
	if len(readings) == 0 {
		return 0, nil
	}

	// the last value wins for a repeated (meter, timestamp) within one batch
	type readingKey struct {
		meterID   string
		timestamp int64
	}

	byKey := make(map[readingKey]int, len(readings))
	rows := make([]model.Reading, 0, len(readings))

	for _, reading := range readings {
		key := readingKey{reading.MeterID, reading.Timestamp}
		if index, ok := byKey[key]; ok {
			rows[index].Value = reading.Value

			continue
		}

		byKey[key] = len(rows)
		rows = append(rows, model.NewReadingFromEntity(reading))
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meter_id"}, {Name: "recorded_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).CreateInBatches(&rows, s.batchSize).Error; err != nil {
		return 0, toContractError(err, "failed to ingest readings")
	}

	return int64(len(rows)), nil
}

func (s *Store) QueryReadings(
	ctx context.Context, meterIDs []string, start, end int64,
) ([]entities.Reading, *contract.Error) {
	if len(meterIDs) == 0 {
		return []entities.Reading{}, nil
	}

	var rows []model.Reading
	if err := s.db.WithContext(ctx).
		Where("meter_id IN ?", meterIDs).
		Where("recorded_at >= ? AND recorded_at < ?", start, end).
		Order("meter_id").
		Order("recorded_at").
		Find(&rows).Error; err != nil {
		return nil, toContractError(err, "failed to query readings")
	}

	readings := make([]entities.Reading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.ToEntity())
	}

	return readings, nil
}
