package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db        *gorm.DB
	batchSize int
}

// NewSQLStore opens the configured database and migrates the schema.
func NewSQLStore(ctx context.Context, logger *logrus.Logger, cfg *config.Config) (*Store, error) {
	database, err := NewDatabase(ctx, logger, cfg.Store)
	if err != nil {
		return nil, err
	}

	batchSize := cfg.Ingest.BatchSize
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}

	return &Store{db: database, batchSize: batchSize}, nil
}

const defaultBatchSize = 500

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// toContractError passes contract errors through and wraps everything else.
func toContractError(err error, message string) *contract.Error {
	var contractError *contract.Error
	if errors.As(err, &contractError) {
		return contractError
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contract.NewErrorWith(contract.ErrorCodeTemporarilyUnavailable, message, err)
	}

	return contract.NewErrorWith(contract.ErrorCodeInternalError, message, err)
}
