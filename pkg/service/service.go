// Package service implements the operations of the API on top of the store,
// the detector and the training runner.
package service

import (
	"context"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
	"github.com/meterlab/ammeter-pu/pkg/store"
)

// Trainer runs training jobs for PENDING models.
type Trainer interface {
	Submit(modelID string) *contract.Error
	Cancel(ctx context.Context, modelID string) (*entities.TrainedModel, *contract.Error)
}

type Service struct {
	config  *config.Config
	store   store.Store
	trainer Trainer
	metrics *metrics.Metrics
}

func New(cfg *config.Config, s store.Store, trainer Trainer, m *metrics.Metrics) *Service {
	return &Service{
		config:  cfg,
		store:   s,
		trainer: trainer,
		metrics: m,
	}
}
