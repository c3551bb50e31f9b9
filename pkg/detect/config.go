package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/meterlab/ammeter-pu/pkg/config"
)

// Config controls candidate detection. It is persisted with every dataset so
// that a detection run can be reproduced.
type Config struct {
	ZScoreThreshold   float64         `json:"z_score_threshold"`
	BaselineWindow    int             `json:"baseline_window"`
	MinBaselinePoints int             `json:"min_baseline_points"`
	SpikePercentage   float64         `json:"spike_percentage"`
	MinDuration       config.Duration `json:"min_duration"`
	MinPoints         int             `json:"min_points"`
	PeerWindow        config.Duration `json:"peer_window"`
	PeerThreshold     float64         `json:"peer_threshold"`
	MaxGap            config.Duration `json:"max_gap"`
}

//nolint:mnd
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:   3.0,
		BaselineWindow:    48,
		MinBaselinePoints: 12,
		SpikePercentage:   0.5,
		MinPoints:         1,
		PeerWindow:        config.Duration{Duration: 15 * time.Minute},
		PeerThreshold:     0.3,
		MaxGap:            config.Duration{Duration: 30 * time.Minute},
	}
}

func FromSettings(settings config.DetectionConfig) Config {
	return Config{
		ZScoreThreshold:   settings.ZScoreThreshold,
		BaselineWindow:    settings.BaselineWindow,
		MinBaselinePoints: settings.MinBaselinePoints,
		SpikePercentage:   settings.SpikePercentage,
		MinDuration:       config.Duration{Duration: settings.MinDuration},
		MinPoints:         settings.MinPoints,
		PeerWindow:        config.Duration{Duration: settings.PeerWindow},
		PeerThreshold:     settings.PeerThreshold,
		MaxGap:            config.Duration{Duration: settings.MaxGap},
	}
}

//nolint:cyclop
func (c Config) Validate() error {
	var errs []error

	if c.ZScoreThreshold <= 0 {
		errs = append(errs, fmt.Errorf("z_score_threshold must be positive, got %v", c.ZScoreThreshold))
	}
	if c.BaselineWindow < 2 {
		errs = append(errs, fmt.Errorf("baseline_window must be at least 2, got %d", c.BaselineWindow))
	}
	if c.MinBaselinePoints < 2 || c.MinBaselinePoints > c.BaselineWindow {
		errs = append(errs, fmt.Errorf(
			"min_baseline_points must be between 2 and baseline_window (%d), got %d",
			c.BaselineWindow, c.MinBaselinePoints,
		))
	}
	if c.SpikePercentage < 0 {
		errs = append(errs, fmt.Errorf("spike_percentage must not be negative, got %v", c.SpikePercentage))
	}
	if c.MinDuration.Duration < 0 {
		errs = append(errs, fmt.Errorf("min_duration must not be negative, got %v", c.MinDuration))
	}
	if c.MinPoints < 1 {
		errs = append(errs, fmt.Errorf("min_points must be at least 1, got %d", c.MinPoints))
	}
	if c.PeerWindow.Duration < 0 {
		errs = append(errs, fmt.Errorf("peer_window must not be negative, got %v", c.PeerWindow))
	}
	if c.PeerThreshold < 0 {
		errs = append(errs, fmt.Errorf("peer_threshold must not be negative, got %v", c.PeerThreshold))
	}
	if c.MaxGap.Duration < 0 {
		errs = append(errs, fmt.Errorf("max_gap must not be negative, got %v", c.MaxGap))
	}

	return errors.Join(errs...)
}

// Overrides carries the optional per-request changes to a base Config.
type Overrides struct {
	ZScoreThreshold   *float64         `json:"z_score_threshold"   validate:"omitempty,gt=0"`
	BaselineWindow    *int             `json:"baseline_window"     validate:"omitempty,gte=2"`
	MinBaselinePoints *int             `json:"min_baseline_points" validate:"omitempty,gte=2"`
	SpikePercentage   *float64         `json:"spike_percentage"    validate:"omitempty,gte=0"`
	MinDuration       *config.Duration `json:"min_duration"`
	MinPoints         *int             `json:"min_points"          validate:"omitempty,gte=1"`
	PeerWindow        *config.Duration `json:"peer_window"`
	PeerThreshold     *float64         `json:"peer_threshold"      validate:"omitempty,gte=0"`
	MaxGap            *config.Duration `json:"max_gap"`
}

//nolint:cyclop
func (c Config) Apply(overrides *Overrides) Config {
	if overrides == nil {
		return c
	}

	if overrides.ZScoreThreshold != nil {
		c.ZScoreThreshold = *overrides.ZScoreThreshold
	}
	if overrides.BaselineWindow != nil {
		c.BaselineWindow = *overrides.BaselineWindow
	}
	if overrides.MinBaselinePoints != nil {
		c.MinBaselinePoints = *overrides.MinBaselinePoints
	}
	if overrides.SpikePercentage != nil {
		c.SpikePercentage = *overrides.SpikePercentage
	}
	if overrides.MinDuration != nil {
		c.MinDuration = *overrides.MinDuration
	}
	if overrides.MinPoints != nil {
		c.MinPoints = *overrides.MinPoints
	}
	if overrides.PeerWindow != nil {
		c.PeerWindow = *overrides.PeerWindow
	}
	if overrides.PeerThreshold != nil {
		c.PeerThreshold = *overrides.PeerThreshold
	}
	if overrides.MaxGap != nil {
		c.MaxGap = *overrides.MaxGap
	}

	return c
}
