// Package dataset turns labelled anomaly events into positive-unlabeled
// training sets.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/meterlab/ammeter-pu/pkg/entities"
)

const (
	LabelUnlabeled = 0
	LabelPositive  = 1
)

var ErrInvalidOptions = errors.New("invalid PU options")

type Options struct {
	// UnlabeledRatio caps unlabeled examples at this multiple of the positives.
	// Zero keeps every unlabeled event.
	UnlabeledRatio     float64 `json:"unlabeled_ratio"`
	ValidationFraction float64 `json:"validation_fraction"`
	Seed               int64   `json:"seed"`
}

func (o Options) Validate() error {
	if o.UnlabeledRatio < 0 || math.IsNaN(o.UnlabeledRatio) {
		return fmt.Errorf("%w: unlabeled_ratio must not be negative, got %v", ErrInvalidOptions, o.UnlabeledRatio)
	}

	if o.ValidationFraction < 0 || o.ValidationFraction >= 1 || math.IsNaN(o.ValidationFraction) {
		return fmt.Errorf(
			"%w: validation_fraction must be in [0, 1), got %v", ErrInvalidOptions, o.ValidationFraction,
		)
	}

	return nil
}

type Features struct {
	Score           float64 `json:"score"`
	PeakValue       float64 `json:"peak_value"`
	BaselineMean    float64 `json:"baseline_mean"`
	BaselineStd     float64 `json:"baseline_std"`
	PeerRatio       float64 `json:"peer_ratio"`
	HasPeerRatio    bool    `json:"has_peer_ratio"`
	DurationSeconds float64 `json:"duration_seconds"`
	PointCount      int32   `json:"point_count"`
	RelativeSpike   float64 `json:"relative_spike"`
}

type Example struct {
	EventID  string               `json:"event_id"`
	MeterID  string               `json:"meter_id"`
	Status   entities.EventStatus `json:"status"`
	Label    int                  `json:"label"`
	Features Features             `json:"features"`
}

type Stats struct {
	Positives        int `json:"positives"`
	Unlabeled        int `json:"unlabeled"`
	UnlabeledDropped int `json:"unlabeled_dropped"`
	Negatives        int `json:"negatives"`
}

// Set is a PU split. Evaluation holds the events labelled negative, which
// never take part in training.
type Set struct {
	Options    Options   `json:"options"`
	Stats      Stats     `json:"stats"`
	Train      []Example `json:"train"`
	Validation []Example `json:"validation"`
	Evaluation []Example `json:"evaluation"`
}

// Build splits events into train, validation and evaluation sets. The result
// only depends on the events and the options, not on the order of events.
func Build(events []entities.AnomalyEvent, options Options) (*Set, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]entities.AnomalyEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var positives, unlabeled, negatives []Example

	for _, event := range sorted {
		switch {
		case event.Status == entities.EventStatusLabeledPositive:
			positives = append(positives, NewExample(event))
		case event.Status.Unlabeled():
			unlabeled = append(unlabeled, NewExample(event))
		case event.Status == entities.EventStatusLabeledNegative:
			negatives = append(negatives, NewExample(event))
		}
	}

	//nolint:gosec
	rng := rand.New(rand.NewSource(options.Seed))
	shuffle(rng, positives)
	shuffle(rng, unlabeled)

	set := &Set{
		Options: options,
		Stats: Stats{
			Positives: len(positives),
			Unlabeled: len(unlabeled),
			Negatives: len(negatives),
		},
		Evaluation: make([]Example, 0, len(negatives)),
	}

	if options.UnlabeledRatio > 0 {
		limit := int(math.Floor(options.UnlabeledRatio * float64(len(positives))))
		if limit < len(unlabeled) {
			set.Stats.UnlabeledDropped = len(unlabeled) - limit
			set.Stats.Unlabeled = limit
			unlabeled = unlabeled[:limit]
		}
	}

	trainPositives, validationPositives := split(positives, options.ValidationFraction)
	trainUnlabeled, validationUnlabeled := split(unlabeled, options.ValidationFraction)

	set.Train = append(append(make([]Example, 0, len(trainPositives)+len(trainUnlabeled)),
		trainPositives...), trainUnlabeled...)
	set.Validation = append(append(make([]Example, 0, len(validationPositives)+len(validationUnlabeled)),
		validationPositives...), validationUnlabeled...)

	shuffle(rng, set.Train)
	shuffle(rng, set.Validation)

	set.Evaluation = append(set.Evaluation, negatives...)

	return set, nil
}

// BuildFrom is Build over the event pointers returned by the stores.
func BuildFrom(events []*entities.AnomalyEvent, options Options) (*Set, error) {
	values := make([]entities.AnomalyEvent, 0, len(events))
	for _, event := range events {
		values = append(values, *event)
	}

	return Build(values, options)
}

// NewExample derives the feature vector of an event.
func NewExample(event entities.AnomalyEvent) Example {
	label := LabelUnlabeled
	if event.Status == entities.EventStatusLabeledPositive {
		label = LabelPositive
	}

	features := Features{
		Score:           event.Score,
		PeakValue:       event.PeakValue,
		BaselineMean:    event.BaselineMean,
		BaselineStd:     event.BaselineStd,
		DurationSeconds: float64(event.EndTime-event.StartTime) / 1000, //nolint:mnd
		PointCount:      event.PointCount,
		RelativeSpike:   (event.PeakValue - event.BaselineMean) / math.Max(math.Abs(event.BaselineMean), 1e-9), //nolint:mnd
	}

	if event.PeerRatio != nil {
		features.PeerRatio = *event.PeerRatio
		features.HasPeerRatio = true
	}

	return Example{
		EventID:  event.ID,
		MeterID:  event.MeterID,
		Status:   event.Status,
		Label:    label,
		Features: features,
	}
}

func shuffle(rng *rand.Rand, examples []Example) {
	rng.Shuffle(len(examples), func(i, j int) { examples[i], examples[j] = examples[j], examples[i] })
}

func split(examples []Example, fraction float64) ([]Example, []Example) {
	validation := int(math.Round(fraction * float64(len(examples))))

	return examples[validation:], examples[:validation]
}
