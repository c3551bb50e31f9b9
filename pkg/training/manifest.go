package training

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/meterlab/ammeter-pu/pkg/dataset"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

const (
	ManifestFile   = "job.yaml"
	MetricsFile    = "metrics.json"
	TrainFile      = "train.jsonl"
	ValidationFile = "validation.jsonl"
	EvaluationFile = "evaluation.jsonl"
)

// Manifest describes a job directory to the trainer.
type Manifest struct {
	ModelID      string          `yaml:"model_id"`
	DatasetID    string          `yaml:"dataset_id"`
	Name         string          `yaml:"name,omitempty"`
	CreationTime int64           `yaml:"creation_time"`
	Options      ManifestOptions `yaml:"options"`
	Stats        ManifestStats   `yaml:"stats"`
	Files        ManifestFiles   `yaml:"files"`
	Features     []string        `yaml:"features"`
	Config       map[string]any  `yaml:"config,omitempty"`
}

type ManifestOptions struct {
	UnlabeledRatio     float64 `yaml:"unlabeled_ratio"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	Seed               int64   `yaml:"seed"`
}

type ManifestStats struct {
	Train            int `yaml:"train"`
	Validation       int `yaml:"validation"`
	Evaluation       int `yaml:"evaluation"`
	Positives        int `yaml:"positives"`
	Unlabeled        int `yaml:"unlabeled"`
	UnlabeledDropped int `yaml:"unlabeled_dropped"`
}

type ManifestFiles struct {
	Train      string `yaml:"train"`
	Validation string `yaml:"validation"`
	Evaluation string `yaml:"evaluation"`
	Metrics    string `yaml:"metrics"`
}

//nolint:gochecknoglobals
var featureNames = []string{
	"score",
	"peak_value",
	"baseline_mean",
	"baseline_std",
	"peer_ratio",
	"has_peer_ratio",
	"duration_seconds",
	"point_count",
	"relative_spike",
}

func NewManifest(trained *entities.TrainedModel, set *dataset.Set) *Manifest {
	return &Manifest{
		ModelID:      trained.ID,
		DatasetID:    trained.DatasetID,
		Name:         trained.Name,
		CreationTime: trained.CreationTime,
		Options: ManifestOptions{
			UnlabeledRatio:     set.Options.UnlabeledRatio,
			ValidationFraction: set.Options.ValidationFraction,
			Seed:               set.Options.Seed,
		},
		Stats: ManifestStats{
			Train:            len(set.Train),
			Validation:       len(set.Validation),
			Evaluation:       len(set.Evaluation),
			Positives:        set.Stats.Positives,
			Unlabeled:        set.Stats.Unlabeled,
			UnlabeledDropped: set.Stats.UnlabeledDropped,
		},
		Files: ManifestFiles{
			Train:      TrainFile,
			Validation: ValidationFile,
			Evaluation: EvaluationFile,
			Metrics:    MetricsFile,
		},
		Features: featureNames,
		Config:   trained.Config,
	}
}

// WriteJobDir lays out the inputs of a training job in dir.
func WriteJobDir(dir string, trained *entities.TrainedModel, set *dataset.Set) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:mnd
		return nil, fmt.Errorf("failed to create job directory %q: %w", dir, err)
	}

	for name, examples := range map[string][]dataset.Example{
		TrainFile:      set.Train,
		ValidationFile: set.Validation,
		EvaluationFile: set.Evaluation,
	} {
		if err := writeExamples(filepath.Join(dir, name), examples); err != nil {
			return nil, err
		}
	}

	manifest := NewManifest(trained, set)

	content, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job manifest: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ManifestFile), content, 0o644); err != nil { //nolint:gosec,mnd
		return nil, fmt.Errorf("failed to write job manifest: %w", err)
	}

	return manifest, nil
}

func writeExamples(path string, examples []dataset.Example) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", path, err)
	}

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %q: %w", path, closeErr)
		}
	}()

	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)

	for _, example := range examples {
		if err := encoder.Encode(example); err != nil {
			return fmt.Errorf("failed to write %q: %w", path, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write %q: %w", path, err)
	}

	return nil
}

func ReadManifest(dir string) (*Manifest, error) {
	content, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read job manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode job manifest: %w", err)
	}

	return &manifest, nil
}

var errMissingMetrics = errors.New("trainer did not write " + MetricsFile)

// ReadMetrics loads the flat numeric object the trainer leaves in dir.
// Values that are not numbers are skipped.
func ReadMetrics(dir string) (map[string]float64, error) {
	content, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errMissingMetrics
		}

		return nil, fmt.Errorf("failed to read %s: %w", MetricsFile, err)
	}

	if !gjson.ValidBytes(content) {
		return nil, fmt.Errorf("%s is not valid JSON", MetricsFile)
	}

	result := gjson.ParseBytes(content)
	if !result.IsObject() {
		return nil, fmt.Errorf("%s must hold a JSON object, found %s", MetricsFile, result.Type)
	}

	metrics := make(map[string]float64)

	result.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Number {
			logrus.Debugf("Ignoring non-numeric metric %q in %s", key.String(), MetricsFile)

			return true
		}

		metrics[key.String()] = value.Float()

		return true
	})

	return metrics, nil
}
