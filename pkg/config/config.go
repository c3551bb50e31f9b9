package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	case nil:
		d.Duration = 0
		return nil
	default:
		return errors.New("invalid duration")
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", node.Line)
	}

	switch node.ShortTag() {
	case "!!null":
		d.Duration = 0
	case "!!int", "!!float":
		var value float64
		if err := node.Decode(&value); err != nil {
			return err
		}

		d.Duration = time.Duration(value)
	default:
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return err
		}

		d.Duration = parsed
	}

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimitMB     int           `mapstructure:"body_limit_mb"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	Version         string        `mapstructure:"-"`
}

type StoreConfig struct {
	URL                string        `mapstructure:"url"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	MaxOpenConns       int           `mapstructure:"max_open_conns"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DetectionConfig holds the server-wide defaults for candidate detection.
// Requests override individual fields.
type DetectionConfig struct {
	ZScoreThreshold   float64       `mapstructure:"z_score_threshold"`
	BaselineWindow    int           `mapstructure:"baseline_window"`
	MinBaselinePoints int           `mapstructure:"min_baseline_points"`
	SpikePercentage   float64       `mapstructure:"spike_percentage"`
	MinDuration       time.Duration `mapstructure:"min_duration"`
	MinPoints         int           `mapstructure:"min_points"`
	PeerWindow        time.Duration `mapstructure:"peer_window"`
	PeerThreshold     float64       `mapstructure:"peer_threshold"`
	MaxGap            time.Duration `mapstructure:"max_gap"`
}

type TrainingConfig struct {
	Command        []string      `mapstructure:"command"`
	Env            []string      `mapstructure:"env"`
	ArtifactRoot   string        `mapstructure:"artifact_root"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	Timeout        time.Duration `mapstructure:"timeout"`
	LogHistory     int           `mapstructure:"log_history"`
	LogRetention   time.Duration `mapstructure:"log_retention"`
	SubscriberBuf  int           `mapstructure:"subscriber_buffer"`
	DefaultSeed    int64         `mapstructure:"default_seed"`
	UnlabeledRatio float64       `mapstructure:"unlabeled_ratio"`
	ValidationFrac float64       `mapstructure:"validation_fraction"`
}

type IngestConfig struct {
	AutoRegisterMeters bool `mapstructure:"auto_register_meters"`
	BatchSize          int  `mapstructure:"batch_size"`
}

type MQTTConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Broker        string        `mapstructure:"broker"`
	ClientID      string        `mapstructure:"client_id"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Topic         string        `mapstructure:"topic"`
	QoS           byte          `mapstructure:"qos"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushSize     int           `mapstructure:"flush_size"`
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Detection DetectionConfig `mapstructure:"detection"`
	Training  TrainingConfig  `mapstructure:"training"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
}

const EnvPrefix = "AMMETER"

// Load reads the configuration file at path (optional) and applies
// AMMETER_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "localhost:8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.body_limit_mb", 64)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")

	v.SetDefault("store.url", "sqlite:///ammeter.db")
	v.SetDefault("store.slow_query_threshold", "500ms")
	v.SetDefault("store.max_open_conns", 16)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("detection.z_score_threshold", 3.0)
	v.SetDefault("detection.baseline_window", 48)
	v.SetDefault("detection.min_baseline_points", 12)
	v.SetDefault("detection.spike_percentage", 0.5)
	v.SetDefault("detection.min_duration", "0s")
	v.SetDefault("detection.min_points", 1)
	v.SetDefault("detection.peer_window", "15m")
	v.SetDefault("detection.peer_threshold", 0.3)
	v.SetDefault("detection.max_gap", "30m")

	v.SetDefault("training.command", []string{})
	v.SetDefault("training.artifact_root", "./artifacts")
	v.SetDefault("training.workers", 1)
	v.SetDefault("training.queue_size", 16)
	v.SetDefault("training.timeout", "2h")
	v.SetDefault("training.log_history", 2000)
	v.SetDefault("training.log_retention", "1h")
	v.SetDefault("training.subscriber_buffer", 256)
	v.SetDefault("training.default_seed", 42)
	v.SetDefault("training.unlabeled_ratio", 0.0)
	v.SetDefault("training.validation_fraction", 0.2)

	v.SetDefault("ingest.auto_register_meters", true)
	v.SetDefault("ingest.batch_size", 500)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.client_id", "ammeter-pu")
	v.SetDefault("mqtt.topic", "meters/+/readings")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.flush_interval", "5s")
	v.SetDefault("mqtt.flush_size", 500)

	v.SetDefault("sentry.sample_rate", 1.0)
}

//nolint:cyclop
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Store.URL == "" {
		return errors.New("store.url is required")
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return errors.New("logging.level must be one of: trace, debug, info, warn, error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.New("logging.format must be one of: json, text")
	}

	if c.Detection.ZScoreThreshold <= 0 {
		return errors.New("detection.z_score_threshold must be positive")
	}
	if c.Detection.BaselineWindow < 2 {
		return errors.New("detection.baseline_window must be at least 2")
	}
	if c.Detection.MinBaselinePoints < 2 || c.Detection.MinBaselinePoints > c.Detection.BaselineWindow {
		return errors.New("detection.min_baseline_points must be between 2 and detection.baseline_window")
	}
	if c.Detection.SpikePercentage < 0 {
		return errors.New("detection.spike_percentage must not be negative")
	}
	if c.Detection.MaxGap < 0 || c.Detection.PeerWindow < 0 || c.Detection.MinDuration < 0 {
		return errors.New("detection durations must not be negative")
	}

	if c.Training.Workers < 1 {
		return errors.New("training.workers must be at least 1")
	}
	if c.Training.QueueSize < 1 {
		return errors.New("training.queue_size must be at least 1")
	}
	if c.Training.ArtifactRoot == "" {
		return errors.New("training.artifact_root is required")
	}
	if c.Training.ValidationFrac < 0 || c.Training.ValidationFrac >= 1 {
		return errors.New("training.validation_fraction must be in [0, 1)")
	}
	if c.Training.UnlabeledRatio < 0 {
		return errors.New("training.unlabeled_ratio must not be negative")
	}

	if c.Ingest.BatchSize < 1 {
		return errors.New("ingest.batch_size must be at least 1")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.topic is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return errors.New("mqtt.qos must be 0, 1 or 2")
		}
	}

	return nil
}
