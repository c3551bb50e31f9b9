// Package ingest receives meter readings pushed over MQTT.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/detect"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

const (
	connectTimeout    = 30 * time.Second
	disconnectQuiesce = 250
	flushTimeout      = 10 * time.Second
)

// Sink stores a batch of readings.
type Sink interface {
	IngestBatch(ctx context.Context, readings []entities.Reading) (*entities.IngestResult, *contract.Error)
}

type Subscriber struct {
	cfg      config.MQTTConfig
	sink     Sink
	messages chan []entities.Reading
	done     chan struct{}
}

func NewSubscriber(cfg config.MQTTConfig, sink Sink) *Subscriber {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 500
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	return &Subscriber{
		cfg:      cfg,
		sink:     sink,
		messages: make(chan []entities.Reading, 256), //nolint:mnd
		done:     make(chan struct{}),
	}
}

// Run connects to the broker and stores received readings until ctx is
// cancelled. Buffered readings are flushed before it returns.
func (s *Subscriber) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logrus.Infof("Connected to MQTT broker %s, subscribing to %s", s.cfg.Broker, s.cfg.Topic)

		token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			logrus.Errorf("Failed to subscribe to %s: %v", s.cfg.Topic, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logrus.Warnf("Connection to MQTT broker %s lost: %v", s.cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", s.cfg.Broker, err)
		}
	case <-ctx.Done():
		client.Disconnect(disconnectQuiesce)

		return nil
	}

	defer client.Disconnect(disconnectQuiesce)

	s.consume(ctx)

	return nil
}

func (s *Subscriber) handle(_ mqtt.Client, message mqtt.Message) {
	readings, err := ParsePayload(message.Topic(), message.Payload())
	if err != nil {
		logrus.Warnf("Dropping MQTT message on %s: %v", message.Topic(), err)

		return
	}

	select {
	case s.messages <- readings:
	case <-s.done:
	}
}

// consume batches readings and hands them to the sink by size or interval.
func (s *Subscriber) consume(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	buffer := make([]entities.Reading, 0, s.cfg.FlushSize)

	flush := func(ctx context.Context) {
		if len(buffer) == 0 {
			return
		}

		result, err := s.sink.IngestBatch(ctx, buffer)
		if err != nil {
			logrus.Errorf("Failed to store %d readings received over MQTT: %v", len(buffer), err)
		} else {
			logrus.Debugf("Stored %d readings received over MQTT", result.Written)
		}

		buffer = make([]entities.Reading, 0, s.cfg.FlushSize)
	}

	for {
		select {
		case <-ctx.Done():
			// drain what the handler already queued
			for {
				select {
				case readings := <-s.messages:
					buffer = append(buffer, readings...)

					continue
				default:
				}

				break
			}

			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			flush(flushCtx)
			cancel()

			return
		case readings := <-s.messages:
			buffer = append(buffer, readings...)
			if len(buffer) >= s.cfg.FlushSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

var (
	errInvalidPayload = errors.New("invalid payload")
	errMissingMeterID = errors.New("missing meter_id")
	errInvalidMeterID = errors.New("invalid meter_id")
)

// MeterFromTopic returns the topic segment after "meters", if any.
func MeterFromTopic(topic string) string {
	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if segment == "meters" && i+1 < len(segments) {
			return segments[i+1]
		}
	}

	return ""
}

// ParsePayload decodes a reading object or an array of them. A reading
// without meter_id belongs to the meter named by the topic.
func ParsePayload(topic string, payload []byte) ([]entities.Reading, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: not JSON", errInvalidPayload)
	}

	result := gjson.ParseBytes(payload)

	var items []gjson.Result

	switch {
	case result.IsArray():
		items = result.Array()
	case result.IsObject():
		items = []gjson.Result{result}
	default:
		return nil, fmt.Errorf("%w: expected an object or an array", errInvalidPayload)
	}

	fallback := MeterFromTopic(topic)
	readings := make([]entities.Reading, 0, len(items))

	for index, item := range items {
		reading, err := parseReading(item, fallback)
		if err != nil {
			return nil, fmt.Errorf("reading %d: %w", index, err)
		}

		readings = append(readings, reading)
	}

	return readings, nil
}

func parseReading(item gjson.Result, fallbackMeter string) (entities.Reading, error) {
	if !item.IsObject() {
		return entities.Reading{}, fmt.Errorf("%w: expected an object", errInvalidPayload)
	}

	meterID := item.Get("meter_id").String()
	if meterID == "" {
		meterID = fallbackMeter
	}

	if meterID == "" {
		return entities.Reading{}, errMissingMeterID
	}

	if !entities.IsIdentifier(meterID) {
		return entities.Reading{}, fmt.Errorf("%w %q", errInvalidMeterID, meterID)
	}

	value := item.Get("value")
	if value.Type != gjson.Number {
		return entities.Reading{}, fmt.Errorf("%w: value must be a number", errInvalidPayload)
	}

	timestamp := item.Get("timestamp")

	var milliseconds int64

	switch timestamp.Type {
	case gjson.Number:
		milliseconds = timestamp.Int()
	case gjson.String:
		parsed, err := detect.ParseTimestamp(timestamp.Str)
		if err != nil {
			return entities.Reading{}, err
		}

		milliseconds = parsed
	case gjson.Null, gjson.False, gjson.True, gjson.JSON:
		return entities.Reading{}, fmt.Errorf("%w: timestamp must be epoch milliseconds or RFC 3339", errInvalidPayload)
	}

	return entities.Reading{MeterID: meterID, Timestamp: milliseconds, Value: value.Float()}, nil
}
