package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterlab/ammeter-pu/pkg/config"
	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
)

func TestMeterFromTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "m1", MeterFromTopic("meters/m1/readings"))
	assert.Equal(t, "m7", MeterFromTopic("site/a/meters/m7/readings"))
	assert.Equal(t, "", MeterFromTopic("readings"))
	assert.Equal(t, "", MeterFromTopic("meters"))
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		topic    string
		payload  string
		expected []entities.Reading
	}{
		{
			name:     "single object",
			topic:    "meters/m1/readings",
			payload:  `{"timestamp": 1700000000000, "value": 12.5}`,
			expected: []entities.Reading{{MeterID: "m1", Timestamp: 1700000000000, Value: 12.5}},
		},
		{
			name:    "array with explicit meters",
			topic:   "meters/m1/readings",
			payload: `[{"meter_id": "m2", "timestamp": 1700000000000, "value": 1}, {"timestamp": 1700000900000, "value": 2}]`,
			expected: []entities.Reading{
				{MeterID: "m2", Timestamp: 1700000000000, Value: 1},
				{MeterID: "m1", Timestamp: 1700000900000, Value: 2},
			},
		},
		{
			name:     "RFC 3339 timestamp",
			topic:    "meters/m3/readings",
			payload:  `{"timestamp": "2023-11-14T22:13:20Z", "value": 0}`,
			expected: []entities.Reading{{MeterID: "m3", Timestamp: 1700000000000, Value: 0}},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			readings, err := ParsePayload(testCase.topic, []byte(testCase.payload))
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, readings)
		})
	}
}

func TestParsePayloadErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		topic   string
		payload string
	}{
		{"not JSON", "meters/m1/readings", `{"value":`},
		{"scalar", "meters/m1/readings", `42`},
		{"no meter", "readings", `{"timestamp": 1, "value": 1}`},
		{"wildcard meter", "meters/+/readings", `{"timestamp": 1, "value": 1}`},
		{"meter with spaces", "meters/m1/readings", `{"meter_id": "bad id", "timestamp": 1, "value": 1}`},
		{"missing value", "meters/m1/readings", `{"timestamp": 1}`},
		{"string value", "meters/m1/readings", `{"timestamp": 1, "value": "1"}`},
		{"missing timestamp", "meters/m1/readings", `{"value": 1}`},
		{"bad timestamp", "meters/m1/readings", `{"timestamp": "yesterday", "value": 1}`},
		{"array of scalars", "meters/m1/readings", `[1, 2]`},
	}

	for _, testCase := range testCases {
		testCase := testCase

		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParsePayload(testCase.topic, []byte(testCase.payload))
			require.Error(t, err)
		})
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]entities.Reading
}

func (s *recordingSink) IngestBatch(
	_ context.Context, readings []entities.Reading,
) (*entities.IngestResult, *contract.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, append([]entities.Reading(nil), readings...))

	return &entities.IngestResult{Written: int64(len(readings)), RegisteredMeters: []string{}}, nil
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sizes := make([]int, 0, len(s.batches))
	for _, batch := range s.batches {
		sizes = append(sizes, len(batch))
	}

	return sizes
}

func readingsOf(n int) []entities.Reading {
	readings := make([]entities.Reading, 0, n)
	for i := 0; i < n; i++ {
		readings = append(readings, entities.Reading{MeterID: "m1", Timestamp: int64(i), Value: 1})
	}

	return readings
}

func TestConsumeFlushesBySize(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	subscriber := NewSubscriber(config.MQTTConfig{FlushSize: 3, FlushInterval: time.Hour}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})

	go func() {
		subscriber.consume(ctx)
		close(finished)
	}()

	subscriber.messages <- readingsOf(2)
	subscriber.messages <- readingsOf(2)

	require.Eventually(t, func() bool {
		return len(sink.sizes()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{4}, sink.sizes())

	subscriber.messages <- readingsOf(1)

	cancel()
	<-finished

	assert.Equal(t, []int{4, 1}, sink.sizes())
}

func TestConsumeFlushesByInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	subscriber := NewSubscriber(config.MQTTConfig{FlushSize: 100, FlushInterval: 20 * time.Millisecond}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})

	go func() {
		subscriber.consume(ctx)
		close(finished)
	}()

	subscriber.messages <- readingsOf(5)

	require.Eventually(t, func() bool {
		return len(sink.sizes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-finished

	assert.Equal(t, []int{5}, sink.sizes())
}

func TestHandleReturnsAfterShutdown(t *testing.T) {
	t.Parallel()

	subscriber := NewSubscriber(config.MQTTConfig{}, &recordingSink{})
	subscriber.messages = make(chan []entities.Reading)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	subscriber.consume(ctx)

	done := make(chan struct{})

	go func() {
		subscriber.handle(nil, fakeMessage{topic: "meters/m1/readings", payload: `{"timestamp": 1, "value": 1}`})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked after the subscriber stopped")
	}
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}
