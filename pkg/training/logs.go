package training

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/metrics"
)

const (
	MessageTypeLog    = "log"
	MessageTypeStatus = "status"

	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamRunner = "runner"
)

// Message is one entry of a job log as sent to subscribers.
type Message struct {
	Type   string               `json:"type"`
	Time   int64                `json:"time,omitempty"`
	Stream string               `json:"stream,omitempty"`
	Line   string               `json:"line,omitempty"`
	Status entities.ModelStatus `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

type subscriber struct {
	messages chan Message
}

type jobLog struct {
	history     []Message
	subscribers map[*subscriber]struct{}
}

// LogHub fans training output out to subscribers and keeps a bounded
// history per model. Finished histories are kept for a retention period.
type LogHub struct {
	mu       sync.Mutex
	live     map[string]*jobLog
	finished *cache.Cache

	historySize int
	bufferSize  int
	metrics     *metrics.Metrics
}

func NewLogHub(historySize, bufferSize int, retention time.Duration, m *metrics.Metrics) *LogHub {
	if historySize <= 0 {
		historySize = 1000
	}

	if bufferSize <= 0 {
		bufferSize = 64
	}

	if retention <= 0 {
		retention = time.Hour
	}

	return &LogHub{
		live:        make(map[string]*jobLog),
		finished:    cache.New(retention, retention/2), //nolint:mnd
		historySize: historySize,
		bufferSize:  bufferSize,
		metrics:     m,
	}
}

// Open starts a live log for a model. Opening a live log again is a no-op.
func (h *LogHub) Open(modelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[modelID]; ok {
		return
	}

	h.finished.Delete(modelID)
	h.live[modelID] = &jobLog{subscribers: make(map[*subscriber]struct{})}
}

// Discard drops a live log without keeping its history.
func (h *LogHub) Discard(modelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job, ok := h.live[modelID]
	if !ok {
		return
	}

	for sub := range job.subscribers {
		close(sub.messages)
	}

	delete(h.live, modelID)
}

func (h *LogHub) Publish(modelID, stream, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	job, ok := h.live[modelID]
	if !ok {
		return
	}

	message := Message{Type: MessageTypeLog, Time: time.Now().UnixMilli(), Stream: stream, Line: line}

	job.history = append(job.history, message)
	if len(job.history) > h.historySize {
		job.history = job.history[len(job.history)-h.historySize:]
	}

	for sub := range job.subscribers {
		select {
		case sub.messages <- message:
		default:
			h.metrics.LogLineDropped()
		}
	}
}

// Close publishes the final status of a job, closes every subscriber and
// moves the history into the retention cache.
func (h *LogHub) Close(modelID string, status entities.ModelStatus, errorMessage string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	message := Message{Type: MessageTypeStatus, Time: time.Now().UnixMilli(), Status: status, Error: errorMessage}

	job, ok := h.live[modelID]
	if !ok {
		h.finished.SetDefault(modelID, []Message{message})

		return
	}

	for sub := range job.subscribers {
		// the status message must arrive, evict the oldest queued line for it
		select {
		case sub.messages <- message:
		default:
			select {
			case <-sub.messages:
				h.metrics.LogLineDropped()
			default:
			}
			sub.messages <- message
		}

		close(sub.messages)
	}

	delete(h.live, modelID)
	h.finished.SetDefault(modelID, append(job.history, message))
}

// Subscription is the view of one job log. Messages is nil when the job
// had already finished; History then ends with the status message.
type Subscription struct {
	History  []Message
	Messages <-chan Message

	hub     *LogHub
	modelID string
	sub     *subscriber
}

// Subscribe returns the history of a model's log and, while the job is
// live, a channel of the following messages. It reports false when the
// hub knows nothing about the model.
func (h *LogHub) Subscribe(modelID string) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if job, ok := h.live[modelID]; ok {
		sub := &subscriber{messages: make(chan Message, h.bufferSize+1)}
		job.subscribers[sub] = struct{}{}

		return &Subscription{
			History:  append([]Message(nil), job.history...),
			Messages: sub.messages,
			hub:      h,
			modelID:  modelID,
			sub:      sub,
		}, true
	}

	if history, ok := h.finished.Get(modelID); ok {
		messages, _ := history.([]Message)

		return &Subscription{History: append([]Message(nil), messages...)}, true
	}

	return nil, false
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.sub == nil {
		return
	}

	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	job, ok := s.hub.live[s.modelID]
	if !ok {
		return
	}

	if _, ok := job.subscribers[s.sub]; ok {
		delete(job.subscribers, s.sub)
		close(s.sub.messages)
	}
}
