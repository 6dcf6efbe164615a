package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event kinds pushed to subscribers. The translation backend additionally
// publishes llm_request and llm_response.
const (
	EventJobProgress = "job_progress"
	EventJobComplete = "job_complete"
	EventJobError    = "job_error"
	EventLog         = "log"
)

// subscriberBuffer is how many encoded events a subscriber may lag behind
// before it is disconnected.
const subscriberBuffer = 256

// Event is one JSON document delivered to subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// ProgressEvent is a job.Progress with a percentage for display.
type ProgressEvent struct {
	JobID           string  `json:"job_id"`
	State           string  `json:"state"`
	Total           int     `json:"total"`
	Done            int     `json:"done"`
	Failed          int     `json:"failed"`
	Unit            string  `json:"unit,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
}

type LogEvent struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	JobID   string    `json:"job_id,omitempty"`
	Unit    string    `json:"unit,omitempty"`
}

// Hub fans events out to WebSocket subscribers. Each event is encoded once;
// a subscriber whose buffer is full is dropped instead of slowing the
// publisher.
type Hub struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every subscriber and
// refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.out)
	}
	h.mu.Unlock()
}

// Publish never blocks.
func (h *Hub) Publish(kind string, data any) {
	payload, err := json.Marshal(Event{Type: kind, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Debugf("Dropping unencodable %s event: %v", kind, err)
		return
	}

	dropped := 0
	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub.out <- payload:
		default:
			delete(h.subs, sub)
			close(sub.out)
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.logger.Debugf("Disconnected %d slow WebSocket subscribers", dropped)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.out)
	}
}

// LogHook streams log entries at or above a level to the hub. Entries
// carrying "job" and "unit" fields keep them.
type LogHook struct {
	hub    *Hub
	levels []logrus.Level
}

func NewLogHook(hub *Hub, minLevel logrus.Level) *LogHook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return &LogHook{hub: hub, levels: levels}
}

func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *LogHook) Fire(entry *logrus.Entry) error {
	ev := LogEvent{
		Level:   entry.Level.String(),
		Message: entry.Message,
		Time:    entry.Time,
	}
	ev.JobID, _ = entry.Data["job"].(string)
	ev.Unit, _ = entry.Data["unit"].(string)
	h.hub.Publish(EventLog, ev)
	return nil
}
