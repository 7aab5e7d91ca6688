package dashboard

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/pulse/internal/events"
)

// Handler turns store events into dashboard messages and keeps per-kind
// counters for the status document.
type Handler struct {
	server *Server
	logger logrus.FieldLogger

	mu     sync.Mutex
	counts map[events.Kind]int
	last   *events.Event
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "dashboard")
	}
	return &Handler{
		server: server,
		logger: logger,
		counts: make(map[events.Kind]int),
	}
}

// Emit implements events.Sink.
func (h *Handler) Emit(e events.Event) {
	h.mu.Lock()
	h.counts[e.Kind]++
	ev := e
	h.last = &ev
	h.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		h.logger.WithError(err).Warn("failed to marshal event")
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeEvent,
		Timestamp: e.Time,
		Data:      data,
	})
}

// EventStats summarizes what the handler has seen.
type EventStats struct {
	Counts map[events.Kind]int `json:"counts"`
	Last   *events.Event       `json:"last,omitempty"`
}

// Stats returns a copy of the counters.
func (h *Handler) Stats() EventStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[events.Kind]int, len(h.counts))
	for k, v := range h.counts {
		counts[k] = v
	}
	return EventStats{Counts: counts, Last: h.last}
}
