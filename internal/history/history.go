package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventStart       EventType = "start"
	EventExit        EventType = "exit"
	EventStop        EventType = "stop"
	EventProbeFailed EventType = "probe_failed"
	EventEndpoint    EventType = "endpoint"
	EventPropagate   EventType = "propagate"
)

// Event is one supervision fact exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Role       string    `json:"role,omitempty"`
	PID        int       `json:"pid,omitempty"`
	URL        string    `json:"url,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const defaultSendTimeout = 3 * time.Second

// Recorder fans events out to sinks. Sink failures are logged at debug
// level and never returned.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: defaultSendTimeout, log: log}
}

// Record stamps e when OccurredAt is zero and sends it to every sink.
// A nil Recorder discards events.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Debug("history sink failed", "event", e.Type, "role", e.Role, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
