// Package notify fans domain events out to the SSE broker and, when
// configured, a RabbitMQ exchange.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/starford/hiedb/internal/sse"
)

// Event types.
const (
	RecordCreated       = "record.created"
	RecordUpdated       = "record.updated"
	RecordObsoleted     = "record.obsoleted"
	RelationshipCreated = "relationship.created"
	RelationshipRemoved = "relationship.obsoleted"
	NoteCreated         = "note.created"
	MDMLinked           = "mdm.linked"
	MDMDuplicate        = "mdm.duplicate"
	MDMMerged           = "mdm.merged"
	JobState            = "job.state"
	IngestFile          = "ingest.file"
)

// Event is one published domain event.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Publisher accepts domain events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any)
}

// Sink delivers events to one destination.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Fanout publishes every event to each sink, logging sink failures.
type Fanout struct {
	logger *slog.Logger
	sinks  []Sink
}

// NewFanout returns a Fanout over sinks.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger, sinks: sinks}
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, eventType string, data any) {
	ev := Event{Type: eventType, Time: time.Now().UTC(), Data: data}
	for _, s := range f.sinks {
		if err := s.Send(ctx, ev); err != nil {
			f.logger.Warn("event delivery failed", "type", eventType, "error", err)
		}
	}
}

// BrokerSink forwards events to SSE clients.
type BrokerSink struct {
	Broker *sse.Broker
}

// Send implements Sink.
func (b BrokerSink) Send(_ context.Context, ev Event) error {
	b.Broker.Publish(sse.Event{Type: ev.Type, Data: ev.Data})
	return nil
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) {}
