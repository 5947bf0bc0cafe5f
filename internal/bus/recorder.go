package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// EventSink is the slice of the store the recorder needs. Declared here to
// avoid importing the store package.
type EventSink interface {
	InsertEvent(ctx context.Context, e *events.Event) (int64, error)
}

// Recorder couples store insertion and bus publication under one lock so
// bus subscribers observe events in exactly the store's seq order.
type Recorder struct {
	mu   sync.Mutex
	sink EventSink
	bus  *Bus
}

func NewRecorder(sink EventSink, b *Bus) *Recorder {
	return &Recorder{sink: sink, bus: b}
}

// Record persists the event, then publishes it bearing the assigned seq.
func (r *Recorder) Record(ctx context.Context, e *events.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, err := r.sink.InsertEvent(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("record event: %w", err)
	}
	r.bus.Publish(*e)
	return seq, nil
}

// Broadcast publishes a transient event on the bus without persisting it.
// Used for agent_activity phase reports.
func (r *Recorder) Broadcast(e events.Event) {
	r.bus.Publish(e)
}
