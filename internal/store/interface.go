package store

import (
	"context"
	"time"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// EventStore is the interface consumed by the proxy, the API, and the
// registry. The concrete implementation is *Store (SQLite-backed).
type EventStore interface {
	InsertEvent(ctx context.Context, e *events.Event) (int64, error)
	RecentEvents(ctx context.Context, limit int, typeFilter string) ([]events.Event, error)
	EventsByAgent(ctx context.Context, name string) ([]events.Event, error)
	EventsBySession(ctx context.Context, sessionID string) ([]events.Event, error)

	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgentBySession(ctx context.Context, sessionID string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	TouchAgent(ctx context.Context, id string, when time.Time) error
	SetAgentTopic(ctx context.Context, id, topic string) error

	Close() error
}
