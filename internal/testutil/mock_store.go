package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.EventStore
// for testing.
type MockStore struct {
	mu sync.Mutex

	Events []events.Event
	Agents map[string]*store.Agent // by id

	InsertErr error
	AgentErr  error

	InsertCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Agents: make(map[string]*store.Agent),
	}
}

func (m *MockStore) InsertEvent(_ context.Context, e *events.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return 0, m.InsertErr
	}
	if e.Payload.AgentActivity != nil {
		return 0, fmt.Errorf("insert event %s: agent_activity payloads are not persistable", e.ID)
	}
	for _, existing := range m.Events {
		if existing.ID == e.ID {
			return 0, fmt.Errorf("insert event %s: duplicate id", e.ID)
		}
	}
	e.Seq = int64(len(m.Events) + 1)
	m.Events = append(m.Events, *e)
	return e.Seq, nil
}

func (m *MockStore) RecentEvents(_ context.Context, limit int, typeFilter string) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for i := len(m.Events) - 1; i >= 0 && len(out) < limit; i-- {
		if typeFilter != "" && m.Events[i].Payload.Type() != typeFilter {
			continue
		}
		out = append(out, m.Events[i])
	}
	return out, nil
}

func (m *MockStore) EventsByAgent(_ context.Context, name string) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.Events {
		if e.Agent == name {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) EventsBySession(_ context.Context, sessionID string) ([]events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, e := range m.Events {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) UpsertAgent(_ context.Context, a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AgentErr != nil {
		return m.AgentErr
	}
	cp := *a
	m.Agents[a.ID] = &cp
	return nil
}

func (m *MockStore) GetAgentBySession(_ context.Context, sessionID string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AgentErr != nil {
		return nil, m.AgentErr
	}
	for _, a := range m.Agents {
		if a.SessionID == sessionID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) GetAgentByName(_ context.Context, name string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AgentErr != nil {
		return nil, m.AgentErr
	}
	for _, a := range m.Agents {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListAgents(_ context.Context) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Agent
	for _, a := range m.Agents {
		out = append(out, *a)
	}
	return out, nil
}

func (m *MockStore) TouchAgent(_ context.Context, id string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.Agents[id]; ok {
		a.LastSeenAt = when
		a.Status = store.StatusActive
	}
	return nil
}

func (m *MockStore) SetAgentTopic(_ context.Context, id, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.Agents[id]; ok {
		a.Topic = topic
	}
	return nil
}

func (m *MockStore) Close() error { return nil }
