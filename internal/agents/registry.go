// Package agents identifies and tracks the logical client instances seen
// by the proxy. Identities are cached in memory and written through to the
// store; status is derived from last-seen age on read.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/google/uuid"
)

type Registry struct {
	store     store.EventStore
	idleAfter time.Duration

	mu        sync.Mutex
	bySession map[string]*store.Agent
}

func NewRegistry(s store.EventStore, idleAfter time.Duration) *Registry {
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}
	return &Registry{
		store:     s,
		idleAfter: idleAfter,
		bySession: make(map[string]*store.Agent),
	}
}

// Observe returns the agent owning sessionID, creating it on first sight
// and advancing last_seen_at otherwise. The working directory fills in
// only when previously unknown.
func (r *Registry) Observe(ctx context.Context, sessionID, workingDir string) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)

	if a, ok := r.bySession[sessionID]; ok {
		a.LastSeenAt = now
		a.Status = store.StatusActive
		if a.WorkingDirectory == "" && workingDir != "" {
			a.WorkingDirectory = workingDir
			if err := r.store.UpsertAgent(ctx, a); err != nil {
				return nil, err
			}
		} else if err := r.store.TouchAgent(ctx, a.ID, now); err != nil {
			return nil, err
		}
		return r.derived(a), nil
	}

	a, err := r.store.GetAgentBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("look up agent for session %s: %w", sessionID, err)
	}
	if a != nil {
		a.LastSeenAt = now
		a.Status = store.StatusActive
		if a.WorkingDirectory == "" && workingDir != "" {
			a.WorkingDirectory = workingDir
		}
		if err := r.store.UpsertAgent(ctx, a); err != nil {
			return nil, err
		}
		r.bySession[sessionID] = a
		return r.derived(a), nil
	}

	name, err := r.uniqueName(ctx)
	if err != nil {
		return nil, err
	}

	a = &store.Agent{
		ID:               uuid.New().String(),
		Name:             name,
		SessionID:        sessionID,
		WorkingDirectory: workingDir,
		CreatedAt:        now,
		LastSeenAt:       now,
		Status:           store.StatusActive,
	}
	if err := r.store.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("create agent %s: %w", name, err)
	}
	r.bySession[sessionID] = a

	slog.Info("new agent tracked", "agent", a.Name, "session_id", sessionID)
	return r.derived(a), nil
}

func (r *Registry) uniqueName(ctx context.Context) (string, error) {
	name := generateName()
	for attempts := 0; attempts < 10; attempts++ {
		existing, err := r.store.GetAgentByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("check agent name %s: %w", name, err)
		}
		if existing == nil {
			return name, nil
		}
		name = generateName()
	}
	// Collision streak exhausted; disambiguate with an id suffix.
	return name + "-" + uuid.New().String()[:4], nil
}

// SetTopic records the topic label for the named agent.
func (r *Registry) SetTopic(ctx context.Context, name, topic string) error {
	a, err := r.store.GetAgentByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up agent %s: %w", name, err)
	}
	if a == nil {
		return fmt.Errorf("agent %s not found", name)
	}
	if err := r.store.SetAgentTopic(ctx, a.ID, topic); err != nil {
		return err
	}

	r.mu.Lock()
	if cached, ok := r.bySession[a.SessionID]; ok {
		cached.Topic = topic
	}
	r.mu.Unlock()
	return nil
}

// List returns all known agents with liveness-derived status, most
// recently seen first.
func (r *Registry) List(ctx context.Context) ([]store.Agent, error) {
	list, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = *r.derived(&list[i])
	}
	return list, nil
}

// Get returns the named agent with derived status, or nil.
func (r *Registry) Get(ctx context.Context, name string) (*store.Agent, error) {
	a, err := r.store.GetAgentByName(ctx, name)
	if err != nil || a == nil {
		return a, err
	}
	return r.derived(a), nil
}

// derived returns a copy with status recomputed from last-seen age.
func (r *Registry) derived(a *store.Agent) *store.Agent {
	out := *a
	if time.Since(out.LastSeenAt) > r.idleAfter {
		out.Status = store.StatusInactive
	} else {
		out.Status = store.StatusActive
	}
	return &out
}
