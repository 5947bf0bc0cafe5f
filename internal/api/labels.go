package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// LabelRecord is the wire shape accepted from the semantic-labeling
// sidecar, over HTTP here or over NATS in the ingest package.
type LabelRecord struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleLabel(w http.ResponseWriter, r *http.Request) {
	var rec LabelRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid label record: %v", err)})
		return
	}
	if rec.Kind == "" || rec.Value == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "label record requires kind and value"})
		return
	}

	seq, err := s.IngestLabel(r.Context(), rec)
	if err != nil {
		slog.Error("label ingest failed", "kind", rec.Kind, "agent", rec.Agent, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store label"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"seq": seq})
}

// IngestLabel validates a label record and runs it through the same
// store-then-bus path as proxied traffic. Topic labels also update the
// agent record so listings show the current topic.
func (s *Server) IngestLabel(ctx context.Context, rec LabelRecord) (int64, error) {
	if rec.Kind == "" || rec.Value == "" {
		return 0, fmt.Errorf("label record requires kind and value")
	}

	e := events.New(events.Payload{Label: &events.Label{
		Kind:  rec.Kind,
		Key:   rec.Key,
		Value: rec.Value,
	}})
	e.Agent = rec.Agent
	e.SessionID = rec.SessionID
	if rec.Kind == events.LabelKindTopic {
		e.Topic = rec.Value
	}

	seq, err := s.recorder.Record(ctx, &e)
	if err != nil {
		return 0, err
	}

	if rec.Kind == events.LabelKindTopic && rec.Agent != "" {
		if err := s.registry.SetTopic(ctx, rec.Agent, rec.Value); err != nil {
			slog.Warn("failed to update agent topic", "agent", rec.Agent, "error", err)
		}
	}

	return seq, nil
}
