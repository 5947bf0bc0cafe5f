package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/events"
)

// Push-channel envelope types.
const (
	envelopeEvent  = "observability_event"
	envelopeResync = "resync_required"
)

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type eventPayload struct {
	Event events.Event `json:"event"`
}

// handleEventStream serves the SSE push channel: store backfill first,
// then a live tail of the bus. Overflow and backfill-to-live gaps surface
// as resync_required envelopes; the consumer refetches history and
// resumes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	agentFilter := r.URL.Query().Get("agent")

	// Phase 1: backfill. Subscribe first so nothing published during the
	// store read is missed; duplicates are filtered by seq below.
	id, ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	var backfill []events.Event
	var err error
	if agentFilter != "" {
		backfill, err = s.store.EventsByAgent(r.Context(), agentFilter)
	} else {
		backfill, err = s.store.RecentEvents(r.Context(), backfillLimit, "")
		reverse(backfill)
	}
	if err != nil {
		slog.Error("backfill query failed", "agent", agentFilter, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	for _, e := range backfill {
		if err := writeFrame(w, envelope{Type: envelopeEvent, Payload: eventPayload{Event: e}}); err != nil {
			return
		}
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
	}
	flusher.Flush()

	slog.Info("subscriber connected", "agent_filter", agentFilter, "backfill", len(backfill))

	// Phase 2: live tail.
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	firstLive := true
	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case d, open := <-ch:
			if !open {
				return
			}
			if d.Resync != nil {
				if err := writeFrame(w, envelope{Type: envelopeResync, Payload: d.Resync}); err != nil {
					return
				}
				flusher.Flush()
				continue
			}

			e := d.Event
			if agentFilter != "" && e.Agent != agentFilter {
				continue
			}

			// Transient payloads carry no seq and bypass gap accounting.
			if e.Seq == 0 {
				if err := writeFrame(w, envelope{Type: envelopeEvent, Payload: eventPayload{Event: *e}}); err != nil {
					return
				}
				flusher.Flush()
				continue
			}

			// Drop events the backfill already covered.
			if e.Seq <= lastSeq {
				continue
			}

			// On an unfiltered stream, a hole between backfill and the
			// first live event means history must be refetched. Filtered
			// streams skip foreign seqs by design, so no gap check.
			if firstLive && agentFilter == "" && lastSeq > 0 && e.Seq > lastSeq+1 {
				gap := &bus.Resync{EventsDropped: e.Seq - lastSeq - 1, LatestSeq: e.Seq}
				if err := writeFrame(w, envelope{Type: envelopeResync, Payload: gap}); err != nil {
					return
				}
			}
			firstLive = false

			if err := writeFrame(w, envelope{Type: envelopeEvent, Payload: eventPayload{Event: *e}}); err != nil {
				return
			}
			lastSeq = e.Seq
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal push frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func reverse(evts []events.Event) {
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
}
