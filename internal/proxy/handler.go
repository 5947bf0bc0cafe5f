// Package proxy terminates client HTTP, forwards to the upstream API, and
// taps both directions of the exchange into the event pipeline. The proxy
// is faithful: bytes delivered to the client are exactly the upstream's.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cnrmurphy/sentinel/internal/agents"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/sse"
)

type Handler struct {
	recorder *bus.Recorder
	registry *agents.Registry
	client   *http.Client
	upstream *url.URL

	maxBodyBytes   int64
	tapBufferBytes int64
}

type Config struct {
	UpstreamURL    string
	MaxBodyBytes   int64
	TapBufferBytes int64
}

func New(rec *bus.Recorder, reg *agents.Registry, cfg Config) (*Handler, error) {
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", cfg.UpstreamURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q has no scheme or host", cfg.UpstreamURL)
	}

	return &Handler{
		recorder: rec,
		registry: reg,
		client: &http.Client{
			// Streaming responses have no natural deadline.
			Timeout: 0,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstream:       u,
		maxBodyBytes:   cfg.MaxBodyBytes,
		tapBufferBytes: cfg.TapBufferBytes,
	}, nil
}

// hop-by-hop headers are connection-scoped and never forwarded.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		slog.Warn("failed to read request body", "path", r.URL.Path, "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		slog.Warn("request body over limit, rejecting", "path", r.URL.Path, "limit", h.maxBodyBytes)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Client telemetry calls are forwarded but produce no events.
	isTelemetry := strings.Contains(r.URL.Path, "event_logging")

	var req *apiRequest
	if len(body) > 0 {
		var parsed apiRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			slog.Warn("request body is not parseable JSON, forwarding raw",
				"path", r.URL.Path, "error", err)
		} else {
			req = &parsed
		}
	}

	sessionID := identity(r, req)
	agentName := ""
	if a, err := h.registry.Observe(r.Context(), sessionID, workingDirOf(req)); err != nil {
		slog.Warn("failed to track agent", "session_id", sessionID, "error", err)
	} else {
		agentName = a.Name
	}

	if !isTelemetry {
		h.recordRequestEvent(r.Context(), req, sessionID, agentName)
		slog.Info("proxying request",
			"method", r.Method, "path", r.URL.Path, "agent", agentName, "bytes", len(body))
	}

	resp, err := h.forward(r, body)
	if err != nil {
		slog.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		h.recordErrorEvent(sessionID, agentName, 0, fmt.Sprintf("upstream request failed: %v", err))
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		h.streamResponse(w, r, resp, isTelemetry, sessionID, agentName)
	} else {
		h.bufferResponse(w, resp, isTelemetry, sessionID, agentName)
	}
}

func (h *Handler) forward(r *http.Request, body []byte) (*http.Response, error) {
	target := *h.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	// The upstream call outlives a client disconnect so the tap can run to
	// completion and the event record stays whole.
	out, err := http.NewRequestWithContext(context.WithoutCancel(r.Context()),
		r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for name, values := range r.Header {
		if hopHeaders[http.CanonicalHeaderKey(name)] || name == "Host" || name == "Content-Length" {
			continue
		}
		out.Header[name] = values
	}
	out.Host = h.upstream.Host

	return h.client.Do(out)
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		dst[name] = values
	}
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, isTelemetry bool, sessionID, agentName string) {
	t := newTap(h.tapBufferBytes, func(phase string) {
		if isTelemetry {
			return
		}
		e := events.New(events.Payload{AgentActivity: &events.AgentActivity{Phase: phase}})
		e.SessionID = sessionID
		e.Agent = agentName
		h.recorder.Broadcast(e)
	})

	flusher, _ := w.(http.Flusher)
	clientGone := false
	var total int64

	for {
		buf := make([]byte, 32*1024)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			total += int64(n)
			t.feed(chunk)
			if !clientGone {
				if _, werr := w.Write(chunk); werr != nil {
					// Client hung up; the tap keeps consuming upstream.
					clientGone = true
					slog.Info("client disconnected mid-stream, tap continues",
						"path", r.URL.Path, "agent", agentName)
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("error reading upstream stream", "path", r.URL.Path, "error", err)
			}
			break
		}
	}

	parsed, intact := t.finish()
	if isTelemetry {
		return
	}

	if !intact {
		e := events.New(events.Payload{Error: &events.ErrorDetail{
			Source:  "tap",
			Message: "response tap abandoned: buffer limit exceeded",
			Partial: &parsed,
		}})
		e.SessionID = sessionID
		e.Agent = agentName
		if _, err := h.recorder.Record(context.WithoutCancel(r.Context()), &e); err != nil {
			slog.Error("failed to store tap error event", "error", err)
		}
		return
	}

	e := events.New(events.Payload{AssistantResponse: &parsed})
	e.SessionID = sessionID
	e.Agent = agentName
	if _, err := h.recorder.Record(context.WithoutCancel(r.Context()), &e); err != nil {
		slog.Error("failed to store response event", "error", err)
	}

	slog.Info("streaming response complete",
		"bytes", total, "agent", agentName, "stop_reason", parsed.StopReason)
}

func (h *Handler) bufferResponse(w http.ResponseWriter, resp *http.Response, isTelemetry bool, sessionID, agentName string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("error reading upstream response", "error", err)
	}
	if len(body) > 0 {
		if _, werr := w.Write(body); werr != nil {
			slog.Info("client disconnected before response completed")
		}
	}
	if isTelemetry {
		return
	}

	if looksLikeMessage(body) {
		parsed, perr := sse.ParseMessage(body)
		if perr != nil {
			slog.Warn("response body looked like a message but failed to parse", "error", perr)
		} else {
			e := events.New(events.Payload{AssistantResponse: &parsed})
			e.SessionID = sessionID
			e.Agent = agentName
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := h.recorder.Record(ctx, &e); err != nil {
				slog.Error("failed to store response event", "error", err)
			}
		}
	}

	if resp.StatusCode >= 500 {
		h.recordErrorEvent(sessionID, agentName, resp.StatusCode, "upstream error response")
	}

	slog.Info("response complete", "status", resp.StatusCode, "bytes", len(body), "agent", agentName)
}

func (h *Handler) recordRequestEvent(ctx context.Context, req *apiRequest, sessionID, agentName string) {
	msg := &events.UserMessage{}
	if req != nil {
		msg.Model = req.Model
		msg.Text = req.lastUserText()
	}
	e := events.New(events.Payload{UserMessage: msg})
	e.SessionID = sessionID
	e.Agent = agentName

	if _, err := h.recorder.Record(ctx, &e); err != nil {
		// Persistence failures never block forwarding.
		slog.Error("failed to store request event", "error", err)
	}
}

func (h *Handler) recordErrorEvent(sessionID, agentName string, status int, msg string) {
	e := events.New(events.Payload{Error: &events.ErrorDetail{
		Source:  "upstream",
		Status:  status,
		Message: msg,
	}})
	e.SessionID = sessionID
	e.Agent = agentName
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.recorder.Record(ctx, &e); err != nil {
		slog.Error("failed to store error event", "error", err)
	}
}

func workingDirOf(req *apiRequest) string {
	if req == nil {
		return ""
	}
	return req.workingDirectory()
}

func looksLikeMessage(body []byte) bool {
	var probe struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Type == "message" || len(probe.Content) > 0
}
