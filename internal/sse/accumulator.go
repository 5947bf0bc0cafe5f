package sse

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// PhaseFunc receives mid-stream phase reports (thinking, writing,
// tool_use). Each phase fires at most once per response.
type PhaseFunc func(phase string)

// Accumulator folds decoded frames into a single assistant response.
type Accumulator struct {
	onPhase    PhaseFunc
	phasesSeen map[string]bool

	model      string
	messageID  string
	stopReason string
	usage      events.Usage

	thinking strings.Builder
	text     strings.Builder
	tools    []events.ToolCall

	blockType string
	toolID    string
	toolName  string
	toolInput strings.Builder

	sawMessageStop bool
	finalized      bool
}

func NewAccumulator(onPhase PhaseFunc) *Accumulator {
	return &Accumulator{
		onPhase:    onPhase,
		phasesSeen: make(map[string]bool),
	}
}

func (a *Accumulator) phase(p string) {
	if a.phasesSeen[p] {
		return
	}
	a.phasesSeen[p] = true
	if a.onPhase != nil {
		a.onPhase(p)
	}
}

// HandleFrame applies one frame to the accumulator. Frames arrive strictly
// in stream order; malformed ones are logged and skipped.
func (a *Accumulator) HandleFrame(f Frame) {
	name := f.Event
	if name == "" {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f.Data, &tag); err != nil {
			slog.Warn("sse: undecodable frame, skipping", "error", err, "data", preview(f.Data))
			return
		}
		name = tag.Type
	}

	switch name {
	case "message_start":
		var ev wireMessageStart
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("sse: bad message_start frame", "error", err)
			return
		}
		a.model = ev.Message.Model
		a.messageID = ev.Message.ID
		if ev.Message.Usage != nil {
			a.usage.Merge(ev.Message.Usage.toUsage())
		}

	case "content_block_start":
		var ev wireBlockStart
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("sse: bad content_block_start frame", "error", err)
			return
		}
		a.blockType = ev.ContentBlock.Type
		switch ev.ContentBlock.Type {
		case "thinking":
			a.phase(events.PhaseThinking)
		case "tool_use":
			a.toolID = ev.ContentBlock.ID
			a.toolName = ev.ContentBlock.Name
			a.toolInput.Reset()
			a.phase(events.PhaseToolUse)
		}

	case "content_block_delta":
		var ev wireBlockDelta
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("sse: bad content_block_delta frame", "error", err)
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			a.phase(events.PhaseWriting)
			a.text.WriteString(ev.Delta.Text)
		case "thinking_delta":
			a.thinking.WriteString(ev.Delta.Thinking)
		case "input_json_delta":
			a.toolInput.WriteString(ev.Delta.PartialJSON)
		case "signature_delta":
			// Opaque attestation; nothing to reconstruct.
		default:
			slog.Warn("sse: unknown delta type, skipping", "type", ev.Delta.Type)
		}

	case "content_block_stop":
		a.closeBlock()

	case "message_delta":
		var ev wireMessageDelta
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			slog.Warn("sse: bad message_delta frame", "error", err)
			return
		}
		if ev.Delta.StopReason != "" {
			a.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			a.usage.Merge(ev.Usage.toUsage())
		}

	case "message_stop":
		a.sawMessageStop = true

	case "ping":

	case "error":
		slog.Warn("sse: upstream error frame", "data", preview(f.Data))

	default:
		slog.Warn("sse: unknown event name, skipping", "event", name)
	}
}

func (a *Accumulator) closeBlock() {
	if a.blockType == "tool_use" && a.toolID != "" {
		raw := a.toolInput.String()
		input := json.RawMessage(`{}`)
		if raw != "" {
			if json.Valid([]byte(raw)) {
				input = json.RawMessage(raw)
			} else {
				slog.Warn("sse: tool input is not valid JSON, using empty object",
					"tool_id", a.toolID, "tool_name", a.toolName, "input", preview([]byte(raw)))
			}
		}
		a.tools = append(a.tools, events.ToolCall{ID: a.toolID, Name: a.toolName, Input: input})
		a.toolID = ""
		a.toolName = ""
		a.toolInput.Reset()
	}
	a.blockType = ""
}

// Finalize returns the reconstructed response. Called exactly once, after
// message_stop or observed end-of-stream. A stream that truncated before
// message_stop is marked incomplete.
func (a *Accumulator) Finalize() events.AssistantResponse {
	if a.finalized {
		slog.Warn("sse: accumulator finalized twice")
	}
	a.finalized = true

	// An open tool block at end-of-stream still yields its partial call.
	a.closeBlock()

	stopReason := a.stopReason
	if !a.sawMessageStop {
		stopReason = "incomplete"
		slog.Warn("sse: stream ended without message_stop, marking incomplete",
			"message_id", a.messageID)
	}

	tools := a.tools
	if tools == nil {
		tools = []events.ToolCall{}
	}

	return events.AssistantResponse{
		Streaming:  true,
		Model:      a.model,
		MessageID:  a.messageID,
		StopReason: stopReason,
		Thinking:   a.thinking.String(),
		Text:       a.text.String(),
		ToolCalls:  tools,
		Usage:      a.usage,
	}
}

// preview truncates raw data for log lines without splitting a rune.
func preview(b []byte) string {
	const max = 120
	s := string(b)
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) > max {
		runes = runes[:max]
	}
	return string(runes) + "..."
}
