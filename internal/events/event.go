package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a single record in the flight log. Seq is assigned by the store
// at insert time and is the sole total ordering; it is zero until then.
type Event struct {
	Seq       int64     `json:"seq,omitempty"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Payload   Payload   `json:"payload"`
}

// New builds an event around the given payload with a fresh ID and a
// millisecond-precision timestamp.
func New(p Payload) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   p,
	}
}

// Payload type tags as they appear on the wire and in payload_json.
const (
	TypeUserMessage       = "user_message"
	TypeAssistantResponse = "assistant_response"
	TypeAgentActivity     = "agent_activity"
	TypeError             = "error"
	TypeLabel             = "label"
)

// Payload is a tagged union. Exactly one variant pointer is non-nil.
type Payload struct {
	UserMessage       *UserMessage
	AssistantResponse *AssistantResponse
	AgentActivity     *AgentActivity
	Error             *ErrorDetail
	Label             *Label
}

// Type returns the wire tag of the populated variant, or "" if none is set.
func (p Payload) Type() string {
	switch {
	case p.UserMessage != nil:
		return TypeUserMessage
	case p.AssistantResponse != nil:
		return TypeAssistantResponse
	case p.AgentActivity != nil:
		return TypeAgentActivity
	case p.Error != nil:
		return TypeError
	case p.Label != nil:
		return TypeLabel
	}
	return ""
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.UserMessage != nil:
		return marshalTagged(TypeUserMessage, p.UserMessage)
	case p.AssistantResponse != nil:
		return marshalTagged(TypeAssistantResponse, p.AssistantResponse)
	case p.AgentActivity != nil:
		return marshalTagged(TypeAgentActivity, p.AgentActivity)
	case p.Error != nil:
		return marshalTagged(TypeError, p.Error)
	case p.Label != nil:
		return marshalTagged(TypeLabel, p.Label)
	}
	return nil, fmt.Errorf("marshal payload: no variant set")
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("unmarshal payload tag: %w", err)
	}

	switch tag.Type {
	case TypeUserMessage:
		p.UserMessage = &UserMessage{}
		return json.Unmarshal(data, p.UserMessage)
	case TypeAssistantResponse:
		p.AssistantResponse = &AssistantResponse{}
		if err := json.Unmarshal(data, p.AssistantResponse); err != nil {
			return err
		}
		p.AssistantResponse.normalize()
		return nil
	case TypeAgentActivity:
		p.AgentActivity = &AgentActivity{}
		return json.Unmarshal(data, p.AgentActivity)
	case TypeError:
		p.Error = &ErrorDetail{}
		return json.Unmarshal(data, p.Error)
	case TypeLabel:
		p.Label = &Label{}
		return json.Unmarshal(data, p.Label)
	}
	return fmt.Errorf("unmarshal payload: unknown type %q", tag.Type)
}

// marshalTagged flattens the variant's fields next to the type tag, so the
// wire shape is {"type":"user_message","text":...} rather than nested.
func marshalTagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(typ)+11)
	out = append(out, `{"type":"`...)
	out = append(out, typ...)
	out = append(out, '"')
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:len(body)-1]...)
	}
	out = append(out, '}')
	return out, nil
}

// UserMessage captures the last user-authored text of a proxied request.
type UserMessage struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// AssistantResponse is the fully reconstructed upstream response.
// ToolCalls and Usage are always structurally present, never null.
type AssistantResponse struct {
	Streaming  bool       `json:"streaming"`
	Model      string     `json:"model,omitempty"`
	MessageID  string     `json:"message_id,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Thinking   string     `json:"thinking"`
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	Usage      Usage      `json:"usage"`
}

func (r *AssistantResponse) normalize() {
	if r.ToolCalls == nil {
		r.ToolCalls = []ToolCall{}
	}
}

func (r AssistantResponse) MarshalJSON() ([]byte, error) {
	type alias AssistantResponse
	a := alias(r)
	if a.ToolCalls == nil {
		a.ToolCalls = []ToolCall{}
	}
	return json.Marshal(a)
}

// ToolCall is one tool invocation in content-block order.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is token accounting. Fields are null when the upstream omitted them.
type Usage struct {
	InputTokens         *int64 `json:"input_tokens"`
	OutputTokens        *int64 `json:"output_tokens"`
	CacheReadTokens     *int64 `json:"cache_read_tokens"`
	CacheCreationTokens *int64 `json:"cache_creation_tokens"`
}

// Merge overlays non-nil fields of other onto u.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens != nil {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens != nil {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheReadTokens != nil {
		u.CacheReadTokens = other.CacheReadTokens
	}
	if other.CacheCreationTokens != nil {
		u.CacheCreationTokens = other.CacheCreationTokens
	}
}

// Mid-stream phase indicators. Bus-only; the store rejects them.
const (
	PhaseThinking = "thinking"
	PhaseWriting  = "writing"
	PhaseToolUse  = "tool_use"
)

// AgentActivity is a transient liveness signal emitted while a response
// streams. It is never persisted.
type AgentActivity struct {
	Phase string `json:"phase"`
}

// ErrorDetail records a failed upstream call or an abandoned response tap.
// Partial carries whatever reconstruction existed when the tap was cut.
type ErrorDetail struct {
	Source  string             `json:"source"`
	Status  int                `json:"status,omitempty"`
	Message string             `json:"message"`
	Partial *AssistantResponse `json:"partial,omitempty"`
}

// Label is a structured annotation posted by the semantic-labeling sidecar.
type Label struct {
	Kind  string `json:"kind"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// LabelKindTopic labels carry a conversation topic; the event's Topic field
// and the agent record mirror the value verbatim.
const LabelKindTopic = "topic"
