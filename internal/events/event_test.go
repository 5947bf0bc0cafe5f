package events

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPayload_UserMessageWireShape(t *testing.T) {
	p := Payload{UserMessage: &UserMessage{Model: "m", Text: "hi"}}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "user_message" {
		t.Errorf("expected flat type tag, got %v", m["type"])
	}
	if m["text"] != "hi" {
		t.Errorf("expected flat text field, got %v", m["text"])
	}
}

func TestPayload_RoundTripAllVariants(t *testing.T) {
	in := int64(5)
	cases := []Payload{
		{UserMessage: &UserMessage{Model: "m", Text: "hello"}},
		{AssistantResponse: &AssistantResponse{
			Streaming: true, Model: "m", Thinking: "t", Text: "x",
			ToolCalls: []ToolCall{{ID: "t1", Name: "Bash", Input: []byte(`{"command":"ls"}`)}},
			Usage:     Usage{InputTokens: &in},
		}},
		{AgentActivity: &AgentActivity{Phase: PhaseToolUse}},
		{Error: &ErrorDetail{Source: "upstream", Status: 502, Message: "boom"}},
		{Label: &Label{Kind: "topic", Value: "auth bug"}},
	}

	for _, p := range cases {
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal %s: %v", p.Type(), err)
		}
		var back Payload
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", p.Type(), err)
		}
		if back.Type() != p.Type() {
			t.Errorf("variant changed: %s -> %s", p.Type(), back.Type())
		}
	}
}

func TestPayload_UnknownTypeRejected(t *testing.T) {
	var p Payload
	err := json.Unmarshal([]byte(`{"type":"mystery"}`), &p)
	if err == nil {
		t.Fatal("expected error for unknown payload type")
	}
}

func TestAssistantResponse_ToolCallsNeverNull(t *testing.T) {
	data, err := json.Marshal(AssistantResponse{Streaming: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), `"tool_calls":null`) {
		t.Errorf("tool_calls serialized as null: %s", data)
	}
	if !strings.Contains(string(data), `"tool_calls":[]`) {
		t.Errorf("expected empty tool_calls array: %s", data)
	}
	if !strings.Contains(string(data), `"usage":`) {
		t.Errorf("usage must be structurally present: %s", data)
	}
}

func TestNew_AssignsIDAndMillisecondTimestamp(t *testing.T) {
	e := New(Payload{UserMessage: &UserMessage{Text: "x"}})

	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.Timestamp.Nanosecond()%int(1e6) != 0 {
		t.Errorf("timestamp not truncated to milliseconds: %v", e.Timestamp)
	}

	e2 := New(Payload{UserMessage: &UserMessage{Text: "y"}})
	if e.ID == e2.ID {
		t.Error("ids must be unique")
	}
}

func TestUsage_MergeOverlaysNonNil(t *testing.T) {
	a, b, c := int64(1), int64(2), int64(3)
	u := Usage{InputTokens: &a, OutputTokens: &b}
	u.Merge(Usage{OutputTokens: &c})

	if *u.InputTokens != 1 {
		t.Errorf("input overwritten: %d", *u.InputTokens)
	}
	if *u.OutputTokens != 3 {
		t.Errorf("output not merged: %d", *u.OutputTokens)
	}
	if u.CacheReadTokens != nil {
		t.Error("nil field materialized")
	}
}
