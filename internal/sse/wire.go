package sse

import (
	"encoding/json"
	"fmt"

	"github.com/cnrmurphy/sentinel/internal/events"
)

// Wire shapes of the upstream's stream frames and message bodies.

type wireMessageStart struct {
	Message struct {
		ID    string     `json:"id"`
		Model string     `json:"model"`
		Usage *wireUsage `json:"usage"`
	} `json:"message"`
}

type wireBlockStart struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type wireBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type wireMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *wireUsage `json:"usage"`
}

// wireUsage accepts both the upstream's field spellings and the compact
// ones used in stored payloads.
type wireUsage struct {
	InputTokens        *int64 `json:"input_tokens"`
	OutputTokens       *int64 `json:"output_tokens"`
	CacheRead          *int64 `json:"cache_read_tokens"`
	CacheReadInput     *int64 `json:"cache_read_input_tokens"`
	CacheCreation      *int64 `json:"cache_creation_tokens"`
	CacheCreationInput *int64 `json:"cache_creation_input_tokens"`
}

func (u *wireUsage) toUsage() events.Usage {
	out := events.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
	out.CacheReadTokens = u.CacheRead
	if out.CacheReadTokens == nil {
		out.CacheReadTokens = u.CacheReadInput
	}
	out.CacheCreationTokens = u.CacheCreation
	if out.CacheCreationTokens == nil {
		out.CacheCreationTokens = u.CacheCreationInput
	}
	return out
}

type wireMessage struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason"`
	Content    []wireBlock `json:"content"`
	Usage      *wireUsage  `json:"usage"`
}

type wireBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// ParseMessage folds a complete (non-streaming) message body into the same
// record shape the streaming accumulator produces.
func ParseMessage(data []byte) (events.AssistantResponse, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return events.AssistantResponse{}, fmt.Errorf("parse message body: %w", err)
	}

	resp := events.AssistantResponse{
		Streaming:  false,
		Model:      msg.Model,
		MessageID:  msg.ID,
		StopReason: msg.StopReason,
		ToolCalls:  []events.ToolCall{},
	}
	if msg.Usage != nil {
		resp.Usage = msg.Usage.toUsage()
	}

	var thinking, text []string
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "thinking":
			thinking = append(thinking, b.Thinking)
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, events.ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	resp.Thinking = join(thinking)
	resp.Text = join(text)
	return resp, nil
}

func join(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
