package provider

import (
	"encoding/json"
	"fmt"

	"github.com/tokligence/streamflow/internal/stream"
)

// chatCompletionChunk mirrors the OpenAI SSE chunk shape.
type chatCompletionChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseOpenAIChunk decodes one OpenAI-style `data:` frame into a Chunk.
func ParseOpenAIChunk(raw []byte) (stream.Chunk, error) {
	var c chatCompletionChunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return stream.Chunk{}, fmt.Errorf("provider: parse openai chunk: %w", err)
	}
	if len(c.Choices) == 0 {
		return stream.Chunk{}, nil
	}
	out := stream.Chunk{Content: c.Choices[0].Delta.Content}
	if fr := c.Choices[0].FinishReason; fr != nil && *fr != "" {
		out.FinishReason = mapFinishReason(*fr)
	}
	return out, nil
}

// anthropicEvent mirrors the Anthropic streaming event envelope. Only the
// event types the engine consumes are modelled.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// ParseAnthropicChunk decodes one Anthropic-style event frame into a Chunk.
// Events outside the content/stop set yield an empty, non-terminal chunk.
func ParseAnthropicChunk(raw []byte) (stream.Chunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return stream.Chunk{}, fmt.Errorf("provider: parse anthropic event: %w", err)
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" {
			return stream.Chunk{Content: ev.Delta.Text}, nil
		}
		return stream.Chunk{}, nil
	case "message_delta":
		if ev.Delta.StopReason != "" {
			return stream.Chunk{FinishReason: mapFinishReason(ev.Delta.StopReason)}, nil
		}
		return stream.Chunk{}, nil
	case "message_stop":
		return stream.Chunk{FinishReason: stream.FinishStop}, nil
	default:
		return stream.Chunk{}, nil
	}
}

func mapFinishReason(s string) stream.FinishReason {
	switch s {
	case "stop", "end_turn", "stop_sequence":
		return stream.FinishStop
	case "length", "max_tokens":
		return stream.FinishLength
	case "content_filter":
		return stream.FinishContentFilter
	default:
		return stream.FinishStop
	}
}
