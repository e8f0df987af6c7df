// Package convert translates between the chat-completions dialect callers
// speak and the generateContent dialect the upstream expects.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ChatRequest is the caller-facing chat-completions request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        interface{}   `json:"stop,omitempty"`
}

// ChatMessage is one chat turn. Content is either a string or a list of
// typed parts; only text parts are carried upstream.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// Text flattens the message content to plain text.
func (m *ChatMessage) Text() string {
	switch content := m.Content.(type) {
	case string:
		return content
	case []interface{}:
		var sb strings.Builder
		for _, part := range content {
			partMap, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := partMap["type"].(string); ok && t != "text" {
				continue
			}
			if text, ok := partMap["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// ToUpstreamBody converts a chat request into the inner generateContent
// body. System messages become systemInstruction; assistant turns map to
// the model role.
func ToUpstreamBody(req *ChatRequest) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	var systemParts []map[string]interface{}
	var contents []map[string]interface{}

	for _, msg := range req.Messages {
		text := msg.Text()
		switch msg.Role {
		case "system", "developer":
			if text != "" {
				systemParts = append(systemParts, map[string]interface{}{"text": text})
			}
		case "assistant":
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": []map[string]interface{}{{"text": text}},
			})
		default:
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": []map[string]interface{}{{"text": text}},
			})
		}
	}

	body := map[string]interface{}{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]interface{}{"parts": systemParts}
	}

	generationConfig := map[string]interface{}{}
	if req.Temperature != nil {
		generationConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		generationConfig["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		generationConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if stops := stopSequences(req.Stop); len(stops) > 0 {
		generationConfig["stopSequences"] = stops
	}
	if len(generationConfig) > 0 {
		body["generationConfig"] = generationConfig
	}

	return json.Marshal(body)
}

func stopSequences(stop interface{}) []string {
	switch v := stop.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// FromUpstreamResponse converts an unwrapped generateContent response into a
// chat.completion object.
func FromUpstreamResponse(body []byte, model string) ([]byte, error) {
	text, finishReason := extractCandidate(body)

	response := map[string]interface{}{
		"id":      "chatcmpl-" + uuid.New().String(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index": 0,
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": text,
			},
			"finish_reason": finishReason,
		}},
		"usage": map[string]interface{}{
			"prompt_tokens":     gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int(),
			"completion_tokens": gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int(),
			"total_tokens":      gjson.GetBytes(body, "usageMetadata.totalTokenCount").Int(),
		},
	}
	return json.Marshal(response)
}

// ChunkConverter turns upstream stream events into chat.completion.chunk
// payloads sharing one completion id.
type ChunkConverter struct {
	id      string
	model   string
	created int64
}

// NewChunkConverter creates a converter for one streaming response.
func NewChunkConverter(model string) *ChunkConverter {
	return &ChunkConverter{
		id:      "chatcmpl-" + uuid.New().String(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Convert maps one upstream chunk. Returns nil for events with no delta.
func (c *ChunkConverter) Convert(chunk []byte) ([]byte, error) {
	text, finishReason := extractCandidate(chunk)
	if text == "" && finishReason == "" {
		return nil, nil
	}

	delta := map[string]interface{}{}
	if text != "" {
		delta["content"] = text
	}
	choice := map[string]interface{}{
		"index": 0,
		"delta": delta,
	}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	}

	return json.Marshal(map[string]interface{}{
		"id":      c.id,
		"object":  "chat.completion.chunk",
		"created": c.created,
		"model":   c.model,
		"choices": []map[string]interface{}{choice},
	})
}

// extractCandidate pulls the visible text and mapped finish reason from the
// first candidate. Thought parts are skipped.
func extractCandidate(body []byte) (string, string) {
	var sb strings.Builder
	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	parts.ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		sb.WriteString(part.Get("text").String())
		return true
	})

	finishReason := ""
	switch gjson.GetBytes(body, "candidates.0.finishReason").String() {
	case "":
	case "MAX_TOKENS":
		finishReason = "length"
	default:
		finishReason = "stop"
	}
	return sb.String(), finishReason
}
