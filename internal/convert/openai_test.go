package convert

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestToUpstreamBody_RolesAndSystem(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-3-pro",
		Messages: []ChatMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
			{Role: "user", Content: "bye"},
		},
	}
	body, err := ToUpstreamBody(req)
	if err != nil {
		t.Fatalf("ToUpstreamBody failed: %v", err)
	}

	if got := gjson.GetBytes(body, "systemInstruction.parts.0.text").String(); got != "be terse" {
		t.Fatalf("system text = %q, want 'be terse'", got)
	}
	contents := gjson.GetBytes(body, "contents").Array()
	if len(contents) != 3 {
		t.Fatalf("expected 3 content turns, got %d", len(contents))
	}
	if role := contents[1].Get("role").String(); role != "model" {
		t.Fatalf("assistant turn mapped to role %q, want model", role)
	}
	if role := contents[0].Get("role").String(); role != "user" {
		t.Fatalf("user turn mapped to role %q, want user", role)
	}
}

func TestToUpstreamBody_GenerationConfig(t *testing.T) {
	temp := 0.7
	topP := 0.9
	maxTokens := 512
	req := &ChatRequest{
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
		Stop:        []interface{}{"END", "STOP"},
	}
	body, err := ToUpstreamBody(req)
	if err != nil {
		t.Fatalf("ToUpstreamBody failed: %v", err)
	}

	if got := gjson.GetBytes(body, "generationConfig.temperature").Float(); got != 0.7 {
		t.Fatalf("temperature = %v", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.topP").Float(); got != 0.9 {
		t.Fatalf("topP = %v", got)
	}
	if got := gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int(); got != 512 {
		t.Fatalf("maxOutputTokens = %d", got)
	}
	stops := gjson.GetBytes(body, "generationConfig.stopSequences").Array()
	if len(stops) != 2 || stops[0].String() != "END" {
		t.Fatalf("unexpected stopSequences: %v", stops)
	}
}

func TestToUpstreamBody_NoGenerationConfigWhenUnset(t *testing.T) {
	req := &ChatRequest{Messages: []ChatMessage{{Role: "user", Content: "hi"}}}
	body, err := ToUpstreamBody(req)
	if err != nil {
		t.Fatalf("ToUpstreamBody failed: %v", err)
	}
	if gjson.GetBytes(body, "generationConfig").Exists() {
		t.Fatal("generationConfig should be omitted when nothing is set")
	}
}

func TestToUpstreamBody_EmptyMessages(t *testing.T) {
	if _, err := ToUpstreamBody(&ChatRequest{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestChatMessage_TextFromParts(t *testing.T) {
	msg := ChatMessage{
		Role: "user",
		Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "one "},
			map[string]interface{}{"type": "image_url", "image_url": "ignored"},
			map[string]interface{}{"type": "text", "text": "two"},
		},
	}
	if got := msg.Text(); got != "one two" {
		t.Fatalf("Text() = %q, want 'one two'", got)
	}
}

func TestFromUpstreamResponse(t *testing.T) {
	upstream := []byte(`{
		"candidates":[{"content":{"parts":[{"thought":true,"text":"thinking"},{"text":"answer"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":7,"totalTokenCount":10}
	}`)
	body, err := FromUpstreamResponse(upstream, "gemini-3-pro")
	if err != nil {
		t.Fatalf("FromUpstreamResponse failed: %v", err)
	}

	if got := gjson.GetBytes(body, "object").String(); got != "chat.completion" {
		t.Fatalf("object = %q", got)
	}
	if got := gjson.GetBytes(body, "choices.0.message.content").String(); got != "answer" {
		t.Fatalf("content = %q, want 'answer' (thought parts skipped)", got)
	}
	if got := gjson.GetBytes(body, "choices.0.finish_reason").String(); got != "stop" {
		t.Fatalf("finish_reason = %q, want stop", got)
	}
	if got := gjson.GetBytes(body, "usage.total_tokens").Int(); got != 10 {
		t.Fatalf("total_tokens = %d, want 10", got)
	}
}

func TestChunkConverter_SharesID(t *testing.T) {
	conv := NewChunkConverter("gemini-3-flash")

	first, err := conv.Convert([]byte(`{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}`))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	second, err := conv.Convert([]byte(`{"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}]}`))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	id1 := gjson.GetBytes(first, "id").String()
	id2 := gjson.GetBytes(second, "id").String()
	if id1 == "" || id1 != id2 {
		t.Fatalf("chunk ids differ: %q vs %q", id1, id2)
	}
	if got := gjson.GetBytes(first, "object").String(); got != "chat.completion.chunk" {
		t.Fatalf("object = %q", got)
	}
	if got := gjson.GetBytes(second, "choices.0.finish_reason").String(); got != "stop" {
		t.Fatalf("finish_reason = %q, want stop", got)
	}
}

func TestChunkConverter_MaxTokensMapsToLength(t *testing.T) {
	conv := NewChunkConverter("m")
	chunk, err := conv.Convert([]byte(`{"candidates":[{"finishReason":"MAX_TOKENS"}]}`))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if got := gjson.GetBytes(chunk, "choices.0.finish_reason").String(); got != "length" {
		t.Fatalf("finish_reason = %q, want length", got)
	}
}

func TestChunkConverter_EmptyEventDropped(t *testing.T) {
	conv := NewChunkConverter("m")
	chunk, err := conv.Convert([]byte(`{"usageMetadata":{"totalTokenCount":1}}`))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if chunk != nil {
		t.Fatalf("expected nil for an event with no delta, got %s", chunk)
	}
}
