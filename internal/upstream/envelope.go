package upstream

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/poemonsense/codeassist-gateway/internal/config"
)

// ImageGenModelID marks requests that must carry requestType image_gen.
const ImageGenModelID = "gemini-3-pro-image"

// BuildEnvelope wraps a caller-normalised inner request into the upstream
// payload. The inner body is carried as raw JSON; only sessionId and
// generationConfig.candidateCount are touched.
func BuildEnvelope(projectID, model string, inner []byte) ([]byte, error) {
	if len(inner) == 0 {
		inner = []byte(`{}`)
	}
	if !gjson.ValidBytes(inner) {
		return nil, fmt.Errorf("inner request is not valid JSON")
	}

	if !gjson.GetBytes(inner, "generationConfig.candidateCount").Exists() {
		var err error
		inner, err = sjson.SetBytes(inner, "generationConfig.candidateCount", config.DefaultCandidateCount)
		if err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(inner, "sessionId").Exists() {
		var err error
		inner, err = sjson.SetBytes(inner, "sessionId", newSessionID())
		if err != nil {
			return nil, err
		}
	}

	requestType := config.RequestTypeAgent
	if model == ImageGenModelID {
		requestType = config.RequestTypeImageGen
	}

	payload := []byte(`{}`)
	var err error
	for _, field := range []struct {
		path  string
		value interface{}
	}{
		{"project", projectID},
		{"requestId", config.RequestIDPrefix + uuid.New().String()},
		{"model", model},
		{"userAgent", config.EnvelopeUserAgent},
		{"requestType", requestType},
	} {
		payload, err = sjson.SetBytes(payload, field.path, field.value)
		if err != nil {
			return nil, err
		}
	}
	payload, err = sjson.SetRawBytes(payload, "request", inner)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// newSessionID synthesises the negative numeric session id the upstream
// expects when the caller supplies none.
func newSessionID() string {
	return fmt.Sprintf("-%d", rand.Int63n(1_000_000_000_000_000))
}

// UnwrapResponse flattens {response: {...}, traceId} into the inner object,
// preserving traceId when the inner object lacks it. Bodies without a
// response wrapper pass through unchanged.
func UnwrapResponse(body []byte) []byte {
	wrapped := gjson.GetBytes(body, "response")
	if !wrapped.Exists() || !wrapped.IsObject() {
		return body
	}
	inner := []byte(wrapped.Raw)
	if traceID := gjson.GetBytes(body, "traceId"); traceID.Exists() {
		if !gjson.GetBytes(inner, "traceId").Exists() {
			if out, err := sjson.SetBytes(inner, "traceId", traceID.String()); err == nil {
				inner = out
			}
		}
	}
	return inner
}

// Usage is the token-count snapshot from an upstream usageMetadata block.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	ThinkingTokens   int64
}

// ExtractUsage reads usageMetadata from an unwrapped response or chunk.
// Returns nil when the body carries none.
func ExtractUsage(body []byte) *Usage {
	meta := gjson.GetBytes(body, "usageMetadata")
	if !meta.Exists() {
		return nil
	}
	return &Usage{
		PromptTokens:     meta.Get("promptTokenCount").Int(),
		CompletionTokens: meta.Get("candidatesTokenCount").Int(),
		TotalTokens:      meta.Get("totalTokenCount").Int(),
		ThinkingTokens:   meta.Get("thoughtsTokenCount").Int(),
	}
}
