package config

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// OAuth configuration for the cloud code-assist API
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthAuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
	UserInfoURL       = "https://www.googleapis.com/oauth2/v1/userinfo"
)

// Upstream endpoints, tried in order
var UpstreamEndpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// DefaultProjectID is used when project discovery yields nothing
const DefaultProjectID = "rising-fact-p41fc"

// Wire-format constants for the upstream envelope
const (
	EnvelopeUserAgent        = "antigravity"
	RequestTypeAgent         = "agent"
	RequestTypeImageGen      = "image_gen"
	RequestIDPrefix          = "agent-"
	DefaultCandidateCount    = 1
	StreamGenerateContentURL = "/v1internal:streamGenerateContent?alt=sse"
	GenerateContentURL       = "/v1internal:generateContent"
	LoadCodeAssistURL        = "/v1internal:loadCodeAssist"
	OnboardUserURL           = "/v1internal:onboardUser"
)

// Capacity exhaustion markers in upstream error bodies
var CapacityMarkers = []string{
	"exhausted your capacity",
	"Resource has been exhausted",
	"No capacity available",
}

// CapacityBackoffTiersMs is the per-(account, model) cooldown ladder used
// when the upstream gives no reset hint.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// HTTP limits
const (
	RequestBodyLimit = 50 * 1024 * 1024
	DefaultPort      = 8080
)

// AntigravityHeaders returns the headers every upstream call carries.
func AntigravityHeaders() map[string]string {
	platform := platformEnum()
	metadata, _ := json.Marshal(map[string]interface{}{
		"ideType":    6,
		"platform":   platform,
		"pluginType": 2,
	})
	return map[string]string{
		"User-Agent":        fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   string(metadata),
	}
}

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return 2
	case "windows":
		return 3
	default:
		return 1
	}
}
