package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// refreshResult represents the result of refreshing an access token
type refreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// refreshAccessToken exchanges a refresh token for a fresh access token.
func (m *Manager) refreshAccessToken(ctx context.Context, accountID int64, refreshToken string) (*refreshResult, error) {
	data := url.Values{
		"client_id":     {config.OAuthClientID},
		"client_secret": {config.OAuthClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", m.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, apierr.NewTransientError(fmt.Sprintf("token refresh request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.NewTransientError(fmt.Sprintf("failed to read response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		if strings.Contains(strings.ToLower(string(body)), "invalid_grant") {
			return nil, apierr.NewInvalidGrantError(accountID, fmt.Sprintf("token refresh rejected: %s", utils.TruncateString(string(body), 200)))
		}
		if resp.StatusCode >= 500 {
			return nil, apierr.NewTransientError(fmt.Sprintf("token refresh failed with status %d", resp.StatusCode))
		}
		return nil, apierr.NewUpstreamError(fmt.Sprintf("token refresh failed: %s", utils.TruncateString(string(body), 200)), resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apierr.NewUpstreamError(fmt.Sprintf("failed to parse token response: %v", err), resp.StatusCode)
	}
	if result.AccessToken == "" {
		return nil, apierr.NewUpstreamError("no access token in refresh response", resp.StatusCode)
	}

	return &refreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil
}

// discovery is the project id and tier learned from the upstream.
type discovery struct {
	ProjectID string
	Tier      string
}

// discoverProject walks the endpoint fallback list asking the upstream which
// project and tier this token belongs to, onboarding the user when the
// upstream has no project for it yet.
func (m *Manager) discoverProject(ctx context.Context, accessToken string) (*discovery, error) {
	var lastData map[string]interface{}
	var lastErr error

	for _, endpoint := range m.endpoints {
		projectID, tier, data, err := m.tryLoadCodeAssist(ctx, accessToken, endpoint)
		if err != nil {
			utils.Warn("[Token] Project discovery failed at %s: %v", endpoint, err)
			lastErr = err
			continue
		}
		if projectID != "" {
			return &discovery{ProjectID: projectID, Tier: tier}, nil
		}
		lastData = data
		utils.Info("[Token] No project in loadCodeAssist response, attempting onboardUser...")
		break
	}

	if lastData != nil {
		tierID := defaultTierID(lastData)
		if tierID == "" {
			tierID = "free-tier"
		}
		utils.Info("[Token] Onboarding user with tier: %s", tierID)
		projectID, err := m.onboardUser(ctx, accessToken, tierID)
		if err != nil {
			return nil, err
		}
		if projectID != "" {
			utils.Success("[Token] Successfully onboarded, project: %s", projectID)
			return &discovery{ProjectID: projectID, Tier: tierID}, nil
		}
	}

	if lastErr != nil {
		return nil, apierr.NewTransientError(fmt.Sprintf("project discovery failed: %v", lastErr))
	}
	return &discovery{ProjectID: config.DefaultProjectID, Tier: "free-tier"}, nil
}

// tryLoadCodeAssist queries a single endpoint for the current project and tier.
func (m *Manager) tryLoadCodeAssist(ctx context.Context, accessToken, endpoint string) (string, string, map[string]interface{}, error) {
	reqBody := map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+config.LoadCodeAssistURL, strings.NewReader(string(jsonBody)))
	if err != nil {
		return "", "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", "", nil, err
	}

	tier := currentTierID(data)

	// cloudaicompanionProject is a string on some tiers, {id} on others
	if projectID, ok := data["cloudaicompanionProject"].(string); ok && projectID != "" {
		return projectID, tier, data, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]interface{}); ok {
		if projectID, ok := projectObj["id"].(string); ok && projectID != "" {
			return projectID, tier, data, nil
		}
	}

	return "", tier, data, nil
}

// onboardUser provisions a managed project, polling until the long-running
// operation reports done.
func (m *Manager) onboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	requestBody := map[string]interface{}{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}

	for _, endpoint := range m.endpoints {
		for attempt := 0; attempt < m.onboardMaxAttempts; attempt++ {
			result, err := m.tryOnboardUser(ctx, endpoint, accessToken, requestBody)
			if err != nil {
				utils.Warn("[Token] onboardUser failed at %s: %v", endpoint, err)
				break // Try next endpoint
			}

			if done, ok := result["done"].(bool); ok && done {
				if response, ok := result["response"].(map[string]interface{}); ok {
					if proj, ok := response["cloudaicompanionProject"].(map[string]interface{}); ok {
						if id, ok := proj["id"].(string); ok && id != "" {
							return id, nil
						}
					}
				}
			}

			if attempt < m.onboardMaxAttempts-1 {
				if err := m.clk.Sleep(ctx, time.Duration(m.onboardDelayMs)*time.Millisecond); err != nil {
					return "", err
				}
			}
		}
	}

	return "", apierr.NewTransientError("all onboarding attempts failed for tier " + tierID)
}

func (m *Manager) tryOnboardUser(ctx context.Context, endpoint, accessToken string, requestBody map[string]interface{}) (map[string]interface{}, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+config.OnboardUserURL, strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range config.AntigravityHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// currentTierID extracts the active tier from a loadCodeAssist response.
func currentTierID(data map[string]interface{}) string {
	if tier, ok := data["currentTier"].(map[string]interface{}); ok {
		if id, ok := tier["id"].(string); ok {
			return id
		}
	}
	return ""
}

// defaultTierID picks the tier marked default, falling back to the first.
func defaultTierID(data map[string]interface{}) string {
	allowedTiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(allowedTiers) == 0 {
		return ""
	}
	for _, tier := range allowedTiers {
		tierMap, ok := tier.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, ok := tierMap["isDefault"].(bool); ok && isDefault {
			if id, ok := tierMap["id"].(string); ok {
				return id
			}
		}
	}
	if firstTier, ok := allowedTiers[0].(map[string]interface{}); ok {
		if id, ok := firstTier["id"].(string); ok {
			return id
		}
	}
	return ""
}

// fetchUserEmail resolves the account's email from the userinfo endpoint.
func (m *Manager) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get user info: %d", resp.StatusCode)
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	return userInfo.Email, nil
}
