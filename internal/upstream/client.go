// Package upstream implements the HTTP client for the cloud code-assist API:
// envelope building, response unwrapping, capacity detection, and SSE
// stream parsing.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/modellog"
	"github.com/poemonsense/codeassist-gateway/internal/pool"
	"github.com/poemonsense/codeassist-gateway/internal/token"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// RefreshSource forces a token refresh after an upstream 401.
type RefreshSource interface {
	ForceRefresh(ctx context.Context, accountID int64) (*token.Snapshot, error)
}

// Account is the account summary the client needs for headers and logging.
type Account struct {
	ID    int64
	Email string
	Tier  string
}

// Client talks to the code-assist upstream.
type Client struct {
	httpClient *http.Client
	tokens     RefreshSource
	mlog       *modellog.Logger
	endpoints  []string
}

// maxLoggedChunks bounds how many stream chunks one diagnostics entry keeps.
const maxLoggedChunks = 100

// NewHTTPClient builds the shared outbound transport: configured connect
// timeout, optional forward proxy, no overall request timeout because
// streams may be long-lived.
func NewHTTPClient(cfg *config.Config) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: time.Duration(cfg.FetchConnectTimeoutMs) * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 0,
	}
	if cfg.OutboundProxyURL != "" {
		proxyURL, err := url.Parse(cfg.OutboundProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid outbound proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport}, nil
}

// NewClient creates an upstream Client on the given transport.
func NewClient(cfg *config.Config, tokens RefreshSource, mlog *modellog.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		mlog:       mlog,
		endpoints:  config.UpstreamEndpoints,
	}
}

// SetEndpoints overrides the upstream endpoint list. Used by tests.
func (c *Client) SetEndpoints(endpoints []string) {
	if len(endpoints) > 0 {
		c.endpoints = endpoints
	}
}

// Chat performs a non-streaming generate call. On 401 it forces one token
// refresh and retries once.
func (c *Client) Chat(ctx context.Context, acct Account, accessToken, projectID, model string, inner []byte) ([]byte, *Usage, error) {
	return c.chatAttempt(ctx, acct, accessToken, projectID, model, inner, true)
}

func (c *Client) chatAttempt(ctx context.Context, acct Account, accessToken, projectID, model string, inner []byte, allowRefresh bool) ([]byte, *Usage, error) {
	envelope, err := BuildEnvelope(projectID, model, inner)
	if err != nil {
		return nil, nil, apierr.NewUpstreamError(fmt.Sprintf("failed to build request: %v", err), 0)
	}

	start := time.Now()
	resp, endpoint, err := c.post(ctx, config.GenerateContentURL, accessToken, envelope, "application/json")
	if err != nil {
		c.record(acct, endpoint, model, false, "error", start, envelope, nil, nil, err)
		// Cancellation must stay recognizable to the dispatcher.
		if ctx.Err() != nil {
			return nil, nil, err
		}
		return nil, nil, apierr.NewUpstreamError(fmt.Sprintf("upstream request failed: %v", err), 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(acct, endpoint, model, false, "error", start, envelope, nil, nil, err)
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, apierr.NewUpstreamError(fmt.Sprintf("failed to read upstream response: %v", err), resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized && allowRefresh {
		utils.Warn("[Upstream] 401 from upstream for account %d, forcing token refresh", acct.ID)
		snap, rerr := c.tokens.ForceRefresh(ctx, acct.ID)
		if rerr != nil {
			c.record(acct, endpoint, model, false, "error", start, envelope, nil, nil, rerr)
			return nil, nil, rerr
		}
		return c.chatAttempt(ctx, acct, snap.AccessToken, projectID, model, inner, false)
	}

	if err := classifyResponse(resp.StatusCode, body); err != nil {
		c.record(acct, endpoint, model, false, "error", start, envelope, nil, nil, err)
		return nil, nil, err
	}

	unwrapped := UnwrapResponse(body)
	usage := ExtractUsage(unwrapped)
	c.record(acct, endpoint, model, false, "success", start, envelope, string(unwrapped), nil, nil)
	return unwrapped, usage, nil
}

// StreamChat performs a streaming generate call, invoking emit for every
// decoded data event in arrival order. The last usageMetadata seen wins. A
// stream that closes cleanly with zero events fails with EmptyResponse.
func (c *Client) StreamChat(ctx context.Context, acct Account, accessToken, projectID, model string, inner []byte, emit func(chunk []byte) error) (*Usage, error) {
	return c.streamAttempt(ctx, acct, accessToken, projectID, model, inner, emit, true)
}

func (c *Client) streamAttempt(ctx context.Context, acct Account, accessToken, projectID, model string, inner []byte, emit func(chunk []byte) error, allowRefresh bool) (*Usage, error) {
	envelope, err := BuildEnvelope(projectID, model, inner)
	if err != nil {
		return nil, apierr.NewUpstreamError(fmt.Sprintf("failed to build request: %v", err), 0)
	}

	start := time.Now()
	resp, endpoint, err := c.post(ctx, config.StreamGenerateContentURL, accessToken, envelope, "text/event-stream")
	if err != nil {
		c.record(acct, endpoint, model, true, "error", start, envelope, nil, nil, err)
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, apierr.NewUpstreamError(fmt.Sprintf("upstream request failed: %v", err), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode == http.StatusUnauthorized && allowRefresh {
			utils.Warn("[Upstream] 401 from upstream for account %d, forcing token refresh", acct.ID)
			snap, rerr := c.tokens.ForceRefresh(ctx, acct.ID)
			if rerr != nil {
				c.record(acct, endpoint, model, true, "error", start, envelope, nil, nil, rerr)
				return nil, rerr
			}
			return c.streamAttempt(ctx, acct, snap.AccessToken, projectID, model, inner, emit, false)
		}
		cerr := classifyResponse(resp.StatusCode, body)
		c.record(acct, endpoint, model, true, "error", start, envelope, nil, nil, cerr)
		return nil, cerr
	}

	var usage *Usage
	var chunks []interface{}
	emitted := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if !gjson.Valid(data) {
			utils.Debug("[Upstream] Dropping malformed stream chunk: %s", utils.TruncateString(data, 120))
			// Keep the raw bytes in the diagnostics entry so dropped
			// payloads stay inspectable.
			if len(chunks) < maxLoggedChunks {
				chunks = append(chunks, map[string]string{"malformed": utils.TruncateString(data, 2000)})
			}
			continue
		}

		chunk := UnwrapResponse([]byte(data))
		if u := ExtractUsage(chunk); u != nil {
			usage = u
		}
		if len(chunks) < maxLoggedChunks {
			chunks = append(chunks, string(chunk))
		}
		emitted++
		if err := emit(chunk); err != nil {
			c.record(acct, endpoint, model, true, "error", start, envelope, nil, chunks, err)
			return usage, err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			c.record(acct, endpoint, model, true, "error", start, envelope, nil, chunks, ctx.Err())
			return usage, ctx.Err()
		}
		serr := apierr.NewUpstreamError(fmt.Sprintf("stream read failed: %v", err), 0)
		c.record(acct, endpoint, model, true, "error", start, envelope, nil, chunks, serr)
		return usage, serr
	}

	if emitted == 0 {
		eerr := apierr.NewEmptyResponseError("")
		c.record(acct, endpoint, model, true, "error", start, envelope, nil, nil, eerr)
		return nil, eerr
	}

	c.record(acct, endpoint, model, true, "success", start, envelope, nil, chunks, nil)
	return usage, nil
}

// post sends the envelope, walking the endpoint fallback list on transient
// network errors. HTTP-level errors are returned from the first endpoint
// that answered.
func (c *Client) post(ctx context.Context, path, accessToken string, envelope []byte, accept string) (*http.Response, string, error) {
	var lastErr error
	var lastEndpoint string
	for _, endpoint := range c.endpoints {
		lastEndpoint = endpoint
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint+path, bytes.NewReader(envelope))
		if err != nil {
			return nil, endpoint, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		for k, v := range config.AntigravityHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, endpoint, ctx.Err()
			}
			lastErr = err
			if utils.IsNetworkError(err) {
				utils.Warn("[Upstream] Request to %s failed: %v", endpoint, err)
				continue
			}
			return nil, endpoint, err
		}
		return resp, endpoint, nil
	}
	return nil, lastEndpoint, lastErr
}

// classifyResponse maps a non-streaming upstream status and body to the
// error taxonomy. A nil return means success.
func classifyResponse(status int, body []byte) error {
	if status == http.StatusOK {
		if isCapacityBody(body) {
			return capacityError(status, body)
		}
		return nil
	}
	if status == http.StatusTooManyRequests || isCapacityBody(body) {
		return capacityError(status, body)
	}
	return apierr.NewUpstreamError(
		fmt.Sprintf("upstream returned %d: %s", status, utils.TruncateString(errorMessage(body), 300)), status)
}

func isCapacityBody(body []byte) bool {
	for _, marker := range config.CapacityMarkers {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}

func capacityError(status int, body []byte) *apierr.CapacityError {
	message := errorMessage(body)
	if message == "" {
		message = fmt.Sprintf("upstream capacity exhausted (status %d)", status)
	}
	return apierr.NewCapacityError(message, pool.ParseResetHint(message))
}

// errorMessage pulls error.message from an upstream error body, falling back
// to the raw body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) record(acct Account, endpoint, model string, stream bool, status string, start time.Time, requestBody []byte, response interface{}, chunks []interface{}, err error) {
	if c.mlog == nil {
		return
	}
	entry := modellog.Entry{
		Kind:         "generate",
		Provider:     "cloudcode",
		Endpoint:     endpoint,
		Model:        model,
		Stream:       stream,
		Status:       status,
		LatencyMs:    time.Since(start).Milliseconds(),
		AccountID:    acct.ID,
		AccountEmail: utils.MaskEmail(acct.Email),
		AccountTier:  acct.Tier,
		RequestBody:  string(requestBody),
		Response:     response,
		Chunks:       chunks,
	}
	if err != nil {
		entry.Error = map[string]string{"message": err.Error()}
	}
	c.mlog.Record(entry)
}
