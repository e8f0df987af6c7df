package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/modellog"
	"github.com/poemonsense/codeassist-gateway/internal/token"
)

// fakeRefresh counts forced refreshes and hands out a replacement token.
type fakeRefresh struct {
	calls int64
	token string
	err   error
}

func (f *fakeRefresh) ForceRefresh(ctx context.Context, accountID int64) (*token.Snapshot, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &token.Snapshot{AccessToken: f.token, ProjectID: "proj", Tier: "free-tier"}, nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeRefresh, *modellog.Logger) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	refresh := &fakeRefresh{token: "refreshed"}
	mlog := modellog.New(100)
	c := NewClient(config.DefaultConfig(), refresh, mlog, srv.Client())
	c.SetEndpoints([]string{srv.URL})
	return c, refresh, mlog
}

var testAccount = Account{ID: 1, Email: "user@example.com", Tier: "free-tier"}

func TestChat_UnwrapsResponse(t *testing.T) {
	c, _, mlog := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]}}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":3,"totalTokenCount":5}},"traceId":"t-1"}`))
	}))

	body, usage, err := c.Chat(context.Background(), testAccount, "tok", "proj", "gemini-3-pro", []byte(`{"contents":[]}`))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := gjson.GetBytes(body, "candidates.0.content.parts.0.text").String(); got != "hello" {
		t.Fatalf("text = %q", got)
	}
	if got := gjson.GetBytes(body, "traceId").String(); got != "t-1" {
		t.Fatalf("traceId = %q", got)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", usage)
	}

	entries := mlog.Entries()
	if len(entries) != 1 || entries[0].Status != "success" {
		t.Fatalf("unexpected diagnostics entries: %+v", entries)
	}
	if entries[0].AccountEmail == "user@example.com" {
		t.Fatal("diagnostics must not carry the raw email")
	}
}

func TestChat_SendsEnvelope(t *testing.T) {
	var captured []byte
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = readBody(r)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "tok", "proj-7", "gemini-3-pro", []byte(`{"contents":[]}`))
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got := gjson.GetBytes(captured, "project").String(); got != "proj-7" {
		t.Fatalf("project = %q", got)
	}
	if got := gjson.GetBytes(captured, "requestType").String(); got != "agent" {
		t.Fatalf("requestType = %q", got)
	}
}

func TestChat_401ForcesRefreshOnce(t *testing.T) {
	var tokens []string
	c, refresh, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := r.Header.Get("Authorization")
		tokens = append(tokens, tok)
		if tok != "Bearer refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "stale", "proj", "m", []byte(`{}`))
	if err != nil {
		t.Fatalf("Chat failed after refresh: %v", err)
	}
	if n := atomic.LoadInt64(&refresh.calls); n != 1 {
		t.Fatalf("ForceRefresh called %d times, want 1", n)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 upstream attempts, got %d", len(tokens))
	}
}

func TestChat_Repeated401Surfaces(t *testing.T) {
	c, refresh, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"unauthorized"}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "stale", "proj", "m", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error when the refreshed token is also rejected")
	}
	if n := atomic.LoadInt64(&refresh.calls); n != 1 {
		t.Fatalf("ForceRefresh called %d times, want exactly 1", n)
	}
}

func TestChat_CapacityOn429(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Resource has been exhausted reset after 4s"}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`))
	if !apierr.IsCapacityError(err) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	var ce *apierr.CapacityError
	if !errors.As(err, &ce) || ce.ResetMs != 5000 {
		t.Fatalf("ResetMs = %+v, want 5000", ce)
	}
}

func TestChat_CapacityMarkerIn200Body(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"You have exhausted your capacity on this model"}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`))
	if !apierr.IsCapacityError(err) {
		t.Fatalf("expected CapacityError for marker in 200 body, got %v", err)
	}
}

func TestChat_ServerErrorClassified(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"internal"}}`))
	}))

	_, _, err := c.Chat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`))
	var ue *apierr.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != 500 || !ue.Retryable {
		t.Fatalf("unexpected classification: %+v", ue)
	}
}

func TestStreamChat_EmitsInOrder(t *testing.T) {
	stream := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n" +
		"\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]}}],\"usageMetadata\":{\"totalTokenCount\":3}}}\n" +
		"\n" +
		"data: [DONE]\n"
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))

	var texts []string
	usage, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func(chunk []byte) error {
		texts = append(texts, gjson.GetBytes(chunk, "candidates.0.content.parts.0.text").String())
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat failed: %v", err)
	}
	if len(texts) != 2 || texts[0] != "a" || texts[1] != "b" {
		t.Fatalf("unexpected chunk order: %v", texts)
	}
	if usage == nil || usage.TotalTokens != 3 {
		t.Fatalf("usage = %+v, want total 3", usage)
	}
}

func TestStreamChat_LastUsageWins(t *testing.T) {
	stream := "data: {\"response\":{\"usageMetadata\":{\"totalTokenCount\":1},\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"x\"}]}}]}}\n" +
		"data: {\"response\":{\"usageMetadata\":{\"totalTokenCount\":9},\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"y\"}]}}]}}\n"
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))

	usage, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("StreamChat failed: %v", err)
	}
	if usage == nil || usage.TotalTokens != 9 {
		t.Fatalf("usage = %+v, want the last value 9", usage)
	}
}

func TestStreamChat_DropsMalformedChunks(t *testing.T) {
	stream := "data: {not json\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}}\n" +
		": comment line\n" +
		"event: ping\n"
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))

	var count int
	_, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("emitted %d chunks, want 1 (malformed and non-data lines dropped)", count)
	}
}

func TestChat_CancellationStaysRecognizable(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel r.Context(); otherwise Close hangs on this handler.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.Chat(ctx, testAccount, "tok", "proj", "m", []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if !apierr.IsCancelled(err) {
		t.Fatalf("IsCancelled = false for %T: %v", err, err)
	}
}

func TestStreamChat_CancellationStaysRecognizable(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.StreamChat(ctx, testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error { return nil })
	if !apierr.IsCancelled(err) {
		t.Fatalf("IsCancelled = false for %T: %v", err, err)
	}
}

func TestStreamChat_MalformedChunkRecorded(t *testing.T) {
	stream := "data: {not json at all\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}}\n"
	c, _, mlog := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))

	_, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error { return nil })
	if err != nil {
		t.Fatalf("StreamChat failed: %v", err)
	}

	entries := mlog.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 diagnostics entry, got %d", len(entries))
	}
	var found bool
	for _, ch := range entries[0].Chunks {
		if m, ok := ch.(map[string]string); ok && strings.Contains(m["malformed"], "{not json at all") {
			found = true
		}
	}
	if !found {
		t.Fatalf("dropped chunk bytes missing from diagnostics: %+v", entries[0].Chunks)
	}
}

func TestStreamChat_EmptyStreamFails(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Clean close with zero events.
	}))

	_, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error { return nil })
	if !apierr.IsEmptyResponse(err) {
		t.Fatalf("expected EmptyResponseError, got %v", err)
	}
}

func TestStreamChat_401ForcesRefreshOnce(t *testing.T) {
	c, refresh, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}}\n"))
	}))

	var count int
	_, err := c.StreamChat(context.Background(), testAccount, "stale", "proj", "m", []byte(`{}`), func([]byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat failed after refresh: %v", err)
	}
	if n := atomic.LoadInt64(&refresh.calls); n != 1 {
		t.Fatalf("ForceRefresh called %d times, want 1", n)
	}
	if count != 1 {
		t.Fatalf("emitted %d chunks, want 1", count)
	}
}

func TestStreamChat_429Capacity(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"No capacity available"}}`))
	}))

	_, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error { return nil })
	if !apierr.IsCapacityError(err) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
}

func TestStreamChat_EmitErrorStopsStream(t *testing.T) {
	stream := "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}}\n" +
		"data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]}}]}}\n"
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stream))
	}))

	var count int
	_, err := c.StreamChat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`), func([]byte) error {
		count++
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected the emit error to surface")
	}
	if count != 1 {
		t.Fatalf("emit called %d times after failing, want 1", count)
	}
}

func TestPost_EndpointFallback(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"candidates":[]}}`))
	}))
	defer good.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // connection refused from now on

	c := NewClient(config.DefaultConfig(), &fakeRefresh{}, nil, http.DefaultClient)
	c.SetEndpoints([]string{dead.URL, good.URL})

	_, _, err := c.Chat(context.Background(), testAccount, "tok", "proj", "m", []byte(`{}`))
	if err != nil {
		t.Fatalf("Chat should fall back to the healthy endpoint: %v", err)
	}
}

func readBody(r *http.Request) []byte {
	body, _ := io.ReadAll(r.Body)
	return body
}
