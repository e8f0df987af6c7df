package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	"github.com/poemonsense/codeassist-gateway/internal/store"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	srv, err := New(cfg, st)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, st
}

func TestHealth(t *testing.T) {
	srv, st := newTestServer(t, nil)
	a, _ := st.CreateAccount("", "refresh")
	st.UpdateAccountStatus(a.ID, store.AccountStatusError)
	st.CreateAccount("b@example.com", "refresh-2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if gjson.Get(body, "status").String() != "ok" {
		t.Fatalf("body = %s", body)
	}
	if gjson.Get(body, "accounts.total").Int() != 2 {
		t.Fatalf("total = %s", body)
	}
	if gjson.Get(body, "accounts.error").Int() != 1 {
		t.Fatalf("error count = %s", body)
	}
}

func TestModels_RequireAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without key", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "error.code").String() != "authentication_error" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestModels_WithValidKey(t *testing.T) {
	srv, st := newTestServer(t, nil)
	key, err := st.CreateAPIKey("test")
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if gjson.Get(body, "object").String() != "list" {
		t.Fatalf("object = %s", body)
	}
	var found bool
	for _, m := range gjson.Get(body, "data").Array() {
		if m.Get("id").String() == "gemini-3-pro" {
			found = true
		}
	}
	if !found {
		t.Fatalf("gemini-3-pro missing from model list: %s", body)
	}
}

func TestModels_XAPIKeyHeader(t *testing.T) {
	srv, st := newTestServer(t, nil)
	key, _ := st.CreateAPIKey("test")

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d with X-API-Key header", rec.Code)
	}
}

func TestDisabledKeyRejected(t *testing.T) {
	srv, st := newTestServer(t, nil)
	key, _ := st.CreateAPIKey("test")
	st.SetAPIKeyEnabled(key.ID, false)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for disabled key", rec.Code)
	}
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	srv, _ := newTestServer(t, nil) // no admin key configured

	req := httptest.NewRequest("GET", "/admin/accounts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, admin surface must be closed without a key", rec.Code)
	}

	// Even presenting a key fails when none is configured.
	req = httptest.NewRequest("GET", "/admin/accounts", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdmin_KeyManagement(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AdminKey = "admin-secret"
	srv, _ := newTestServer(t, cfg)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		req.Header.Set("Authorization", "Bearer admin-secret")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := do("POST", "/admin/keys", `{"name":"ci"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key status = %d, body = %s", rec.Code, rec.Body.String())
	}
	minted := gjson.Get(rec.Body.String(), "key").String()
	if !strings.HasPrefix(minted, "sk-") {
		t.Fatalf("minted key = %q", minted)
	}

	rec = do("GET", "/admin/keys", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list keys status = %d", rec.Code)
	}
	if len(gjson.Get(rec.Body.String(), "keys").Array()) != 1 {
		t.Fatalf("keys = %s", rec.Body.String())
	}

	rec = do("GET", "/admin/accounts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list accounts status = %d", rec.Code)
	}

	// Wrong admin key is rejected.
	req := httptest.NewRequest("GET", "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	bad := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bad, req)
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for wrong admin key", bad.Code)
	}
}

func TestAdmin_ModelMappings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AdminKey = "admin-secret"
	srv, st := newTestServer(t, cfg)

	req := httptest.NewRequest("PUT", "/admin/models/mappings", strings.NewReader(`{"alias":"gpt-4","target":"gemini-3-pro"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert mapping status = %d, body = %s", rec.Code, rec.Body.String())
	}

	mappings, err := st.ListModelMappings()
	if err != nil || len(mappings) != 1 || mappings[0].Target != "gemini-3-pro" {
		t.Fatalf("mapping not persisted: %v %+v", err, mappings)
	}
}

func TestAdmin_PoolAndStats(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AdminKey = "admin-secret"
	srv, _ := newTestServer(t, cfg)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer admin-secret")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := get("/admin/pool")
	if rec.Code != http.StatusOK {
		t.Fatalf("pool status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !gjson.Get(body, "locked").IsArray() || !gjson.Get(body, "cooldowns").IsArray() {
		t.Fatalf("pool body = %s", body)
	}
	if gjson.Get(body, "waiting").Int() != 0 {
		t.Fatalf("waiting = %s", body)
	}

	// No Redis configured: stats are disabled but the endpoint still answers.
	rec = get("/admin/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "enabled").Bool() {
		t.Fatalf("stats should be disabled without Redis: %s", rec.Body.String())
	}
}

func TestNoRoute(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/v1/models", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS headers missing on preflight")
	}
}
