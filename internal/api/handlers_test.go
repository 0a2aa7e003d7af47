package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ragline.dev/ragline/internal/backend"
	"ragline.dev/ragline/internal/config"
	"ragline.dev/ragline/internal/core"
	"ragline.dev/ragline/internal/loadmon"
	"ragline.dev/ragline/internal/ratelimit"
	"ragline.dev/ragline/internal/router"
	"ragline.dev/ragline/internal/store"
)

type stubBackend struct {
	mu  sync.Mutex
	err error
}

func (s *stubBackend) Kind() backend.Kind { return backend.KindLocal }

func (s *stubBackend) Name() string { return "local/test" }

func (s *stubBackend) CostHint() float64 { return 0 }

func (s *stubBackend) HealthCheck(ctx context.Context) error { return nil }

func (s *stubBackend) Generate(ctx context.Context, req backend.Request) (backend.Result, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Text: "stub answer", Model: "local/test"}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type testServer struct {
	handler http.Handler
	backend *stubBackend
}

// newTestServer wires the full stack against a temporary database. The
// limiter shape is per-test so rate-limit behavior can be exercised.
func newTestServer(t *testing.T, userLimit, adminLimit ratelimit.ClassConfig, withBackend bool) *testServer {
	t.Helper()
	config.AppConfig.JWTSecret = "test-secret"

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tenants, err := core.NewTenantService(db)
	if err != nil {
		t.Fatalf("NewTenantService() error = %v", err)
	}

	sb := &stubBackend{}
	mon := loadmon.NewMonitor(time.Minute)
	pool := backend.NewPool(mon)
	if withBackend {
		pool.Add(sb, 4, time.Second, time.Hour)
	}
	rt := router.New(router.Config{LowRPM: 10, HighRPM: 50, HysteresisMargin: 2, SustainTicks: 2}, pool, mon)

	limiter := ratelimit.NewLimiter(userLimit, adminLimit)
	retriever := core.NewRetriever(db, stubEmbedder{})
	history := core.NewHistoryStore(db, 10)
	qs := core.NewQueryService(limiter, tenants, retriever, history, rt)

	h := NewAPIHandler(qs, tenants, history, retriever, limiter, rt, pool, mon)
	return &testServer{handler: NewRouter(h), backend: sb}
}

func defaultLimits() (ratelimit.ClassConfig, ratelimit.ClassConfig) {
	return ratelimit.ClassConfig{Capacity: 5, RefillPerMinute: 5},
		ratelimit.ClassConfig{Capacity: 20, RefillPerMinute: 20}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status %d, body %s", username, w.Code, w.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	return resp["token"]
}

func TestHealthEndpointIsPublic(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)

	w := s.do(t, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" || body["router_state"] != "local_preferred" {
		t.Errorf("body = %v", body)
	}
}

func TestLogin(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)

	token := s.login(t, "admin", "admin")
	if token == "" {
		t.Fatal("login returned an empty token")
	}

	w := s.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "admin", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want 401", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": "admin"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing password: status = %d, want 400", w.Code)
	}
}

func TestQueryRequiresAuth(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)

	w := s.do(t, http.MethodPost, "/api/query", "", map[string]string{"query": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/query", "not-a-jwt", map[string]string{"query": "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", w.Code)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	token := s.login(t, "admin", "admin")

	w := s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "what is up?"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp core.QueryResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Answer != "stub answer" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.ConversationID == "" {
		t.Error("response is missing a conversation id")
	}

	// The exchange shows up in history.
	w = s.do(t, http.MethodGet, "/api/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var turns []store.HistoryTurn
	json.NewDecoder(w.Body).Decode(&turns)
	if len(turns) != 1 || turns[0].Query != "what is up?" {
		t.Errorf("history = %+v", turns)
	}

	// Empty queries are rejected up front.
	w = s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: status = %d, want 400", w.Code)
	}
}

func TestQueryRateLimitResponse(t *testing.T) {
	user, _ := defaultLimits()
	s := newTestServer(t, user, ratelimit.ClassConfig{Capacity: 1, RefillPerMinute: 1}, true)
	token := s.login(t, "admin", "admin")

	if w := s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "one"}); w.Code != http.StatusOK {
		t.Fatalf("first query: status = %d", w.Code)
	}
	w := s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "two"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response is missing Retry-After")
	}
}

func TestQueryNoBackendAvailable(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, false)
	token := s.login(t, "admin", "admin")

	w := s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "hi"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("503 response is missing Retry-After")
	}
}

func TestQueryBackendFailure(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	token := s.login(t, "admin", "admin")
	s.backend.err = errors.New("engine crashed")

	w := s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "hi"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	adminToken := s.login(t, "admin", "admin")

	w := s.do(t, http.MethodPost, "/api/admin/users", adminToken, map[string]string{
		"username": "alice", "password": "pw",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("AddUser: status = %d, body %s", w.Code, w.Body.String())
	}

	aliceToken := s.login(t, "alice", "pw")
	w = s.do(t, http.MethodPost, "/api/admin/users", aliceToken, map[string]string{
		"username": "mallory", "password": "pw",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin AddUser: status = %d, want 403", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/admin/stats", aliceToken, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin stats: status = %d, want 403", w.Code)
	}
}

func TestUserLifecycleOverHTTP(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	token := s.login(t, "admin", "admin")

	w := s.do(t, http.MethodPost, "/api/admin/users", token, map[string]string{"username": "alice", "password": "pw"})
	if w.Code != http.StatusCreated {
		t.Fatalf("AddUser: status = %d", w.Code)
	}
	var created store.Tenant
	json.NewDecoder(w.Body).Decode(&created)
	if created.Username != "alice" || created.Role != store.RoleUser {
		t.Errorf("created = %+v", created)
	}

	w = s.do(t, http.MethodPost, "/api/admin/users", token, map[string]string{"username": "alice", "password": "pw"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate AddUser: status = %d, want 409", w.Code)
	}

	w = s.do(t, http.MethodDelete, "/api/admin/users/alice", token, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("RemoveUser: status = %d, want 204", w.Code)
	}
	w = s.do(t, http.MethodDelete, "/api/admin/users/alice", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("RemoveUser(missing): status = %d, want 404", w.Code)
	}

	// The removed user's token no longer resolves to a tenant.
	if w := s.do(t, http.MethodPost, "/api/query", s.loginOr(t, "alice", "pw"), map[string]string{"query": "hi"}); w.Code != http.StatusUnauthorized {
		t.Errorf("removed user query: status = %d, want 401", w.Code)
	}
}

// loginOr returns an empty token when the credential no longer works.
func (s *testServer) loginOr(t *testing.T, username, password string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/login", "", map[string]string{"username": username, "password": password})
	if w.Code != http.StatusOK {
		return ""
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	return resp["token"]
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	token := s.login(t, "admin", "admin")

	w := s.do(t, http.MethodPost, "/api/admin/documents", token, map[string]string{
		"document": "handbook.txt",
		"content":  "First paragraph.\n\nSecond paragraph.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: status = %d, body %s", w.Code, w.Body.String())
	}
	var uploaded map[string]any
	json.NewDecoder(w.Body).Decode(&uploaded)
	if uploaded["collection"] != core.SharedCollection || uploaded["chunks"].(float64) != 2 {
		t.Errorf("upload response = %v", uploaded)
	}

	w = s.do(t, http.MethodDelete, "/api/admin/documents/handbook.txt", token, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("remove: status = %d, want 204", w.Code)
	}
	w = s.do(t, http.MethodDelete, "/api/admin/documents/handbook.txt", token, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("remove(missing): status = %d, want 404", w.Code)
	}

	// Uploads for an unknown target user are rejected.
	w = s.do(t, http.MethodPost, "/api/admin/documents", token, map[string]string{
		"document":    "x.txt",
		"content":     "text",
		"target_user": "ghost",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("upload for missing user: status = %d, want 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	user, admin := defaultLimits()
	s := newTestServer(t, user, admin, true)
	token := s.login(t, "admin", "admin")

	s.do(t, http.MethodPost, "/api/query", token, map[string]string{"query": "hi"})

	w := s.do(t, http.MethodGet, "/api/admin/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats map[string]any
	json.NewDecoder(w.Body).Decode(&stats)
	if stats["router_state"] != "local_preferred" {
		t.Errorf("router_state = %v", stats["router_state"])
	}
	if stats["samples"].(float64) < 1 {
		t.Errorf("samples = %v, want at least one recorded call", stats["samples"])
	}
	backends, ok := stats["backends"].([]any)
	if !ok || len(backends) != 1 {
		t.Errorf("backends = %v, want one entry", stats["backends"])
	}
}
