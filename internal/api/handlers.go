package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ragline.dev/ragline/internal/auth"
	"ragline.dev/ragline/internal/backend"
	"ragline.dev/ragline/internal/core"
	"ragline.dev/ragline/internal/loadmon"
	"ragline.dev/ragline/internal/ratelimit"
	"ragline.dev/ragline/internal/router"
	"ragline.dev/ragline/internal/store"
)

type APIHandler struct {
	queryService *core.QueryService
	tenants      *core.TenantService
	history      *core.HistoryStore
	retriever    *core.Retriever
	limiter      *ratelimit.Limiter
	router       *router.Router
	pool         *backend.Pool
	monitor      *loadmon.Monitor
}

func NewAPIHandler(qs *core.QueryService, ts *core.TenantService, hs *core.HistoryStore, rv *core.Retriever, limiter *ratelimit.Limiter, rt *router.Router, pool *backend.Pool, monitor *loadmon.Monitor) *APIHandler {
	return &APIHandler{
		queryService: qs,
		tenants:      ts,
		history:      hs,
		retriever:    rv,
		limiter:      limiter,
		router:       rt,
		pool:         pool,
		monitor:      monitor,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		username, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		tenant, err := h.tenants.GetByUsername(username)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", username, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if tenant == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "tenant", tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Context().Value("tenant").(*store.Tenant)
		if tenant.Role != store.RoleAdmin {
			http.Error(w, "Admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":       "ok",
		"router_state": h.router.State().String(),
	})
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	if _, err := h.tenants.Authenticate(req.Username, req.Password); err != nil {
		if !errors.Is(err, core.ErrInvalidCredentials) {
			log.Printf("Error authenticating user %s: %v", req.Username, err)
		}
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(req.Username)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", req.Username, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

type QueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	TargetUser     string `json:"target_user,omitempty"`
}

func (h *APIHandler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	tenant := r.Context().Value("tenant").(*store.Tenant)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "Query cannot be empty", http.StatusBadRequest)
		return
	}

	resp, err := h.queryService.Ask(r.Context(), core.QueryRequest{
		Tenant:         tenant,
		Query:          req.Query,
		ConversationID: req.ConversationID,
		TargetUser:     req.TargetUser,
	})
	if err != nil {
		h.writeQueryError(w, tenant, err)
		return
	}

	json.NewEncoder(w).Encode(resp)
}

// writeQueryError maps pipeline failures to status codes. Rate limiting and
// exhausted backends are retryable; the response says so.
func (h *APIHandler) writeQueryError(w http.ResponseWriter, tenant *store.Tenant, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		w.Header().Set("Retry-After", "12")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, router.ErrNoBackendAvailable):
		w.Header().Set("Retry-After", "30")
		http.Error(w, "All backends are currently unavailable, retry later", http.StatusServiceUnavailable)
	case errors.Is(err, core.ErrNotAuthorized):
		http.Error(w, "Not authorized for that scope", http.StatusForbidden)
	case errors.Is(err, core.ErrTenantNotFound):
		http.Error(w, "Target user not found", http.StatusNotFound)
	default:
		var ce *backend.CallError
		if errors.As(err, &ce) {
			log.Printf("Backend failure serving tenant %s: %v", tenant.Username, err)
			http.Error(w, "Inference backend failed", http.StatusBadGateway)
			return
		}
		log.Printf("Error serving query for tenant %s: %v", tenant.Username, err)
		http.Error(w, "Failed to process query", http.StatusInternalServerError)
	}
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	tenant := r.Context().Value("tenant").(*store.Tenant)

	turns, err := h.history.Recent(tenant.ID, r.URL.Query().Get("conversation_id"), 0)
	if err != nil {
		log.Printf("Error loading history for tenant %s: %v", tenant.Username, err)
		http.Error(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if turns == nil {
		turns = []store.HistoryTurn{}
	}
	json.NewEncoder(w).Encode(turns)
}

type AddUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (h *APIHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	actor := r.Context().Value("tenant").(*store.Tenant)

	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	tenant, err := h.tenants.AddUser(actor, req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, core.ErrTenantExists) {
			http.Error(w, "User already exists", http.StatusConflict)
			return
		}
		log.Printf("Error creating user %s: %v", req.Username, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tenant)
}

func (h *APIHandler) RemoveUserHandler(w http.ResponseWriter, r *http.Request) {
	actor := r.Context().Value("tenant").(*store.Tenant)
	username := chi.URLParam(r, "username")

	if err := h.tenants.RemoveUser(actor, username); err != nil {
		if errors.Is(err, core.ErrTenantNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		log.Printf("Error removing user %s: %v", username, err)
		http.Error(w, "Failed to remove user", http.StatusInternalServerError)
		return
	}

	// Drop the removed tenant's rate-limit bucket along with its data.
	h.limiter.Forget(username)
	w.WriteHeader(http.StatusNoContent)
}

type UploadDocumentRequest struct {
	Document string `json:"document"`
	Content  string `json:"content"`
	// TargetUser scopes the document to that user's private collection.
	// Empty means the shared collection.
	TargetUser string `json:"target_user,omitempty"`
}

func (h *APIHandler) UploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req UploadDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Document == "" || req.Content == "" {
		http.Error(w, "Document name and content are required", http.StatusBadRequest)
		return
	}

	collection, err := h.resolveCollection(req.TargetUser)
	if err != nil {
		http.Error(w, "Target user not found", http.StatusNotFound)
		return
	}

	count, err := h.retriever.Ingest(r.Context(), collection, req.Document, req.Content)
	if err != nil {
		log.Printf("Error ingesting document %s: %v", req.Document, err)
		http.Error(w, "Failed to ingest document", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"document":   req.Document,
		"collection": collection,
		"chunks":     count,
	})
}

func (h *APIHandler) RemoveDocumentHandler(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")

	collection, err := h.resolveCollection(r.URL.Query().Get("target_user"))
	if err != nil {
		http.Error(w, "Target user not found", http.StatusNotFound)
		return
	}

	if err := h.retriever.RemoveDocument(collection, document); err != nil {
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) resolveCollection(targetUser string) (string, error) {
	if targetUser == "" {
		return core.SharedCollection, nil
	}
	tenant, err := h.tenants.GetByUsername(targetUser)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		return "", core.ErrTenantNotFound
	}
	return core.PrivateCollection(tenant.ID), nil
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	snap := h.monitor.Snapshot()
	json.NewEncoder(w).Encode(map[string]any{
		"router_state":   h.router.State().String(),
		"rpm":            snap.RPM,
		"success_rate":   snap.SuccessRate,
		"avg_latency_ms": snap.AvgLatency.Milliseconds(),
		"samples":        snap.Samples,
		"backends":       h.pool.Statuses(),
	})
}
