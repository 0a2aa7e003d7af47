package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"ragline.dev/ragline/internal/backend"
	"ragline.dev/ragline/internal/ratelimit"
	"ragline.dev/ragline/internal/router"
	"ragline.dev/ragline/internal/store"
)

const systemInstruction = "You are a helpful assistant. Answer the question using ONLY the information in the context. " +
	"If the answer is not in the context, say \"I don't know from the provided documents.\" Be concise."

// QueryRequest is one authenticated retrieval-augmented query.
type QueryRequest struct {
	Tenant         *store.Tenant
	Query          string
	ConversationID string
	// TargetUser lets an admin query another tenant's documents. Empty
	// means the caller's own scope.
	TargetUser string
}

type QueryResponse struct {
	Answer         string    `json:"answer"`
	Model          string    `json:"model"`
	ConversationID string    `json:"conversation_id"`
	Passages       []Passage `json:"source_passages,omitempty"`
}

// QueryService runs the full request pipeline: admission, scoping,
// retrieval, routing/generation, and history update.
type QueryService struct {
	limiter   *ratelimit.Limiter
	tenants   *TenantService
	retriever *Retriever
	history   *HistoryStore
	router    *router.Router
}

func NewQueryService(limiter *ratelimit.Limiter, tenants *TenantService, retriever *Retriever, history *HistoryStore, rt *router.Router) *QueryService {
	return &QueryService{
		limiter:   limiter,
		tenants:   tenants,
		retriever: retriever,
		history:   history,
		router:    rt,
	}
}

// Ask serves one query. Admission rejection and routing failure are
// surfaced unchanged so the transport layer can map them to status codes.
func (s *QueryService) Ask(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	class := ratelimit.ClassUser
	if req.Tenant.Role == store.RoleAdmin {
		class = ratelimit.ClassAdmin
	}
	if err := s.limiter.Admit(req.Tenant.Username, class); err != nil {
		return nil, err
	}

	scope := s.tenants.ScopeFor(req.Tenant)
	if req.TargetUser != "" && req.TargetUser != req.Tenant.Username {
		var err error
		scope, err = s.tenants.ScopeForTarget(req.Tenant, req.TargetUser)
		if err != nil {
			return nil, err
		}
	}

	passages, err := s.retriever.Retrieve(ctx, scope, req.Query)
	if err != nil {
		// Retrieval failure degrades to an uncontextualized answer
		// rather than failing the request.
		log.Printf("Retrieval failed for tenant %s: %v. Proceeding without context.", req.Tenant.Username, err)
		passages = nil
	}

	turns, err := s.history.Recent(req.Tenant.ID, req.ConversationID, 0)
	if err != nil {
		log.Printf("Failed to load history for tenant %s: %v. Proceeding without history.", req.Tenant.Username, err)
		turns = nil
	}

	result, err := s.router.Execute(ctx, backend.Request{
		System: systemInstruction,
		Prompt: buildPrompt(passages, turns, req.Query),
	})
	if err != nil {
		return nil, err
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if err := s.history.Append(req.Tenant.ID, conversationID, req.Query, result.Text); err != nil {
		log.Printf("Failed to append history for tenant %s: %v", req.Tenant.Username, err)
	}

	return &QueryResponse{
		Answer:         result.Text,
		Model:          result.Model,
		ConversationID: conversationID,
		Passages:       passages,
	}, nil
}

// buildPrompt renders history, retrieved passages and the question into a
// single generation prompt.
func buildPrompt(passages []Passage, turns []store.HistoryTurn, query string) string {
	var b strings.Builder

	if len(turns) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Query, t.Response)
		}
		b.WriteString("\n")
	}

	b.WriteString("Context:\n")
	if len(passages) == 0 {
		b.WriteString("(no relevant documents found)\n")
	} else {
		for _, p := range passages {
			b.WriteString(p.Content)
			b.WriteString("\n\n")
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\nAnswer:", query)
	return b.String()
}
