package core

import (
	"ragline.dev/ragline/internal/store"
)

// HistoryStore is the bounded per-tenant conversational memory. The FIFO
// bound is enforced at append time; history never influences routing.
type HistoryStore struct {
	db    *store.SQLiteStore
	limit int
}

func NewHistoryStore(db *store.SQLiteStore, limit int) *HistoryStore {
	if limit < 1 {
		limit = 10
	}
	return &HistoryStore{db: db, limit: limit}
}

func (h *HistoryStore) Limit() int { return h.limit }

// Append stores one exchange, evicting the tenant's oldest turns beyond the
// bound.
func (h *HistoryStore) Append(tenantID int64, conversationID, query, response string) error {
	return h.db.AppendTurn(&store.HistoryTurn{
		TenantID:       tenantID,
		ConversationID: conversationID,
		Query:          query,
		Response:       response,
	}, h.limit)
}

// Recent returns up to n turns in chronological order, most recent last.
func (h *HistoryStore) Recent(tenantID int64, conversationID string, n int) ([]store.HistoryTurn, error) {
	if n <= 0 || n > h.limit {
		n = h.limit
	}
	return h.db.RecentTurns(tenantID, conversationID, n)
}
