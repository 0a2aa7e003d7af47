package store

import "time"

// Roles a tenant can hold.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type Tenant struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryTurn is one query/response exchange. ConversationID is empty for
// turns outside an explicit conversation.
type HistoryTurn struct {
	ID             string    `json:"id"` // UUID
	TenantID       int64     `json:"-"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	CreatedAt      time.Time `json:"created_at"`
}

// DocumentChunk is one retrievable passage. Collection scopes ownership:
// "shared" or a tenant's private collection.
type DocumentChunk struct {
	ID         int64     `json:"id"`
	Collection string    `json:"collection"`
	Document   string    `json:"document"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}
