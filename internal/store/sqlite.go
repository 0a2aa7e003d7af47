package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS tenants (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        username TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'user')),
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS history_turns (
        id TEXT PRIMARY KEY, -- UUID
        tenant_id INTEGER NOT NULL,
        conversation_id TEXT NOT NULL DEFAULT '',
        query TEXT NOT NULL,
        response TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (tenant_id) REFERENCES tenants (id)
    );

    CREATE INDEX IF NOT EXISTS idx_history_tenant ON history_turns (tenant_id, created_at);

    CREATE TABLE IF NOT EXISTS document_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        collection TEXT NOT NULL,
        document TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON string of []float32
    );

    CREATE INDEX IF NOT EXISTS idx_chunks_collection ON document_chunks (collection);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Tenant methods

func (s *SQLiteStore) GetTenantByUsername(username string) (*Tenant, error) {
	var t Tenant
	err := s.db.QueryRow("SELECT id, username, password_hash, role, created_at FROM tenants WHERE username = ?", username).
		Scan(&t.ID, &t.Username, &t.PasswordHash, &t.Role, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Tenant not found
		}
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) CreateTenant(username, passwordHash, role string) (*Tenant, error) {
	res, err := s.db.Exec("INSERT INTO tenants (username, password_hash, role) VALUES (?, ?, ?)", username, passwordHash, role)
	if err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}
	id, _ := res.LastInsertId()
	var t Tenant
	err = s.db.QueryRow("SELECT id, username, password_hash, role, created_at FROM tenants WHERE id = ?", id).
		Scan(&t.ID, &t.Username, &t.PasswordHash, &t.Role, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant by id: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) CountTenants() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tenants").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return n, nil
}

// DeleteTenant removes the tenant row together with everything the tenant
// owns: its history turns and its private document collection.
func (s *SQLiteStore) DeleteTenant(id int64, privateCollection string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin tenant delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM tenants WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant not found")
	}

	if _, err := tx.Exec("DELETE FROM history_turns WHERE tenant_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete tenant history: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM document_chunks WHERE collection = ?", privateCollection); err != nil {
		return fmt.Errorf("failed to delete tenant documents: %w", err)
	}

	return tx.Commit()
}

// History methods

// AppendTurn stores one exchange and prunes the tenant's oldest turns so at
// most `limit` remain. The bound is enforced here, at append time.
func (s *SQLiteStore) AppendTurn(turn *HistoryTurn, limit int) error {
	turn.ID = uuid.NewString()
	turn.CreatedAt = time.Now()

	stmt, err := s.db.Prepare("INSERT INTO history_turns (id, tenant_id, conversation_id, query, response, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare turn insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(turn.ID, turn.TenantID, turn.ConversationID, turn.Query, turn.Response, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute turn insert: %w", err)
	}

	if limit > 0 {
		_, err = s.db.Exec(`
            DELETE FROM history_turns
            WHERE tenant_id = ? AND id NOT IN (
                SELECT id FROM history_turns
                WHERE tenant_id = ?
                ORDER BY created_at DESC, rowid DESC
                LIMIT ?
            )`, turn.TenantID, turn.TenantID, limit)
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}
	return nil
}

// RecentTurns returns up to n turns, most recent last. A non-empty
// conversationID narrows the result to that conversation.
func (s *SQLiteStore) RecentTurns(tenantID int64, conversationID string, n int) ([]HistoryTurn, error) {
	query := `
        SELECT id, tenant_id, conversation_id, query, response, created_at
        FROM history_turns
        WHERE tenant_id = ?`
	args := []any{tenantID}
	if conversationID != "" {
		query += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var turns []HistoryTurn
	for rows.Next() {
		var t HistoryTurn
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ConversationID, &t.Query, &t.Response, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		turns = append(turns, t)
	}

	// Reverse into chronological order, most recent last.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// DocumentChunk methods

func (s *SQLiteStore) CreateChunk(chunk *DocumentChunk) error {
	embeddingBytes, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	stmt, err := s.db.Prepare("INSERT INTO document_chunks (collection, document, content, embedding_json) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.Exec(chunk.Collection, chunk.Document, chunk.Content, string(embeddingBytes))
	if err != nil {
		return fmt.Errorf("failed to execute chunk insert: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()
	return nil
}

// GetChunksByCollections loads every chunk in the given collections.
func (s *SQLiteStore) GetChunksByCollections(collections []string) ([]DocumentChunk, error) {
	if len(collections) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(collections))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(collections))
	for i, c := range collections {
		args[i] = c
	}

	rows, err := s.db.Query("SELECT id, collection, document, content, embedding_json FROM document_chunks WHERE collection IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DocumentChunk
	for rows.Next() {
		var chunk DocumentChunk
		var embeddingJSON string
		if err := rows.Scan(&chunk.ID, &chunk.Collection, &chunk.Document, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &chunk.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding for chunk %d: %v. Embedding will be empty.", chunk.ID, err)
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (s *SQLiteStore) DeleteDocument(collection, document string) error {
	res, err := s.db.Exec("DELETE FROM document_chunks WHERE collection = ? AND document = ?", collection, document)
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("document not found")
	}
	return nil
}

func (s *SQLiteStore) ListDocuments(collection string) ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT document FROM document_chunks WHERE collection = ? ORDER BY document", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}
