package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"ragline.dev/ragline/internal/store"
	"ragline.dev/ragline/internal/utils"
)

const (
	numRelevantPassages = 3   // passages pulled into the generation context
	similarityThreshold = 0.5 // minimum cosine similarity to count as relevant
)

// Embedder turns text into a vector. The Gemini and OpenAI adapters both
// satisfy it; which one is wired depends on the configured keys.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Passage is one retrieved context snippet with its relevance score.
type Passage struct {
	Content    string  `json:"content"`
	Document   string  `json:"document"`
	Collection string  `json:"collection"`
	Similarity float32 `json:"similarity"`
}

// Retriever ranks stored chunks against a query by embedding similarity.
// Every retrieval call takes a Scope, so results are structurally limited to
// the collections the scope names.
type Retriever struct {
	db       *store.SQLiteStore
	embedder Embedder
}

func NewRetriever(db *store.SQLiteStore, embedder Embedder) *Retriever {
	return &Retriever{db: db, embedder: embedder}
}

// Retrieve returns the most relevant passages within the scope, best first.
func (r *Retriever) Retrieve(ctx context.Context, scope Scope, query string) ([]Passage, error) {
	chunks, err := r.db.GetChunksByCollections(scope.Collections())
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks for scope: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	scored := make([]Passage, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		similarity, err := utils.CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			log.Printf("Error scoring chunk %d: %v. Skipping.", chunk.ID, err)
			continue
		}
		if similarity >= similarityThreshold {
			scored = append(scored, Passage{
				Content:    chunk.Content,
				Document:   chunk.Document,
				Collection: chunk.Collection,
				Similarity: similarity,
			})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if len(scored) > numRelevantPassages {
		scored = scored[:numRelevantPassages]
	}
	return scored, nil
}

// Ingest splits already-extracted document text into paragraph chunks,
// embeds each, and stores them under the collection. PDF extraction happens
// upstream; this takes plain text.
func (r *Retriever) Ingest(ctx context.Context, collection, document, content string) (int, error) {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return 0, fmt.Errorf("document contains no text")
	}

	count := 0
	for i, paragraph := range paragraphs {
		embedding, err := r.embedder.Embed(ctx, paragraph)
		if err != nil {
			log.Printf("Failed to embed chunk %d of %s: %v. Skipping.", i+1, document, err)
			continue
		}
		chunk := store.DocumentChunk{
			Collection: collection,
			Document:   document,
			Content:    paragraph,
			Embedding:  embedding,
		}
		if err := r.db.CreateChunk(&chunk); err != nil {
			log.Printf("Failed to store chunk %d of %s: %v. Skipping.", i+1, document, err)
			continue
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("no chunks could be ingested for %s", document)
	}
	log.Printf("Ingested %d chunks for document %s into collection %s", count, document, collection)
	return count, nil
}

// RemoveDocument drops every chunk of the document from the collection.
func (r *Retriever) RemoveDocument(collection, document string) error {
	return r.db.DeleteDocument(collection, document)
}

// ListDocuments names the documents stored in a collection.
func (r *Retriever) ListDocuments(collection string) ([]string, error) {
	return r.db.ListDocuments(collection)
}

func splitParagraphs(content string) []string {
	var out []string
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			out = append(out, block)
		}
	}
	return out
}
