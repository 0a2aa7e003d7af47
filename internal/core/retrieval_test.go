package core

import (
	"context"
	"testing"

	"ragline.dev/ragline/internal/store"
)

// fakeEmbedder maps known phrases to fixed vectors so similarity scores are
// deterministic. Unknown text lands on an orthogonal axis.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	for phrase, v := range f.vectors {
		if text == phrase {
			return v, nil
		}
	}
	return []float32{0, 0, 0, 1}, nil
}

func TestRetrieveRanksAndFilters(t *testing.T) {
	db := newTestDB(t)
	ts, _ := NewTenantService(db)
	admin, _ := ts.GetByUsername("admin")

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"expense policy?":               {1, 0, 0, 0},
		"Expenses are filed monthly.":   {0.9, 0.1, 0, 0},
		"Expenses need a receipt.":      {0.8, 0.2, 0, 0},
		"The office dog is named Rex.":  {0, 1, 0, 0},
		"Printers live on floor three.": {0, 0, 1, 0},
	}}
	r := NewRetriever(db, emb)

	for _, content := range []string{
		"Expenses are filed monthly.",
		"Expenses need a receipt.",
		"The office dog is named Rex.",
		"Printers live on floor three.",
	} {
		if _, err := r.Ingest(context.Background(), SharedCollection, "handbook.txt", content); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
	}

	passages, err := r.Retrieve(context.Background(), ts.ScopeFor(admin), "expense policy?")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("len(passages) = %d, want 2 (orthogonal chunks filtered out)", len(passages))
	}
	if passages[0].Content != "Expenses are filed monthly." {
		t.Errorf("best passage = %q, want the closest chunk first", passages[0].Content)
	}
	if passages[0].Similarity < passages[1].Similarity {
		t.Error("passages not sorted by similarity")
	}
}

func TestRetrieveIsScopedToTenantCollections(t *testing.T) {
	db := newTestDB(t)
	ts, _ := NewTenantService(db)
	admin, _ := ts.GetByUsername("admin")
	alice, _ := ts.AddUser(admin, "alice", "pw", store.RoleUser)
	bob, _ := ts.AddUser(admin, "bob", "pw", store.RoleUser)

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"what is the plan?":      {1, 0, 0, 0},
		"Alice's secret plan.":   {1, 0, 0, 0},
		"Bob's private roadmap.": {0.9, 0.1, 0, 0},
		"Shared company plan.":   {0.8, 0.2, 0, 0},
	}}
	r := NewRetriever(db, emb)

	r.Ingest(context.Background(), PrivateCollection(alice.ID), "alice.txt", "Alice's secret plan.")
	r.Ingest(context.Background(), PrivateCollection(bob.ID), "bob.txt", "Bob's private roadmap.")
	r.Ingest(context.Background(), SharedCollection, "company.txt", "Shared company plan.")

	passages, err := r.Retrieve(context.Background(), ts.ScopeFor(alice), "what is the plan?")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	for _, p := range passages {
		if p.Collection == PrivateCollection(bob.ID) {
			t.Fatalf("alice retrieved bob's private passage: %+v", p)
		}
	}

	var sawOwn, sawShared bool
	for _, p := range passages {
		switch p.Collection {
		case PrivateCollection(alice.ID):
			sawOwn = true
		case SharedCollection:
			sawShared = true
		}
	}
	if !sawOwn || !sawShared {
		t.Errorf("alice's scope should cover her private and the shared collection, got %+v", passages)
	}
}

func TestRetrieveEmptyScopeReturnsNothing(t *testing.T) {
	db := newTestDB(t)
	ts, _ := NewTenantService(db)
	admin, _ := ts.GetByUsername("admin")

	r := NewRetriever(db, &fakeEmbedder{})
	passages, err := r.Retrieve(context.Background(), ts.ScopeFor(admin), "anything")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(passages) != 0 {
		t.Errorf("Retrieve() on empty store = %v, want none", passages)
	}
}

func TestIngestSplitsParagraphs(t *testing.T) {
	db := newTestDB(t)
	r := NewRetriever(db, &fakeEmbedder{})

	content := "First paragraph.\n\nSecond paragraph.\n\n\n\n  \n\nThird."
	n, err := r.Ingest(context.Background(), SharedCollection, "doc.txt", content)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Ingest() = %d chunks, want 3", n)
	}

	if _, err := r.Ingest(context.Background(), SharedCollection, "empty.txt", "  \n\n "); err == nil {
		t.Error("Ingest of empty document should fail")
	}
}

func TestRemoveDocumentAndListByCollection(t *testing.T) {
	db := newTestDB(t)
	r := NewRetriever(db, &fakeEmbedder{})

	r.Ingest(context.Background(), SharedCollection, "a.txt", "Alpha.")
	r.Ingest(context.Background(), SharedCollection, "b.txt", "Beta.")

	docs, err := r.ListDocuments(SharedCollection)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("ListDocuments() = %v, want 2 documents", docs)
	}

	if err := r.RemoveDocument(SharedCollection, "a.txt"); err != nil {
		t.Fatalf("RemoveDocument() error = %v", err)
	}
	docs, _ = r.ListDocuments(SharedCollection)
	if len(docs) != 1 || docs[0] != "b.txt" {
		t.Errorf("ListDocuments() after remove = %v, want [b.txt]", docs)
	}
}
