package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRetriever keeps the catalog in memory and ranks documents by keyword
// overlap. It is the default when no vector store is configured and the
// retriever used throughout the tests.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryRetriever returns an empty in-memory retriever.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{}
}

// Index replaces the current document set with the rendered catalog.
func (r *MemoryRetriever) Index(_ context.Context, protocols []Protocol) error {
	docs := make([]Document, 0, len(protocols))
	for _, p := range protocols {
		docs = append(docs, Document{
			ProtocolID: p.ID,
			Title:      p.Name,
			Content:    p.Render(),
		})
	}
	r.mu.Lock()
	r.docs = docs
	r.mu.Unlock()
	return nil
}

// Search scores every document against the query terms and returns the best
// matches. Documents that share no term with the query are dropped.
func (r *MemoryRetriever) Search(_ context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 4
	}
	terms := tokenize(query)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(terms) == 0 {
		// No usable terms: hand back the head of the catalog so the agent
		// still has context to work with.
		n := limit
		if n > len(r.docs) {
			n = len(r.docs)
		}
		return append([]Document(nil), r.docs[:n]...), nil
	}

	scored := make([]Document, 0, len(r.docs))
	for _, doc := range r.docs {
		haystack := strings.ToLower(doc.Title + " " + doc.Content)
		score := 0.0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		doc.Score = score / float64(len(terms))
		scored = append(scored, doc)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		term := strings.Trim(field, ".,;:!?\"'()")
		if len(term) < 3 {
			continue
		}
		terms = append(terms, term)
	}
	return terms
}

var _ Retriever = (*MemoryRetriever)(nil)
