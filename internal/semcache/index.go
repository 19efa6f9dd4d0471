package semcache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached response. Entries are never modified after Add.
type Entry struct {
	QueryText string            `json:"query_text"`
	Embedding []float32         `json:"embedding,omitempty"`
	Response  string            `json:"response"`
	Model     string            `json:"model"`
	Cost      float64           `json:"cost"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Match is the nearest stored entry and its similarity to the query vector.
type Match struct {
	Entry      Entry
	Similarity float64
}

// Index stores entries and answers nearest-neighbour queries by cosine similarity.
type Index interface {
	Add(ctx context.Context, e Entry) error
	Nearest(ctx context.Context, vec []float32) (Match, bool, error)
	Len(ctx context.Context) (int, error)
	// Trim drops the oldest entries until at most max remain and reports how many were dropped.
	Trim(ctx context.Context, max int) (int, error)
	Reset(ctx context.Context) error
}

// MemoryIndex is an in-process Index with exact linear search.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add appends e. Insertion order is eviction order.
func (m *MemoryIndex) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Nearest scans all entries for the highest cosine similarity.
func (m *MemoryIndex) Nearest(_ context.Context, vec []float32) (Match, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := Match{Similarity: -2}
	found := false
	for i := range m.entries {
		s := CosineSimilarity(vec, m.entries[i].Embedding)
		if s > best.Similarity {
			best = Match{Entry: m.entries[i], Similarity: s}
			found = true
		}
	}
	if !found {
		return Match{}, false, nil
	}
	return best, true, nil
}

// Len returns the number of stored entries.
func (m *MemoryIndex) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Trim drops the oldest entries beyond max.
func (m *MemoryIndex) Trim(_ context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	excess := len(m.entries) - max
	if excess <= 0 {
		return 0, nil
	}
	kept := make([]Entry, max)
	copy(kept, m.entries[excess:])
	m.entries = kept
	return excess, nil
}

// Reset removes every entry.
func (m *MemoryIndex) Reset(_ context.Context) error {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	return nil
}
