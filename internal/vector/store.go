// Package vector holds the article-embedding store used by cluster
// assignment. The backend is pluggable; the in-memory implementation is the
// default and serves tests and single-node runs.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Record ties an article embedding to its assigned cluster.
type Record struct {
	ArticleID string
	ClusterID string
	Category  string
	Embedding []float64
}

// Match is a search hit with a cosine similarity in [0,1].
type Match struct {
	Record
	Score float64
}

// Store is the vector-store collaborator interface.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// Search returns up to topK records most similar to the embedding,
	// highest score first. A non-empty category scopes the search.
	Search(ctx context.Context, embedding []float64, category string, topK int) ([]Match, error)
	// ReassignCluster moves every record from one cluster to another.
	// Used when clusters merge.
	ReassignCluster(ctx context.Context, fromCluster, toCluster string) error
	Delete(ctx context.Context, articleID string) error
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ArticleID] = rec
	return nil
}

func (s *MemoryStore) Search(_ context.Context, embedding []float64, category string, topK int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.records))
	for _, rec := range s.records {
		if category != "" && rec.Category != category {
			continue
		}
		score := CosineSimilarity(embedding, rec.Embedding)
		matches = append(matches, Match{Record: rec, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *MemoryStore) ReassignCluster(_ context.Context, fromCluster, toCluster string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.ClusterID == fromCluster {
			rec.ClusterID = toCluster
			s.records[id] = rec
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, articleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, articleID)
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CosineSimilarity returns the cosine of the angle between a and b mapped
// linearly onto [0,1]. Mismatched lengths are zero-padded; a zero vector
// scores 0.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}
