package vector

import (
	"context"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 1.0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, 0.0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0.5},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0.0},
		{"padded lengths", []float64{1, 0, 0}, []float64{1}, 1.0},
	}
	for _, tc := range cases {
		got := CosineSimilarity(tc.a, tc.b)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: similarity = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemoryStoreSearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, Record{ArticleID: "a1", ClusterID: "c1", Category: "STOCKS", Embedding: []float64{1, 0}})
	s.Upsert(ctx, Record{ArticleID: "a2", ClusterID: "c2", Category: "STOCKS", Embedding: []float64{0, 1}})
	s.Upsert(ctx, Record{ArticleID: "a3", ClusterID: "c3", Category: "CRYPTO", Embedding: []float64{1, 0}})

	matches, err := s.Search(ctx, []float64{1, 0}, "STOCKS", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 in-category matches, got %d", len(matches))
	}
	if matches[0].ArticleID != "a1" {
		t.Errorf("best match = %s, want a1", matches[0].ArticleID)
	}

	matches, _ = s.Search(ctx, []float64{1, 0}, "", 1)
	if len(matches) != 1 {
		t.Errorf("topK not applied: got %d", len(matches))
	}
}

func TestMemoryStoreReassignCluster(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, Record{ArticleID: "a1", ClusterID: "old", Embedding: []float64{1}})
	s.Upsert(ctx, Record{ArticleID: "a2", ClusterID: "old", Embedding: []float64{1}})
	s.Upsert(ctx, Record{ArticleID: "a3", ClusterID: "other", Embedding: []float64{1}})

	if err := s.ReassignCluster(ctx, "old", "new"); err != nil {
		t.Fatal(err)
	}
	matches, _ := s.Search(ctx, []float64{1}, "", 0)
	for _, m := range matches {
		if m.ArticleID != "a3" && m.ClusterID != "new" {
			t.Errorf("record %s still on cluster %s", m.ArticleID, m.ClusterID)
		}
	}
}

func TestMemoryStoreUpsertReplacesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Upsert(ctx, Record{ArticleID: "a1", ClusterID: "c1", Embedding: []float64{1}})
	s.Upsert(ctx, Record{ArticleID: "a1", ClusterID: "c2", Embedding: []float64{1}})
	if s.Len() != 1 {
		t.Fatalf("upsert duplicated record: len = %d", s.Len())
	}
	s.Delete(ctx, "a1")
	if s.Len() != 0 {
		t.Errorf("delete left %d records", s.Len())
	}
}
