package similarity

import (
	"context"
	"math"
	"testing"

	"polyflux/internal/llm"
	"polyflux/internal/news/model"
)

type fakeLLM struct {
	answer string
	embeds int
}

func (f *fakeLLM) Available() bool { return true }

func (f *fakeLLM) Complete(context.Context, string) (string, error) {
	return f.answer, nil
}

func (f *fakeLLM) Embed(context.Context, string) ([]float64, error) {
	f.embeds++
	return []float64{1, 0, 0}, nil
}

func ent(kind model.EntityType, name string, conf float64) model.ExtractedEntity {
	return model.ExtractedEntity{Name: name, Normalized: name, Type: kind, Confidence: conf}
}

func TestEntitySimilarityWeighted(t *testing.T) {
	a := []model.ExtractedEntity{ent(model.EntityToken, "bitcoin", 0.9)}
	b := []model.ExtractedEntity{ent(model.EntityToken, "bitcoin", 0.8)}
	// sum = 1.0·0.8, totalWeight = 1.0, balance = 0.7 + 0.3·1/1 = 1.0
	got := entitySimilarity(a, b)
	if math.Abs(got-0.8) > 1e-9 {
		t.Errorf("entitySimilarity = %v, want 0.8", got)
	}
}

func TestEntitySimilaritySizeImbalance(t *testing.T) {
	a := []model.ExtractedEntity{ent(model.EntityToken, "bitcoin", 1.0)}
	b := []model.ExtractedEntity{
		ent(model.EntityToken, "bitcoin", 1.0),
		ent(model.EntityOrganization, "coinbase", 1.0),
		ent(model.EntityPerson, "powell", 1.0),
		ent(model.EntityCountry, "japan", 1.0),
	}
	// full overlap for A but balance = 0.7 + 0.3·(1/4)
	want := 0.7 + 0.3*0.25
	if got := entitySimilarity(a, b); math.Abs(got-want) > 1e-9 {
		t.Errorf("entitySimilarity = %v, want %v", got, want)
	}
}

func TestEntitySimilarityEmptySets(t *testing.T) {
	if got := entitySimilarity(nil, []model.ExtractedEntity{ent(model.EntityToken, "x", 1)}); got != 0 {
		t.Errorf("empty set similarity = %v", got)
	}
}

func TestTokenJaccard(t *testing.T) {
	if got := tokenJaccard("fed raises rates", "fed cuts rates"); math.Abs(got-0.5) > 1e-9 {
		// {fed, raises, rates} ∩ {fed, cuts, rates} = 2, union = 4
		t.Errorf("tokenJaccard = %v, want 0.5", got)
	}
	if tokenJaccard("", "anything") != 0 {
		t.Error("empty topic should score 0")
	}
}

func TestSimilarityWithoutLLMUsesCosineWeights(t *testing.T) {
	s, err := NewService(llm.Disabled{})
	if err != nil {
		t.Fatal(err)
	}
	shared := []model.ExtractedEntity{ent(model.EntityToken, "bitcoin", 1.0)}
	a := Features{Embedding: []float64{1, 0}, Entities: shared, Topic: "bitcoin etf approved", Keywords: []string{"etf"}}
	b := Features{Embedding: []float64{1, 0}, Entities: shared, Topic: "bitcoin etf approved", Keywords: []string{"etf"}}

	got := s.Similarity(context.Background(), a, b)
	if got.Method != "cosine" {
		t.Errorf("method = %s, want cosine", got.Method)
	}
	// identical features: 0.35·1 + 0.35·1 + 0.20·1 + 0.10·1 = 1.0
	if math.Abs(got.Score-1.0) > 1e-9 {
		t.Errorf("score = %v, want 1.0", got.Score)
	}
}

func TestSimilarityWithLLMBlends(t *testing.T) {
	fake := &fakeLLM{answer: `{"similarity": 1.0}`}
	s, _ := NewService(fake)
	shared := []model.ExtractedEntity{ent(model.EntityToken, "bitcoin", 1.0)}
	a := Features{Embedding: []float64{1, 0}, Entities: shared, Topic: "same topic here", Keywords: []string{"k"}}
	b := Features{Embedding: []float64{1, 0}, Entities: shared, Topic: "same topic here", Keywords: []string{"k"}}

	got := s.Similarity(context.Background(), a, b)
	if got.Method != "hybrid" {
		t.Errorf("method = %s, want hybrid", got.Method)
	}
	if math.Abs(got.Score-1.0) > 1e-9 {
		t.Errorf("score = %v, want 1.0", got.Score)
	}
}

func TestEmbedCachesByArticleID(t *testing.T) {
	fake := &fakeLLM{answer: "{}"}
	s, _ := NewService(fake)
	ctx := context.Background()
	s.Embed(ctx, "a1", "some text")
	s.Embed(ctx, "a1", "some text")
	if fake.embeds != 1 {
		t.Errorf("embed called %d times, want 1", fake.embeds)
	}
}

func TestHashEmbeddingDeterministicUnit(t *testing.T) {
	a := HashEmbedding("the fed raises interest rates again", 128)
	b := HashEmbedding("the fed raises interest rates again", 128)
	var norm, diff float64
	for i := range a {
		norm += a[i] * a[i]
		diff += math.Abs(a[i] - b[i])
	}
	if diff != 0 {
		t.Error("hash embedding not deterministic")
	}
	if math.Abs(norm-1.0) > 1e-9 {
		t.Errorf("norm = %v, want 1", norm)
	}
}

func TestFindMostSimilarThresholdAndTopK(t *testing.T) {
	s, _ := NewService(llm.Disabled{})
	target := Features{Embedding: []float64{1, 0}, Topic: "fed raises rates"}
	candidates := []Features{
		{Embedding: []float64{1, 0}, Topic: "fed raises rates"},
		{Embedding: []float64{0, 1}, Topic: "unrelated celebrity gossip"},
		{Embedding: []float64{1, 0.1}, Topic: "fed raises rates again"},
	}
	ranked := s.FindMostSimilar(context.Background(), target, candidates, 5, 0.45)
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d, want 2 above threshold", len(ranked))
	}
	if ranked[0].Index != 0 {
		t.Errorf("best match index = %d, want 0", ranked[0].Index)
	}
}

func TestPreClusterByTitle(t *testing.T) {
	articles := []model.Article{
		{ID: "a1", Title: "Fed raises interest rates by quarter point"},
		{ID: "a2", Title: "Fed raises interest rates by quarter point today"},
		{ID: "a3", Title: "Solana outage halts network for six hours"},
	}
	groups := PreClusterByTitle(articles)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if GroupOf(groups, "a1") != GroupOf(groups, "a2") {
		t.Error("near-duplicate titles should share a group")
	}
	if GroupOf(groups, "a3") == GroupOf(groups, "a1") {
		t.Error("unrelated title should not share a group")
	}
}
