package entities

import (
	"context"
	"testing"

	"polyflux/internal/llm"
	"polyflux/internal/news/model"
)

type fakeLLM struct {
	answer string
	calls  int
}

func (f *fakeLLM) Available() bool { return true }

func (f *fakeLLM) Complete(context.Context, string) (string, error) {
	f.calls++
	return f.answer, nil
}

func (f *fakeLLM) Embed(context.Context, string) ([]float64, error) {
	return nil, llm.ErrUnavailable
}

func findEntity(got []model.ExtractedEntity, kind model.EntityType, normalized string) *model.ExtractedEntity {
	for i := range got {
		if got[i].Type == kind && got[i].Normalized == normalized {
			return &got[i]
		}
	}
	return nil
}

func TestRegexStageScoring(t *testing.T) {
	ex, err := New(llm.Disabled{})
	if err != nil {
		t.Fatal(err)
	}
	res := ex.Extract(context.Background(), "Federal Reserve holds rates as Bitcoin rallies", "Jerome Powell spoke after the FOMC meeting about $2.5 billion in flows.")

	fed := findEntity(res.Entities, model.EntityGovernmentBody, "federal reserve")
	if fed == nil {
		t.Fatal("Federal Reserve not extracted")
	}
	// base 0.7 + well-known 0.2 + multi-word 0.05 + TitleCase 0.05
	if fed.Confidence != 1.0 {
		t.Errorf("Federal Reserve confidence = %v, want 1.0", fed.Confidence)
	}
	if fed.Source != model.SourceRegex {
		t.Errorf("source = %s", fed.Source)
	}
	if findEntity(res.Entities, model.EntityToken, "bitcoin") == nil {
		t.Error("Bitcoin not extracted")
	}
	if findEntity(res.Entities, model.EntityPerson, "jerome powell") == nil {
		t.Error("Jerome Powell not extracted")
	}
	if findEntity(res.Entities, model.EntityAmount, "$2.5 billion") == nil {
		t.Error("amount not extracted")
	}
}

func TestDedupByTypeAndNormalized(t *testing.T) {
	ex, _ := New(llm.Disabled{})
	res := ex.Extract(context.Background(), "Bitcoin, bitcoin and BITCOIN", "Bitcoin again.")
	count := 0
	for _, e := range res.Entities {
		if e.Type == model.EntityToken && e.Normalized == "bitcoin" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("bitcoin extracted %d times, want 1", count)
	}
}

func TestHybridMergeBoostsConfidence(t *testing.T) {
	fake := &fakeLLM{answer: `{"entities": [{"name": "Coinbase", "type": "COMPANY", "confidence": 0.8}], "eventType": "listing"}`}
	ex, _ := New(fake)
	res := ex.Extract(context.Background(), "Coinbase shares jump on new listing", "The exchange announced expanded custody services for institutions today.")

	cb := findEntity(res.Entities, model.EntityOrganization, "coinbase")
	if cb == nil {
		t.Fatal("Coinbase not extracted")
	}
	if cb.Source != model.SourceHybrid {
		t.Errorf("source = %s, want hybrid", cb.Source)
	}
	// regex: 0.7 + 0.2 + 0.05 = 0.95; hybrid bump +0.15 capped at 1.0
	if cb.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", cb.Confidence)
	}
	if res.EventType != "listing" {
		t.Errorf("eventType = %q", res.EventType)
	}
}

func TestPrimaryEntitySelection(t *testing.T) {
	ex, _ := New(llm.Disabled{})
	res := ex.Extract(context.Background(), "Jerome Powell comments move Bitcoin sharply higher", "Markets reacted to the speech with heavy volume across exchanges today.")
	if res.PrimaryEntity == nil {
		t.Fatal("no primary entity")
	}
	// PERSON is not a primary type even when confident
	if res.PrimaryEntity.Type != model.EntityToken {
		t.Errorf("primary type = %s, want TOKEN", res.PrimaryEntity.Type)
	}
}

func TestLLMCacheServesRepeatCalls(t *testing.T) {
	fake := &fakeLLM{answer: `{"entities": []}`}
	ex, _ := New(fake)
	ctx := context.Background()
	ex.Extract(ctx, "Same title each time", "Identical content should hit the extraction cache on repeat.")
	ex.Extract(ctx, "Same title each time", "Identical content should hit the extraction cache on repeat.")
	if fake.calls != 1 {
		t.Errorf("LLM called %d times, want 1", fake.calls)
	}
}

func TestUnknownTypesDropped(t *testing.T) {
	fake := &fakeLLM{answer: `{"entities": [{"name": "Thing", "type": "SPACESHIP", "confidence": 0.9}]}`}
	ex, _ := New(fake)
	res := ex.Extract(context.Background(), "A long enough headline about nothing in particular", "Body text long enough to pass through the gate and into extraction.")
	for _, e := range res.Entities {
		if e.Name == "Thing" {
			t.Error("unknown entity type should be dropped")
		}
	}
}
