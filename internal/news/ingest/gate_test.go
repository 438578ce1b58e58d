package ingest

import (
	"strings"
	"testing"

	"polyflux/internal/news/model"
)

func sample() model.Article {
	return model.Article{
		ID:       "a1",
		Title:    "Federal Reserve signals pause on interest rate hikes",
		Content:  strings.Repeat("The central bank indicated a data-dependent path forward. ", 5),
		Language: "en",
	}
}

func TestGateAcceptsCleanArticle(t *testing.T) {
	g := NewGate()
	v := g.Check(sample())
	if !v.Accepted {
		t.Fatalf("clean article rejected: %s", v.Reason)
	}
}

func TestGateRejections(t *testing.T) {
	g := NewGate()
	cases := []struct {
		name   string
		mutate func(*model.Article)
	}{
		{"short title", func(a *model.Article) { a.Title = "BTC up" }},
		{"noise phrase", func(a *model.Article) { a.Title = "Bitcoin price prediction for the next decade ahead" }},
		{"wrong language", func(a *model.Article) { a.Language = "de" }},
		{"thin content", func(a *model.Article) { a.Content = "short"; a.Snippet = "" }},
		{"shouting", func(a *model.Article) { a.Title = "BREAKING NEWS MARKETS CRASH EVERYTHING DOWN NOW" }},
	}
	for _, tc := range cases {
		a := sample()
		tc.mutate(&a)
		if v := g.Check(a); v.Accepted {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

func TestGateSnippetFallback(t *testing.T) {
	g := NewGate()
	a := sample()
	a.Content = ""
	a.Snippet = strings.Repeat("A usable summary of the piece with enough substance to cluster. ", 3)
	if v := g.Check(a); !v.Accepted {
		t.Errorf("snippet should satisfy content check: %s", v.Reason)
	}
}

func TestFilterKeepsOrder(t *testing.T) {
	g := NewGate()
	good1, good2, bad := sample(), sample(), sample()
	good2.ID = "a2"
	bad.ID = "a3"
	bad.Title = "x"

	kept := g.Filter([]model.Article{good1, bad, good2})
	if len(kept) != 2 || kept[0].ID != "a1" || kept[1].ID != "a2" {
		t.Errorf("kept = %+v", kept)
	}
}
