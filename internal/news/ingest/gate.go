// Package ingest filters raw articles before they reach the clustering
// pipeline. The scraper and search upstreams are external collaborators; the
// gate only decides what is worth clustering.
package ingest

import (
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"polyflux/internal/news/model"
)

// Verdict explains why an article was dropped.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Non-market-moving title markers. Matched case-insensitively as substrings.
var noisePhrases = []string{
	"price prediction",
	"how to buy",
	"top 10",
	"top 5",
	"best crypto to",
	"sponsored",
	"press release",
	"giveaway",
	"airdrop alert",
	"horoscope",
	"you won't believe",
	"here's why you should",
}

// Gate applies title, language and quality filters.
type Gate struct {
	MinTitleLen   int
	MinContentLen int
	MaxTitleLen   int
}

// NewGate returns a gate with the default thresholds.
func NewGate() *Gate {
	return &Gate{MinTitleLen: 20, MinContentLen: 120, MaxTitleLen: 300}
}

// Check runs all filters against one article.
func (g *Gate) Check(a model.Article) Verdict {
	title := strings.TrimSpace(a.Title)
	if len(title) < g.MinTitleLen {
		return Verdict{Reason: "title too short"}
	}
	if len(title) > g.MaxTitleLen {
		return Verdict{Reason: "title too long"}
	}
	if a.Language != "" && a.Language != "en" {
		return Verdict{Reason: "language " + a.Language}
	}
	if !mostlyLatin(title) {
		return Verdict{Reason: "non-latin title"}
	}
	lower := strings.ToLower(title)
	for _, phrase := range noisePhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return Verdict{Reason: "noise phrase: " + phrase}
		}
	}
	content := a.Content
	if content == "" {
		content = a.Snippet
	}
	if len(content) < g.MinContentLen {
		return Verdict{Reason: "content too short"}
	}
	if isShouting(title) {
		return Verdict{Reason: "all-caps title"}
	}
	return Verdict{Accepted: true}
}

// Filter returns the accepted subset, logging drops at debug.
func (g *Gate) Filter(articles []model.Article) []model.Article {
	kept := make([]model.Article, 0, len(articles))
	for _, a := range articles {
		v := g.Check(a)
		if !v.Accepted {
			log.Debug().Str("article", a.ID).Str("reason", v.Reason).Msg("Article dropped at ingestion gate")
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// mostlyLatin reports whether over 70% of letters are Latin script.
func mostlyLatin(s string) bool {
	letters, latin := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.Is(unicode.Latin, r) {
				latin++
			}
		}
	}
	if letters == 0 {
		return false
	}
	return float64(latin)/float64(letters) > 0.7
}

// isShouting reports titles that are over 80% upper-case letters.
func isShouting(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 10 && float64(upper)/float64(letters) > 0.8
}
