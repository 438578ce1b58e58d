// Package entities implements hybrid named-entity extraction: a curated
// regex/dictionary stage that always runs, merged with an optional
// language-model stage when an endpoint is configured.
package entities

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"polyflux/internal/llm"
	"polyflux/internal/news/model"
)

const (
	baseConfidence      = 0.7
	wellKnownBoost      = 0.2
	multiWordBoost      = 0.05
	titleCaseBoost      = 0.05
	hybridAgreementBump = 0.15
	primaryThreshold    = 0.60

	llmCacheSize = 500
)

var (
	amountRe = regexp.MustCompile(`(?i)\$\s?\d[\d,]*(?:\.\d+)?\s*(?:thousand|million|billion|trillion|[kmbt])?|\d[\d,]*(?:\.\d+)?\s*(?:million|billion|trillion)\s+(?:dollars|usd)`)
	dateRe   = regexp.MustCompile(`(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:,\s*\d{4})?\b|\b\d{4}-\d{2}-\d{2}\b|\bQ[1-4]\s+\d{4}\b`)
)

// Result is one article's extraction output.
type Result struct {
	Entities      []model.ExtractedEntity
	EventType     string
	PrimaryEntity *model.ExtractedEntity
}

// Extractor runs the two extraction stages and merges their output.
type Extractor struct {
	llm      llm.Client
	cache    *lru.Cache[string, llmExtraction]
	patterns map[model.EntityType]*regexp.Regexp
}

// New builds an extractor. The client may be llm.Disabled{}.
func New(client llm.Client) (*Extractor, error) {
	cache, err := lru.New[string, llmExtraction](llmCacheSize)
	if err != nil {
		return nil, err
	}
	patterns := make(map[model.EntityType]*regexp.Regexp, len(dictionaries))
	for _, d := range dictionaries {
		escaped := make([]string, len(d.terms))
		for i, t := range d.terms {
			escaped[i] = regexp.QuoteMeta(t)
		}
		patterns[d.kind] = regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
	}
	return &Extractor{llm: client, cache: cache, patterns: patterns}, nil
}

// Extract runs both stages against title and content.
func (e *Extractor) Extract(ctx context.Context, title, content string) Result {
	text := title + " " + content
	byKey := make(map[string]model.ExtractedEntity)
	for _, ent := range e.extractRegex(text) {
		byKey[ent.Key()] = ent
	}

	eventType := ""
	if e.llm.Available() {
		fromLLM, evt, err := e.extractLLM(ctx, title, content)
		if err != nil {
			log.Debug().Err(err).Msg("LLM entity stage skipped")
		} else {
			eventType = evt
			for _, ent := range fromLLM {
				key := ent.Key()
				if existing, ok := byKey[key]; ok {
					existing.Confidence = min(1, existing.Confidence+hybridAgreementBump)
					existing.Source = model.SourceHybrid
					byKey[key] = existing
				} else {
					byKey[key] = ent
				}
			}
		}
	}

	out := make([]model.ExtractedEntity, 0, len(byKey))
	for _, ent := range byKey {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Normalized < out[j].Normalized
	})

	return Result{
		Entities:      out,
		EventType:     eventType,
		PrimaryEntity: primaryEntity(out),
	}
}

// primaryEntity is the top-confidence tradeable subject of the article.
func primaryEntity(sorted []model.ExtractedEntity) *model.ExtractedEntity {
	for i := range sorted {
		switch sorted[i].Type {
		case model.EntityToken, model.EntityOrganization, model.EntityGovernmentBody:
			if sorted[i].Confidence > primaryThreshold {
				ent := sorted[i]
				return &ent
			}
		}
	}
	return nil
}

func (e *Extractor) extractRegex(text string) []model.ExtractedEntity {
	var out []model.ExtractedEntity
	for _, d := range dictionaries {
		for _, match := range e.patterns[d.kind].FindAllString(text, -1) {
			out = append(out, scoreMatch(match, d))
		}
	}
	for _, match := range amountRe.FindAllString(text, -1) {
		out = append(out, model.ExtractedEntity{
			Name:       match,
			Normalized: normalize(match),
			Type:       model.EntityAmount,
			Confidence: baseConfidence,
			Source:     model.SourceRegex,
		})
	}
	for _, match := range dateRe.FindAllString(text, -1) {
		out = append(out, model.ExtractedEntity{
			Name:       match,
			Normalized: normalize(match),
			Type:       model.EntityDate,
			Confidence: baseConfidence,
			Source:     model.SourceRegex,
		})
	}
	return out
}

func scoreMatch(match string, d dictionary) model.ExtractedEntity {
	norm := normalize(match)
	conf := baseConfidence
	if d.wellKnown[norm] {
		conf += wellKnownBoost
	}
	if strings.Contains(strings.TrimSpace(match), " ") {
		conf += multiWordBoost
	}
	if r := []rune(match); len(r) > 0 && unicode.IsUpper(r[0]) {
		conf += titleCaseBoost
	}
	return model.ExtractedEntity{
		Name:       match,
		Normalized: norm,
		Type:       d.kind,
		Confidence: min(1, conf),
		Source:     model.SourceRegex,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type llmExtraction struct {
	Entities []struct {
		Name       string  `json:"name"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"entities"`
	EventType     string `json:"eventType"`
	PrimaryEntity string `json:"primaryEntity"`
}

const extractionPrompt = `Extract named entities from this news item.
Respond with JSON only: {"entities": [{"name", "type", "confidence"}], "eventType", "primaryEntity"}.
Types: PERSON, ORGANIZATION, LOCATION, COUNTRY, TOKEN, PROTOCOL, GOVERNMENT_BODY, EVENT, AMOUNT, DATE.

Title: %s
Content: %s`

func (e *Extractor) extractLLM(ctx context.Context, title, content string) ([]model.ExtractedEntity, string, error) {
	key := clip(title, 100) + "\x00" + clip(content, 200)
	parsed, ok := e.cache.Get(key)
	if !ok {
		answer, err := e.llm.Complete(ctx, fmt.Sprintf(extractionPrompt, clip(title, 300), clip(content, 1500)))
		if err != nil {
			return nil, "", err
		}
		if err := llm.DecodeLenient(answer, &parsed); err != nil {
			return nil, "", err
		}
		e.cache.Add(key, parsed)
	}

	out := make([]model.ExtractedEntity, 0, len(parsed.Entities))
	for _, raw := range parsed.Entities {
		canonical, ok := llm.CanonicalEntityType(raw.Type)
		if !ok || raw.Name == "" {
			continue
		}
		conf := raw.Confidence
		if conf <= 0 || conf > 1 {
			conf = baseConfidence
		}
		out = append(out, model.ExtractedEntity{
			Name:       raw.Name,
			Normalized: normalize(raw.Name),
			Type:       model.EntityType(canonical),
			Confidence: conf,
			Source:     model.SourceLLM,
		})
	}
	return out, parsed.EventType, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
