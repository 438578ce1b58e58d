package news

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"polyflux/internal/llm"
	"polyflux/internal/news/model"
)

// Labeler covers the three LLM stages of the pipeline. Every method must be
// usable without an LLM endpoint; implementations degrade to heuristics.
type Labeler interface {
	// Quality reports whether an article is worth keeping.
	Quality(ctx context.Context, a model.Article) (bool, error)
	// Categorize returns ordered categories, first is primary. An empty
	// slice drops the article.
	Categorize(ctx context.Context, a model.Article, allowed []string) ([]string, error)
	// Label produces the topical label used for clustering.
	Label(ctx context.Context, a model.Article) (model.AILabel, error)
}

// LLMLabeler asks the configured model and falls back to keyword heuristics
// when the endpoint is unavailable or returns garbage.
type LLMLabeler struct {
	llm llm.Client
}

func NewLLMLabeler(client llm.Client) *LLMLabeler {
	if client == nil {
		client = llm.Disabled{}
	}
	return &LLMLabeler{llm: client}
}

const qualityPrompt = `Is the following news article substantive reporting (not an ad, listicle, or aggregator stub)? Answer with JSON: {"keep": true|false}.

Title: %s
Content: %s`

const categorizePrompt = `Assign the article to one or more of these categories, most relevant first: %s.
Answer with JSON: {"categories": ["..."]}.

Title: %s
Content: %s`

const labelPrompt = `Produce a clustering label for the article. The topic must be a specific, self-contained phrase of at least 3 words naming the concrete story (include the main actor). Answer with JSON:
{"topic": "...", "keywords": ["..."], "sub_event_type": "...", "trend_direction": "UP|DOWN|NEUTRAL", "urgency": "LOW|MEDIUM|HIGH|CRITICAL"}

Title: %s
Content: %s`

func (l *LLMLabeler) Quality(ctx context.Context, a model.Article) (bool, error) {
	if !l.llm.Available() {
		return true, nil
	}
	answer, err := l.llm.Complete(ctx, fmt.Sprintf(qualityPrompt, a.Title, clipText(a.Content, 1200)))
	if err != nil {
		return true, nil
	}
	var parsed struct {
		Keep bool `json:"keep"`
	}
	if err := llm.DecodeLenient(answer, &parsed); err != nil {
		return true, nil
	}
	return parsed.Keep, nil
}

func (l *LLMLabeler) Categorize(ctx context.Context, a model.Article, allowed []string) ([]string, error) {
	if l.llm.Available() {
		answer, err := l.llm.Complete(ctx, fmt.Sprintf(categorizePrompt,
			strings.Join(allowed, ", "), a.Title, clipText(a.Content, 1200)))
		if err == nil {
			var parsed struct {
				Categories []string `json:"categories"`
			}
			if err := llm.DecodeLenient(answer, &parsed); err == nil {
				if cats := intersectCategories(parsed.Categories, allowed); len(cats) > 0 {
					return cats, nil
				}
			}
		}
	}
	return heuristicCategories(a, allowed), nil
}

func (l *LLMLabeler) Label(ctx context.Context, a model.Article) (model.AILabel, error) {
	if l.llm.Available() {
		answer, err := l.llm.Complete(ctx, fmt.Sprintf(labelPrompt, a.Title, clipText(a.Content, 1600)))
		if err == nil {
			var parsed model.AILabel
			if err := llm.DecodeLenient(answer, &parsed); err == nil && parsed.Topic != "" {
				normalizeLabel(&parsed)
				return parsed, nil
			}
		}
	}
	return HeuristicLabel(a), nil
}

// HeuristicLabel derives a label from the title alone. Used when the LLM is
// down and as the topic-stage fallback.
func HeuristicLabel(a model.Article) model.AILabel {
	label := model.AILabel{
		Topic:          strings.TrimSpace(a.Title),
		Keywords:       titleKeywords(a.Title, 6),
		TrendDirection: model.TrendNeutral,
		Urgency:        heuristicUrgency(a),
	}
	normalizeLabel(&label)
	return label
}

func normalizeLabel(l *model.AILabel) {
	l.Topic = strings.TrimSpace(l.Topic)
	switch l.TrendDirection {
	case model.TrendUp, model.TrendDown, model.TrendNeutral:
	default:
		l.TrendDirection = model.TrendNeutral
	}
	switch l.Urgency {
	case model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh, model.UrgencyCritical:
	default:
		l.Urgency = model.UrgencyMedium
	}
}

var urgentTitleWords = []string{
	"breaking", "urgent", "crash", "collapse", "hack", "exploit",
	"halt", "emergency", "default", "bankrupt",
}

func heuristicUrgency(a model.Article) model.Urgency {
	title := strings.ToLower(a.Title)
	for _, w := range urgentTitleWords {
		if strings.Contains(title, w) {
			return model.UrgencyHigh
		}
	}
	return model.UrgencyMedium
}

// categoryHints maps a category name to title/content markers. Categories
// without hints only match by their own name.
var categoryHints = map[string][]string{
	"crypto":      {"bitcoin", "btc", "ethereum", "eth", "crypto", "token", "defi", "etf", "stablecoin", "blockchain", "exchange"},
	"macro":       {"inflation", "gdp", "fed", "federal reserve", "rate", "treasury", "recession", "economy", "jobs report"},
	"regulation":  {"sec", "cftc", "regulator", "lawsuit", "ruling", "compliance", "ban", "license", "court"},
	"technology":  {"ai", "chip", "software", "startup", "launch", "cloud", "compute", "model"},
	"geopolitics": {"election", "sanction", "war", "tariff", "summit", "parliament", "minister", "border"},
}

func heuristicCategories(a model.Article, allowed []string) []string {
	text := strings.ToLower(a.Title + " " + a.Snippet)
	type scored struct {
		cat  string
		hits int
	}
	var matches []scored
	for _, cat := range allowed {
		hits := 0
		if strings.Contains(text, strings.ToLower(cat)) {
			hits++
		}
		for _, hint := range categoryHints[strings.ToLower(cat)] {
			if strings.Contains(text, hint) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{cat, hits})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.cat)
	}
	return out
}

func intersectCategories(got, allowed []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, g := range got {
		g = strings.ToLower(strings.TrimSpace(g))
		for _, a := range allowed {
			if strings.EqualFold(g, a) && !seen[strings.ToLower(a)] {
				seen[strings.ToLower(a)] = true
				out = append(out, a)
			}
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "after": true, "over": true, "into": true,
	"amid": true, "says": true, "will": true, "could": true, "been": true,
}

func titleKeywords(title string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range strings.FieldsFunc(title, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		lw := strings.ToLower(w)
		if len(lw) <= 3 || stopWords[lw] || seen[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, lw)
		if len(out) == limit {
			break
		}
	}
	return out
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
