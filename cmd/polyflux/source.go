package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyflux/internal/news/model"
)

// searchSource is the external search collaborator: a SearxNG-compatible
// JSON endpoint queried per category. Scraping is delegated upstream; the
// snippet stands in as content when the full text is unavailable.
type searchSource struct {
	client  *resty.Client
	queries int
}

func newSearchSource(baseURL string, queriesPerCategory int) *searchSource {
	if queriesPerCategory <= 0 {
		queriesPerCategory = 3
	}
	return &searchSource{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(20 * time.Second).
			SetHeader("Accept", "application/json"),
		queries: queriesPerCategory,
	}
}

type searchResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Content       string `json:"content"`
		Engine        string `json:"engine"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

// categoryQueries maps a category to its rotating search queries.
var categoryQueries = map[string][]string{
	"crypto":      {"bitcoin news today", "ethereum market news", "crypto regulation breaking"},
	"macro":       {"federal reserve rates news", "inflation data release", "treasury yields market"},
	"regulation":  {"SEC enforcement crypto", "financial regulation news", "crypto legislation"},
	"technology":  {"AI breakthrough news", "major tech earnings", "semiconductor industry news"},
	"geopolitics": {"sanctions breaking news", "election results market", "trade war tariffs news"},
}

func (s *searchSource) Search(ctx context.Context, category string, limit int) ([]model.Article, error) {
	queries := categoryQueries[category]
	if len(queries) == 0 {
		queries = []string{category + " breaking news"}
	}
	if len(queries) > s.queries {
		queries = queries[:s.queries]
	}

	seen := make(map[string]bool)
	var out []model.Article
	for _, q := range queries {
		var body searchResponse
		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"q":      q,
				"format": "json",
			}).
			SetResult(&body).
			Get("/search")
		if err != nil {
			return out, err
		}
		if resp.IsError() {
			return out, fmt.Errorf("search %q: status %d", q, resp.StatusCode())
		}

		for _, r := range body.Results {
			if r.URL == "" || r.Title == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			out = append(out, model.Article{
				ID:          uuid.NewString(),
				URL:         r.URL,
				Title:       strings.TrimSpace(r.Title),
				Snippet:     r.Content,
				Source:      r.Engine,
				PublishedAt: parsePublished(r.PublishedDate),
				Language:    "en",
			})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Scrape promotes snippets to content. Full-text scraping is an external
// concern; articles without even a snippet are dropped.
func (s *searchSource) Scrape(_ context.Context, articles []model.Article) ([]model.Article, error) {
	out := make([]model.Article, 0, len(articles))
	for _, a := range articles {
		if a.Content == "" {
			if a.Snippet == "" {
				log.Debug().Str("url", a.URL).Msg("dropping article with no content")
				continue
			}
			a.Content = a.Snippet
		}
		out = append(out, a)
	}
	return out, nil
}

func parsePublished(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
