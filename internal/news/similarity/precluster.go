package similarity

import (
	"fmt"

	"polyflux/internal/news/model"
)

const preClusterThreshold = 0.70

// TitleGroup is a transient batch-local grouping of near-duplicate titles.
// Group ids are only meaningful within one batch and are never persisted.
type TitleGroup struct {
	ID       string
	Articles []model.Article
}

// PreClusterByTitle groups a batch by title-only token similarity. Used as
// a tiebreaker hint by cluster assignment, not as an assignment itself.
func PreClusterByTitle(articles []model.Article) []TitleGroup {
	var groups []TitleGroup
	for _, a := range articles {
		placed := false
		for i := range groups {
			if tokenJaccard(a.Title, groups[i].Articles[0].Title) >= preClusterThreshold {
				groups[i].Articles = append(groups[i].Articles, a)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, TitleGroup{
				ID:       fmt.Sprintf("pregroup-%d", len(groups)),
				Articles: []model.Article{a},
			})
		}
	}
	return groups
}

// GroupOf returns the group id containing the article id, or "".
func GroupOf(groups []TitleGroup, articleID string) string {
	for _, g := range groups {
		for _, a := range g.Articles {
			if a.ID == articleID {
				return g.ID
			}
		}
	}
	return ""
}
