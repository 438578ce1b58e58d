package cluster

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"polyflux/internal/news/model"
	"polyflux/internal/news/store"
	"polyflux/internal/vector"
)

// Enhanced-similarity factor weights. Normalized by the weight actually
// used, so missing subEventType data does not depress scores.
const (
	weightTopicKey     = 0.50
	weightTopicJaccard = 0.25
	weightKeyword      = 0.15
	weightSubEvent     = 0.10

	mergeThreshold   = 0.80
	mergeScanPerCat  = 50
	defaultMergeSpan = 48 * time.Hour
)

// MergeResult describes one executed merge.
type MergeResult struct {
	TargetID string
	SourceID string
	Score    float64
}

// MergerConfig tunes the merge loop.
type MergerConfig struct {
	Window time.Duration
	// DecrementUniqueTitles recounts unique titles from the merged link
	// union, letting the count drop when the pair shared titles. Off, the
	// count stays monotonic: the source count is added as-is.
	DecrementUniqueTitles bool
}

// Merger collapses near-duplicate clusters within each category.
type Merger struct {
	store   store.Store
	vectors vector.Store
	cfg     MergerConfig
	now     func() time.Time
}

func NewMerger(st store.Store, vectors vector.Store, cfg MergerConfig) *Merger {
	if cfg.Window <= 0 {
		cfg.Window = defaultMergeSpan
	}
	return &Merger{store: st, vectors: vectors, cfg: cfg, now: time.Now}
}

// Run scans the hottest clusters per category and merges every pair scoring
// at or above the threshold. A cluster consumed by a merge is not
// considered again within the run.
func (m *Merger) Run(ctx context.Context, categories []string) ([]MergeResult, error) {
	var results []MergeResult
	since := m.now().Add(-m.cfg.Window)

	for _, category := range categories {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		clusters, err := m.store.TopClusters(ctx, category, since, mergeScanPerCat)
		if err != nil {
			return results, err
		}
		consumed := make(map[string]bool)

		for i := 0; i < len(clusters); i++ {
			if consumed[clusters[i].ID] {
				continue
			}
			for j := i + 1; j < len(clusters); j++ {
				if consumed[clusters[i].ID] {
					break
				}
				if consumed[clusters[j].ID] {
					continue
				}
				score := EnhancedSimilarity(&clusters[i], &clusters[j])
				if score < mergeThreshold {
					continue
				}
				target, source := &clusters[i], &clusters[j]
				if source.HeatScore > target.HeatScore {
					target, source = source, target
				}
				if err := m.merge(ctx, target, source, score); err != nil {
					log.Warn().Err(err).Str("target", target.ID).Str("source", source.ID).Msg("Merge failed")
					continue
				}
				consumed[source.ID] = true
				results = append(results, MergeResult{TargetID: target.ID, SourceID: source.ID, Score: score})
			}
		}
	}
	return results, nil
}

// EnhancedSimilarity scores a cluster pair on topicKey equality, topic-word
// Jaccard, keyword Jaccard and subEventType equality.
func EnhancedSimilarity(a, b *model.StoryCluster) float64 {
	var score, used float64

	// the topicKey factor participates only when the keys match, so a
	// perfect word-level pair with distinct keys can still merge
	if a.TopicKey != "" && strings.EqualFold(a.TopicKey, b.TopicKey) {
		score += weightTopicKey
		used += weightTopicKey
	}

	used += weightTopicJaccard
	score += weightTopicJaccard * jaccard(longWords(a.Topic), longWords(b.Topic))

	used += weightKeyword
	score += weightKeyword * keywordJaccard(a.Keywords, b.Keywords)

	if a.SubEventType != "" && b.SubEventType != "" {
		used += weightSubEvent
		if strings.EqualFold(a.SubEventType, b.SubEventType) {
			score += weightSubEvent
		}
	}

	if used == 0 {
		return 0
	}
	return score / used
}

func keywordJaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[strings.ToLower(k)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		setB[strings.ToLower(k)] = true
	}
	return jaccard(setA, setB)
}

// merge moves the source's links into the target, recounts, records the
// MERGED_INTO edge and deletes the source.
func (m *Merger) merge(ctx context.Context, target, source *model.StoryCluster, score float64) error {
	if _, err := m.store.MoveLinks(ctx, source.ID, target.ID); err != nil {
		return err
	}

	links, err := m.store.LinksForCluster(ctx, target.ID)
	if err != nil {
		return err
	}
	target.ArticleCount = len(links)
	if m.cfg.DecrementUniqueTitles {
		fingerprints := make(map[string]bool, len(links))
		for _, l := range links {
			fingerprints[l.TitleFingerprint] = true
		}
		target.UniqueTitleCount = len(fingerprints)
	} else {
		target.UniqueTitleCount += source.UniqueTitleCount
	}
	target.HeatScore += source.HeatScore * 0.5
	target.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateCluster(ctx, target); err != nil {
		return err
	}

	// directed edge: source MERGED_INTO target
	if err := m.store.AddCrossRef(ctx, model.CrossRef{
		ClusterA:  source.ID,
		ClusterB:  target.ID,
		Relation:  model.RelationMergedInto,
		Score:     score,
		CreatedAt: m.now().UTC(),
	}); err != nil {
		return err
	}

	if m.vectors != nil {
		if err := m.vectors.ReassignCluster(ctx, source.ID, target.ID); err != nil {
			log.Warn().Err(err).Str("source", source.ID).Msg("Vector reassign failed")
		}
	}

	return m.store.DeleteCluster(ctx, source.ID)
}
