package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyflux/internal/news/model"
	"polyflux/internal/news/similarity"
	"polyflux/internal/news/store"
	"polyflux/internal/vector"
)

// Assignment tiers, in evaluation order.
const (
	TierTopicKey   = "topic_key"
	TierVectorVote = "vector_vote"
	TierSemantic   = "semantic"
	TierKeyword    = "keyword_jaccard"
	TierTitleGroup = "title_group"
	TierCreated    = "created"
)

// EngineConfig tunes the assignment tiers.
type EngineConfig struct {
	BatchSize          int
	VectorThreshold    float64
	VectorTopK         int
	FilterByCategory   bool
	SemanticThreshold  float64
	SemanticCandidates int
	KeywordThreshold   float64
	MergeWindow        time.Duration
	Enhanced           bool
}

// DefaultEngineConfig matches the production tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:          20,
		VectorThreshold:    0.65,
		VectorTopK:         8,
		FilterByCategory:   true,
		SemanticThreshold:  0.65,
		SemanticCandidates: 100,
		KeywordThreshold:   0.55,
		MergeWindow:        48 * time.Hour,
		Enhanced:           true,
	}
}

// Input is one article ready for assignment: gate-passed, labeled, with
// extracted entities.
type Input struct {
	Article  model.Article
	Label    model.AILabel
	Entities []model.ExtractedEntity
}

// Assignment is the per-article outcome.
type Assignment struct {
	ArticleID string
	ClusterID string
	Created   bool
	Tier      string
	Err       error
}

// Engine runs the tiered cluster-assignment algorithm. Tier evaluation is
// parallel within a batch; cluster writes serialize through the store guard.
type Engine struct {
	store   store.Store
	vectors vector.Store
	sim     *similarity.Service
	cfg     EngineConfig

	// serializes the link + count + heat + vector compound write
	writeMu sync.Mutex

	now func() time.Time
}

// NewEngine builds an assignment engine. The vector store may be nil, which
// disables the vector-vote tier.
func NewEngine(st store.Store, vectors vector.Store, sim *similarity.Service, cfg EngineConfig) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Engine{store: st, vectors: vectors, sim: sim, cfg: cfg, now: time.Now}
}

// AssignBatch assigns every input to exactly one cluster, creating clusters
// where no tier matched. Results are positionally aligned with inputs.
func (e *Engine) AssignBatch(ctx context.Context, inputs []Input) []Assignment {
	results := make([]Assignment, len(inputs))

	// cluster ids found stale in the vector store this batch; skipped
	// without re-checking
	missing := &missingSet{ids: make(map[string]bool)}

	// title pre-cluster: batch-local near-duplicate-title groups act as
	// an adoption hint when no tier matches
	hints := &titleHints{clusters: make(map[string]string)}
	if e.cfg.Enhanced {
		articles := make([]model.Article, len(inputs))
		for i, in := range inputs {
			articles[i] = in.Article
		}
		hints.groups = similarity.PreClusterByTitle(articles)
	}

	for start := 0; start < len(inputs); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				results[i] = Assignment{ArticleID: inputs[i].Article.ID, Err: ctx.Err()}
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = e.assignOne(ctx, inputs[i], missing, hints)
			}(i)
		}
		wg.Wait()
	}
	return results
}

func (e *Engine) assignOne(ctx context.Context, in Input, missing *missingSet, hints *titleHints) Assignment {
	articleID := in.Article.ID
	category := in.Article.PrimaryCategory()

	if !ValidateTopic(in.Label.Topic) {
		return Assignment{ArticleID: articleID, Err: fmt.Errorf("topic %q failed validation", in.Label.Topic)}
	}

	clusterID, tier := e.findCluster(ctx, in, category, missing)

	groupID := hints.groupOf(articleID)
	if clusterID == "" && groupID != "" {
		// a group-mate with a near-identical title already landed
		if id := hints.clusterFor(groupID); id != "" {
			if c, err := e.store.GetCluster(ctx, id); err == nil && strings.EqualFold(c.Category, category) {
				clusterID, tier = c.ID, TierTitleGroup
			}
		}
	}

	created := false
	if clusterID == "" {
		c, wasCreated, err := e.createCluster(ctx, in, category)
		if err != nil {
			return Assignment{ArticleID: articleID, Err: err}
		}
		clusterID, created, tier = c.ID, wasCreated, TierCreated
		if !wasCreated {
			// another worker won the (topicKey, category) race
			tier = TierTopicKey
		}
	}

	if err := e.applyAssignment(ctx, in, clusterID, created); err != nil {
		return Assignment{ArticleID: articleID, ClusterID: clusterID, Created: created, Tier: tier, Err: err}
	}
	hints.record(groupID, clusterID)
	return Assignment{ArticleID: articleID, ClusterID: clusterID, Created: created, Tier: tier}
}

// findCluster evaluates the adoption tiers in order and returns the first
// hit that survives the existence check.
func (e *Engine) findCluster(ctx context.Context, in Input, category string, missing *missingSet) (string, string) {
	if c, err := e.store.FindClusterByTopicKey(ctx, in.Label.TopicKey, category); err == nil {
		return c.ID, TierTopicKey
	}

	if id := e.vectorVote(ctx, in, category, missing); id != "" {
		return id, TierVectorVote
	}

	if e.cfg.Enhanced {
		if id := e.semanticFallback(ctx, in, category); id != "" {
			return id, TierSemantic
		}
	}

	if id := e.keywordFallback(ctx, in, category); id != "" {
		return id, TierKeyword
	}
	return "", ""
}

// vectorVote embeds the article and lets its nearest stored neighbors vote
// for their clusters. The winner must exist and share the category.
func (e *Engine) vectorVote(ctx context.Context, in Input, category string, missing *missingSet) string {
	if e.vectors == nil || e.sim == nil {
		return ""
	}
	emb := e.sim.Embed(ctx, in.Article.ID, embedText(in))
	searchCategory := ""
	if e.cfg.FilterByCategory {
		searchCategory = category
	}
	matches, err := e.vectors.Search(ctx, emb, searchCategory, e.cfg.VectorTopK)
	if err != nil {
		log.Debug().Err(err).Str("article", in.Article.ID).Msg("Vector search failed")
		return ""
	}

	votes := make(map[string]int)
	for _, m := range matches {
		if m.Score < e.cfg.VectorThreshold || m.ClusterID == "" {
			continue
		}
		votes[m.ClusterID]++
	}

	bestID, bestVotes := "", 0
	for id, n := range votes {
		if n > bestVotes || (n == bestVotes && id < bestID) {
			bestID, bestVotes = id, n
		}
	}
	if bestID == "" || missing.has(bestID) {
		return ""
	}

	c, err := e.store.GetCluster(ctx, bestID)
	if err != nil {
		missing.add(bestID)
		log.Warn().Str("cluster", bestID).Msg("Vector store references a missing cluster")
		return ""
	}
	if !strings.EqualFold(c.Category, category) {
		return ""
	}
	return c.ID
}

func embedText(in Input) string {
	if in.Label.Topic != "" {
		return in.Label.Topic + ". Keywords: " + strings.Join(in.Label.Keywords, ", ")
	}
	body := in.Article.Summary()
	return in.Article.Title + ". " + body
}

// semanticFallback compares against recent same-category clusters with the
// full similarity service.
func (e *Engine) semanticFallback(ctx context.Context, in Input, category string) string {
	if e.sim == nil {
		return ""
	}
	since := e.now().Add(-e.cfg.MergeWindow)
	recent, err := e.store.RecentClusters(ctx, category, since, e.cfg.SemanticCandidates)
	if err != nil || len(recent) == 0 {
		return ""
	}

	target := similarity.Features{
		ArticleID: in.Article.ID,
		Embedding: e.sim.Embed(ctx, in.Article.ID, embedText(in)),
		Entities:  in.Entities,
		Topic:     in.Label.Topic,
		Keywords:  in.Label.Keywords,
	}
	candidates := make([]similarity.Features, len(recent))
	for i, c := range recent {
		candidates[i] = similarity.Features{
			ArticleID: "cluster:" + c.ID,
			Embedding: e.sim.Embed(ctx, "cluster:"+c.ID, c.Topic+". Keywords: "+strings.Join(c.Keywords, ", ")),
			Topic:     c.Topic,
			Keywords:  c.Keywords,
		}
	}

	ranked := e.sim.FindMostSimilar(ctx, target, candidates, 1, e.cfg.SemanticThreshold)
	if len(ranked) == 0 {
		return ""
	}
	return recent[ranked[0].Index].ID
}

// keywordFallback is the last adoption tier: plain Jaccard over article
// tags and long title words versus cluster keywords and long topic words.
func (e *Engine) keywordFallback(ctx context.Context, in Input, category string) string {
	since := e.now().Add(-e.cfg.MergeWindow)
	recent, err := e.store.RecentClusters(ctx, category, since, e.cfg.SemanticCandidates)
	if err != nil {
		return ""
	}

	articleSet := longWords(in.Article.Title)
	for _, t := range in.Article.Tags {
		articleSet[strings.ToLower(t)] = true
	}

	bestID, bestScore := "", 0.0
	for _, c := range recent {
		clusterSet := longWords(c.Topic)
		for _, k := range c.Keywords {
			clusterSet[strings.ToLower(k)] = true
		}
		score := jaccard(articleSet, clusterSet)
		if score > bestScore {
			bestID, bestScore = c.ID, score
		}
	}
	if bestScore >= e.cfg.KeywordThreshold {
		return bestID
	}
	return ""
}

func (e *Engine) createCluster(ctx context.Context, in Input, category string) (*model.StoryCluster, bool, error) {
	now := e.now().UTC()
	c := &model.StoryCluster{
		ID:               uuid.NewString(),
		Topic:            FormatTopic(in.Label.Topic),
		TopicKey:         in.Label.TopicKey,
		Summary:          in.Article.Summary(),
		Category:         category,
		Keywords:         in.Label.Keywords,
		HeatScore:        InitialHeat(in.Article, in.Label, len(in.Entities), now),
		ArticleCount:     0, // applyAssignment counts the first link
		UniqueTitleCount: 0,
		TrendDirection:   in.Label.TrendDirection,
		Urgency:          in.Label.Urgency,
		SubEventType:     in.Label.SubEventType,
		FirstSeen:        now,
		UpdatedAt:        now,
	}
	if c.TopicKey == "" {
		c.TopicKey = TopicKey(in.Label.Topic)
	}
	return e.store.CreateCluster(ctx, c)
}

// applyAssignment performs the compound write: link, counts, heat, vector
// upsert and entity bookkeeping. Best effort per article; failure here is
// the caller's per-article error and never aborts the batch.
func (e *Engine) applyAssignment(ctx context.Context, in Input, clusterID string, created bool) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := e.now().UTC()
	fingerprint := model.TitleFingerprint(in.Article.Title)
	delta := LinkHeatDelta(in.Article, in.Label, len(in.Entities), now)

	c, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("cluster %s vanished before link: %w", clusterID, err)
	}

	existing, err := e.store.LinksForCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	for _, l := range existing {
		if l.ArticleID == in.Article.ID {
			return nil // idempotent: identical article fed twice
		}
	}
	newFingerprint := true
	for _, l := range existing {
		if l.TitleFingerprint == fingerprint {
			newFingerprint = false
			break
		}
	}

	if err := e.store.AddLink(ctx, model.ClusterArticleLink{
		ClusterID:        clusterID,
		ArticleID:        in.Article.ID,
		TitleFingerprint: fingerprint,
		HeatContribution: delta,
		LinkedAt:         now,
	}); err != nil {
		return err
	}

	c.ArticleCount++
	if newFingerprint {
		c.UniqueTitleCount++
	}
	if !created {
		c.HeatScore += delta
	}
	c.UpdatedAt = now
	if err := e.store.UpdateCluster(ctx, c); err != nil {
		return err
	}

	if err := e.store.AppendHeatSample(ctx, model.HeatSample{
		ClusterID:        clusterID,
		Timestamp:        now,
		HeatScore:        c.HeatScore,
		ArticleCount:     c.ArticleCount,
		UniqueTitleCount: c.UniqueTitleCount,
	}); err != nil {
		return err
	}

	if e.vectors != nil && e.sim != nil {
		if err := e.vectors.Upsert(ctx, vector.Record{
			ArticleID: in.Article.ID,
			ClusterID: clusterID,
			Category:  in.Article.PrimaryCategory(),
			Embedding: e.sim.Embed(ctx, in.Article.ID, embedText(in)),
		}); err != nil {
			log.Warn().Err(err).Str("article", in.Article.ID).Msg("Vector upsert failed")
		}
	}

	for _, ent := range in.Entities {
		stored, err := e.store.FindOrCreateEntity(ctx, ent.Name, ent.Normalized, ent.Type)
		if err != nil {
			log.Warn().Err(err).Str("entity", ent.Normalized).Msg("Entity upsert failed")
			continue
		}
		if err := e.store.LinkEntityArticle(ctx, stored.ID, in.Article.ID, ent.Confidence); err != nil {
			continue
		}
		_ = e.store.AddEntityClusterHeat(ctx, stored.ID, clusterID, delta*0.1)
	}
	return nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// titleHints carries the batch-local title groups and the clusters their
// members have landed in so far.
type titleHints struct {
	groups []similarity.TitleGroup

	mu       sync.Mutex
	clusters map[string]string // title-group id -> cluster id
}

func (h *titleHints) groupOf(articleID string) string {
	return similarity.GroupOf(h.groups, articleID)
}

func (h *titleHints) clusterFor(groupID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clusters[groupID]
}

func (h *titleHints) record(groupID, clusterID string) {
	if groupID == "" {
		return
	}
	h.mu.Lock()
	h.clusters[groupID] = clusterID
	h.mu.Unlock()
}

type missingSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (m *missingSet) add(id string) {
	m.mu.Lock()
	m.ids[id] = true
	m.mu.Unlock()
}

func (m *missingSet) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids[id]
}
