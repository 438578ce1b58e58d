package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"polyflux/internal/news/model"
)

// MemoryStore is the in-process Store used by tests and database-less runs.
type MemoryStore struct {
	mu sync.RWMutex

	articles map[string]model.Article
	urls     map[string]bool

	clusters map[string]model.StoryCluster
	byKey    map[string]string // topicKey|category → cluster id

	links map[string][]model.ClusterArticleLink // cluster id → links

	heat map[string][]model.HeatSample // cluster id → samples, append order

	refs []model.CrossRef

	entities       map[string]model.Entity // (type|normalized) → entity
	entityArticles map[string]float64      // entityID|articleID → confidence
	entityHeat     map[string]float64      // entityID|clusterID → heat
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		articles:       make(map[string]model.Article),
		urls:           make(map[string]bool),
		clusters:       make(map[string]model.StoryCluster),
		byKey:          make(map[string]string),
		links:          make(map[string][]model.ClusterArticleLink),
		heat:           make(map[string][]model.HeatSample),
		entities:       make(map[string]model.Entity),
		entityArticles: make(map[string]float64),
		entityHeat:     make(map[string]float64),
	}
}

func clusterKey(topicKey, category string) string {
	return strings.ToLower(topicKey) + "|" + strings.ToLower(category)
}

func (m *MemoryStore) SaveArticle(_ context.Context, a model.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[a.ID]; ok {
		return nil
	}
	m.articles[a.ID] = a
	if a.URL != "" {
		m.urls[a.URL] = true
	}
	return nil
}

func (m *MemoryStore) GetArticle(_ context.Context, id string) (*model.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.articles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) HasArticleURL(_ context.Context, url string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.urls[url], nil
}

func (m *MemoryStore) CreateCluster(_ context.Context, c *model.StoryCluster) (*model.StoryCluster, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clusterKey(c.TopicKey, c.Category)
	if id, ok := m.byKey[key]; ok {
		existing := m.clusters[id]
		return &existing, false, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	m.clusters[c.ID] = *c
	m.byKey[key] = c.ID
	created := *c
	return &created, true, nil
}

func (m *MemoryStore) GetCluster(_ context.Context, id string) (*model.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) FindClusterByTopicKey(_ context.Context, topicKey, category string) (*model.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[clusterKey(topicKey, category)]
	if !ok {
		return nil, ErrNotFound
	}
	c := m.clusters[id]
	return &c, nil
}

func (m *MemoryStore) UpdateCluster(_ context.Context, c *model.StoryCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.clusters[c.ID]
	if !ok {
		return ErrNotFound
	}
	if old.TopicKey != c.TopicKey || old.Category != c.Category {
		delete(m.byKey, clusterKey(old.TopicKey, old.Category))
		m.byKey[clusterKey(c.TopicKey, c.Category)] = c.ID
	}
	c.UpdatedAt = time.Now().UTC()
	m.clusters[c.ID] = *c
	return nil
}

func (m *MemoryStore) RecentClusters(_ context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterClusters(category, since)
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return capSlice(out, limit), nil
}

func (m *MemoryStore) TopClusters(_ context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterClusters(category, since)
	sort.Slice(out, func(i, j int) bool { return out[i].HeatScore > out[j].HeatScore })
	return capSlice(out, limit), nil
}

func (m *MemoryStore) filterClusters(category string, since time.Time) []model.StoryCluster {
	var out []model.StoryCluster
	for _, c := range m.clusters {
		if category != "" && !strings.EqualFold(c.Category, category) {
			continue
		}
		if !since.IsZero() && c.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func capSlice(s []model.StoryCluster, limit int) []model.StoryCluster {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func (m *MemoryStore) DeleteCluster(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.clusters, id)
	delete(m.byKey, clusterKey(c.TopicKey, c.Category))
	delete(m.links, id)
	return nil
}

func (m *MemoryStore) AddLink(_ context.Context, link model.ClusterArticleLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	for _, l := range m.links[link.ClusterID] {
		if l.ArticleID == link.ArticleID {
			return nil
		}
	}
	m.links[link.ClusterID] = append(m.links[link.ClusterID], link)
	return nil
}

func (m *MemoryStore) LinksForCluster(_ context.Context, clusterID string) ([]model.ClusterArticleLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ClusterArticleLink, len(m.links[clusterID]))
	copy(out, m.links[clusterID])
	return out, nil
}

func (m *MemoryStore) MoveLinks(_ context.Context, fromCluster, toCluster string) ([]model.ClusterArticleLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := m.links[fromCluster]
	seen := make(map[string]bool, len(m.links[toCluster]))
	for _, l := range m.links[toCluster] {
		seen[l.ArticleID] = true
	}
	for _, l := range moved {
		if seen[l.ArticleID] {
			continue
		}
		l.ClusterID = toCluster
		m.links[toCluster] = append(m.links[toCluster], l)
	}
	delete(m.links, fromCluster)
	return moved, nil
}

func (m *MemoryStore) AppendHeatSample(_ context.Context, s model.HeatSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	m.heat[s.ClusterID] = append(m.heat[s.ClusterID], s)
	return nil
}

func (m *MemoryStore) HeatHistory(_ context.Context, clusterID string, limit int) ([]model.HeatSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := m.heat[clusterID]
	out := make([]model.HeatSample, len(samples))
	copy(out, samples)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PruneHeatBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, samples := range m.heat {
		kept := samples[:0]
		for _, s := range samples {
			if s.Timestamp.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, s)
		}
		m.heat[id] = kept
	}
	return pruned, nil
}

func (m *MemoryStore) AddCrossRef(_ context.Context, ref model.CrossRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	for _, r := range m.refs {
		if r.ClusterA == ref.ClusterA && r.ClusterB == ref.ClusterB && r.Relation == ref.Relation {
			return nil
		}
	}
	m.refs = append(m.refs, ref)
	return nil
}

func (m *MemoryStore) CrossRefs(_ context.Context, clusterID string) ([]model.CrossRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CrossRef
	for _, r := range m.refs {
		if r.ClusterA == clusterID || r.ClusterB == clusterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindOrCreateEntity(_ context.Context, name, normalized string, kind model.EntityType) (*model.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + "|" + normalized
	if e, ok := m.entities[key]; ok {
		return &e, nil
	}
	e := model.Entity{
		ID:         uuid.NewString(),
		Name:       name,
		Normalized: normalized,
		Type:       kind,
		FirstSeen:  time.Now().UTC(),
	}
	m.entities[key] = e
	return &e, nil
}

func (m *MemoryStore) LinkEntityArticle(_ context.Context, entityID, articleID string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityArticles[entityID+"|"+articleID] = confidence
	return nil
}

func (m *MemoryStore) AddEntityClusterHeat(_ context.Context, entityID, clusterID string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entityHeat[entityID+"|"+clusterID] += delta
	return nil
}

func (m *MemoryStore) EntityClusterHeat(_ context.Context, entityID, clusterID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entityHeat[entityID+"|"+clusterID], nil
}
