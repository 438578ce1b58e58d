// Package store defines the persistent surface of the clustering pipeline.
// The store is the consistency oracle: concurrent assignment workers
// serialize cluster writes through it, and (TopicKey, Category) uniqueness
// is enforced here with find-or-create semantics.
package store

import (
	"context"
	"errors"
	"time"

	"polyflux/internal/news/model"
)

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the clustering persistence interface.
type Store interface {
	// Articles. Append-only; SaveArticle on an existing id is a no-op.
	SaveArticle(ctx context.Context, a model.Article) error
	GetArticle(ctx context.Context, id string) (*model.Article, error)
	HasArticleURL(ctx context.Context, url string) (bool, error)

	// Clusters. CreateCluster returns the existing cluster when another
	// writer already created one with the same (TopicKey, Category).
	CreateCluster(ctx context.Context, c *model.StoryCluster) (*model.StoryCluster, bool, error)
	GetCluster(ctx context.Context, id string) (*model.StoryCluster, error)
	FindClusterByTopicKey(ctx context.Context, topicKey, category string) (*model.StoryCluster, error)
	UpdateCluster(ctx context.Context, c *model.StoryCluster) error
	// RecentClusters returns clusters updated at or after since, newest
	// first. Empty category means all categories.
	RecentClusters(ctx context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error)
	// TopClusters ranks by heat score descending.
	TopClusters(ctx context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error)
	DeleteCluster(ctx context.Context, id string) error

	// Links.
	AddLink(ctx context.Context, link model.ClusterArticleLink) error
	LinksForCluster(ctx context.Context, clusterID string) ([]model.ClusterArticleLink, error)
	// MoveLinks repoints every link from one cluster to another and
	// returns the moved links.
	MoveLinks(ctx context.Context, fromCluster, toCluster string) ([]model.ClusterArticleLink, error)

	// Heat history, append-only. HeatHistory returns newest first.
	AppendHeatSample(ctx context.Context, s model.HeatSample) error
	HeatHistory(ctx context.Context, clusterID string, limit int) ([]model.HeatSample, error)
	PruneHeatBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Cross references, unique by (A, B, Relation).
	AddCrossRef(ctx context.Context, ref model.CrossRef) error
	CrossRefs(ctx context.Context, clusterID string) ([]model.CrossRef, error)

	// Entities.
	FindOrCreateEntity(ctx context.Context, name, normalized string, kind model.EntityType) (*model.Entity, error)
	LinkEntityArticle(ctx context.Context, entityID, articleID string, confidence float64) error
	AddEntityClusterHeat(ctx context.Context, entityID, clusterID string, delta float64) error
	EntityClusterHeat(ctx context.Context, entityID, clusterID string) (float64, error)
}
