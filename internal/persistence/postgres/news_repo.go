package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"polyflux/internal/news/model"
	"polyflux/internal/news/store"
)

// NewsRepo implements store.Store on PostgreSQL.
type NewsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewNewsRepo(db *sqlx.DB) *NewsRepo {
	return &NewsRepo{db: db, timeout: defaultQueryTimeout}
}

var _ store.Store = (*NewsRepo)(nil)

func (r *NewsRepo) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.timeout)
}

func (r *NewsRepo) SaveArticle(parent context.Context, a model.Article) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO articles (id, url, title, content, snippet, source, published_at, language, categories, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.URL, a.Title, a.Content, a.Snippet, a.Source, a.PublishedAt, a.Language,
		pq.Array(a.Categories), pq.Array(a.Tags))
	if err != nil {
		return fmt.Errorf("save article: %w", err)
	}
	return nil
}

func (r *NewsRepo) GetArticle(parent context.Context, id string) (*model.Article, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var a model.Article
	var categories, tags pq.StringArray
	err := r.db.QueryRowxContext(ctx, `
		SELECT id, url, title, content, snippet, source, published_at, language, categories, tags
		FROM articles WHERE id = $1`, id).
		Scan(&a.ID, &a.URL, &a.Title, &a.Content, &a.Snippet, &a.Source, &a.PublishedAt,
			&a.Language, &categories, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	a.Categories = categories
	a.Tags = tags
	return &a, nil
}

func (r *NewsRepo) HasArticleURL(parent context.Context, url string) (bool, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check article url: %w", err)
	}
	return exists, nil
}

const clusterColumns = `id, topic, topic_key, summary, category, keywords, heat_score,
	article_count, unique_title_count, trend_direction, urgency, sub_event_type,
	first_seen, updated_at`

func (r *NewsRepo) CreateCluster(parent context.Context, c *model.StoryCluster) (*model.StoryCluster, bool, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (topic_key, category) WHERE deleted_at IS NULL DO NOTHING`,
		c.ID, c.Topic, c.TopicKey, c.Summary, c.Category, pq.Array(c.Keywords), c.HeatScore,
		c.ArticleCount, c.UniqueTitleCount, c.TrendDirection, c.Urgency, c.SubEventType,
		c.FirstSeen, c.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create cluster: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// another writer won the (topic_key, category) race
		existing, err := r.FindClusterByTopicKey(parent, c.TopicKey, c.Category)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return c, true, nil
}

func (r *NewsRepo) GetCluster(parent context.Context, id string) (*model.StoryCluster, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	return r.scanCluster(r.db.QueryRowxContext(ctx, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *NewsRepo) FindClusterByTopicKey(parent context.Context, topicKey, category string) (*model.StoryCluster, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	return r.scanCluster(r.db.QueryRowxContext(ctx, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE topic_key = $1 AND category = $2 AND deleted_at IS NULL`, topicKey, category))
}

func (r *NewsRepo) scanCluster(row *sqlx.Row) (*model.StoryCluster, error) {
	var c model.StoryCluster
	var keywords pq.StringArray
	err := row.Scan(&c.ID, &c.Topic, &c.TopicKey, &c.Summary, &c.Category, &keywords,
		&c.HeatScore, &c.ArticleCount, &c.UniqueTitleCount, &c.TrendDirection,
		&c.Urgency, &c.SubEventType, &c.FirstSeen, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.Keywords = keywords
	return &c, nil
}

func (r *NewsRepo) UpdateCluster(parent context.Context, c *model.StoryCluster) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET topic = $2, summary = $3, keywords = $4, heat_score = $5,
			article_count = $6, unique_title_count = $7, trend_direction = $8,
			urgency = $9, sub_event_type = $10, updated_at = $11
		WHERE id = $1 AND deleted_at IS NULL`,
		c.ID, c.Topic, c.Summary, pq.Array(c.Keywords), c.HeatScore,
		c.ArticleCount, c.UniqueTitleCount, c.TrendDirection, c.Urgency,
		c.SubEventType, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update cluster: %w", err)
	}
	return nil
}

func (r *NewsRepo) RecentClusters(parent context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error) {
	return r.listClusters(parent, category, since, limit, "updated_at DESC")
}

func (r *NewsRepo) TopClusters(parent context.Context, category string, since time.Time, limit int) ([]model.StoryCluster, error) {
	return r.listClusters(parent, category, since, limit, "heat_score DESC")
}

func (r *NewsRepo) listClusters(parent context.Context, category string, since time.Time, limit int, order string) ([]model.StoryCluster, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()

	query := `SELECT ` + clusterColumns + ` FROM clusters
		WHERE deleted_at IS NULL AND updated_at >= $1`
	args := []any{since}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY ` + order + fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []model.StoryCluster
	for rows.Next() {
		var c model.StoryCluster
		var keywords pq.StringArray
		if err := rows.Scan(&c.ID, &c.Topic, &c.TopicKey, &c.Summary, &c.Category, &keywords,
			&c.HeatScore, &c.ArticleCount, &c.UniqueTitleCount, &c.TrendDirection,
			&c.Urgency, &c.SubEventType, &c.FirstSeen, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster row: %w", err)
		}
		c.Keywords = keywords
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *NewsRepo) DeleteCluster(parent context.Context, id string) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx,
		`UPDATE clusters SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	return nil
}

func (r *NewsRepo) AddLink(parent context.Context, link model.ClusterArticleLink) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cluster_articles (cluster_id, article_id, title_fingerprint, heat_contribution, linked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cluster_id, article_id) DO NOTHING`,
		link.ClusterID, link.ArticleID, link.TitleFingerprint, link.HeatContribution, link.LinkedAt)
	if err != nil {
		return fmt.Errorf("add link: %w", err)
	}
	return nil
}

func (r *NewsRepo) LinksForCluster(parent context.Context, clusterID string) ([]model.ClusterArticleLink, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var out []model.ClusterArticleLink
	err := r.db.SelectContext(ctx, &out, `
		SELECT cluster_id, article_id, title_fingerprint, heat_contribution, linked_at
		FROM cluster_articles WHERE cluster_id = $1 ORDER BY linked_at`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("links for cluster: %w", err)
	}
	return out, nil
}

func (r *NewsRepo) MoveLinks(parent context.Context, fromCluster, toCluster string) ([]model.ClusterArticleLink, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("move links: %w", err)
	}
	defer tx.Rollback()

	// drop links whose article is already in the target, then repoint
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cluster_articles src
		WHERE src.cluster_id = $1 AND EXISTS (
			SELECT 1 FROM cluster_articles dst
			WHERE dst.cluster_id = $2 AND dst.article_id = src.article_id
		)`, fromCluster, toCluster); err != nil {
		return nil, fmt.Errorf("move links dedup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cluster_articles SET cluster_id = $2 WHERE cluster_id = $1`,
		fromCluster, toCluster); err != nil {
		return nil, fmt.Errorf("move links update: %w", err)
	}

	var out []model.ClusterArticleLink
	if err := tx.SelectContext(ctx, &out, `
		SELECT cluster_id, article_id, title_fingerprint, heat_contribution, linked_at
		FROM cluster_articles WHERE cluster_id = $1`, toCluster); err != nil {
		return nil, fmt.Errorf("move links select: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("move links commit: %w", err)
	}
	return out, nil
}

func (r *NewsRepo) AppendHeatSample(parent context.Context, s model.HeatSample) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO heat_history (cluster_id, ts, heat_score, article_count, unique_title_count, velocity)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ClusterID, s.Timestamp, s.HeatScore, s.ArticleCount, s.UniqueTitleCount, s.Velocity)
	if err != nil {
		return fmt.Errorf("append heat sample: %w", err)
	}
	return nil
}

func (r *NewsRepo) HeatHistory(parent context.Context, clusterID string, limit int) ([]model.HeatSample, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var out []model.HeatSample
	err := r.db.SelectContext(ctx, &out, `
		SELECT cluster_id, ts, heat_score, article_count, unique_title_count, velocity
		FROM heat_history WHERE cluster_id = $1
		ORDER BY ts DESC LIMIT $2`, clusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("heat history: %w", err)
	}
	return out, nil
}

func (r *NewsRepo) PruneHeatBefore(parent context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM heat_history WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune heat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *NewsRepo) AddCrossRef(parent context.Context, ref model.CrossRef) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cross_refs (cluster_a, cluster_b, relation, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cluster_a, cluster_b, relation) DO UPDATE SET score = EXCLUDED.score`,
		ref.ClusterA, ref.ClusterB, ref.Relation, ref.Score)
	if err != nil {
		return fmt.Errorf("add cross ref: %w", err)
	}
	return nil
}

func (r *NewsRepo) CrossRefs(parent context.Context, clusterID string) ([]model.CrossRef, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var out []model.CrossRef
	err := r.db.SelectContext(ctx, &out, `
		SELECT cluster_a, cluster_b, relation, score, created_at
		FROM cross_refs WHERE cluster_a = $1 OR cluster_b = $1`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cross refs: %w", err)
	}
	return out, nil
}

func (r *NewsRepo) FindOrCreateEntity(parent context.Context, name, normalized string, kind model.EntityType) (*model.Entity, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()

	var e model.Entity
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO entities (id, name, normalized, type)
		VALUES (gen_random_uuid()::text, $1, $2, $3)
		ON CONFLICT (normalized, type) DO UPDATE SET name = entities.name
		RETURNING id, name, normalized, type, first_seen`,
		name, normalized, kind).
		Scan(&e.ID, &e.Name, &e.Normalized, &e.Type, &e.FirstSeen)
	if err != nil {
		return nil, fmt.Errorf("find or create entity: %w", err)
	}
	return &e, nil
}

func (r *NewsRepo) LinkEntityArticle(parent context.Context, entityID, articleID string, confidence float64) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entity_articles (entity_id, article_id, confidence)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, article_id) DO UPDATE SET confidence = GREATEST(entity_articles.confidence, EXCLUDED.confidence)`,
		entityID, articleID, confidence)
	if err != nil {
		return fmt.Errorf("link entity article: %w", err)
	}
	return nil
}

func (r *NewsRepo) AddEntityClusterHeat(parent context.Context, entityID, clusterID string, delta float64) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entity_cluster_heat (entity_id, cluster_id, heat)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, cluster_id) DO UPDATE SET heat = entity_cluster_heat.heat + EXCLUDED.heat`,
		entityID, clusterID, delta)
	if err != nil {
		return fmt.Errorf("add entity cluster heat: %w", err)
	}
	return nil
}

func (r *NewsRepo) EntityClusterHeat(parent context.Context, entityID, clusterID string) (float64, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var heat float64
	err := r.db.QueryRowContext(ctx, `
		SELECT heat FROM entity_cluster_heat WHERE entity_id = $1 AND cluster_id = $2`,
		entityID, clusterID).Scan(&heat)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("entity cluster heat: %w", err)
	}
	return heat, nil
}
