// Package model holds the shared domain types of the news-ingestion and
// story-clustering pipeline.
package model

import (
	"regexp"
	"strings"
	"time"
)

// Article is a scraped news item. Articles are append-only: once stored they
// are never mutated, only linked into clusters.
type Article struct {
	ID          string    `json:"id" db:"id"`
	URL         string    `json:"url" db:"url"`
	Title       string    `json:"title" db:"title"`
	Content     string    `json:"content" db:"content"`
	Snippet     string    `json:"snippet" db:"snippet"`
	Source      string    `json:"source" db:"source"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
	Language    string    `json:"language" db:"language"`
	Categories  []string  `json:"categories"` // ordered, first is primary
	Tags        []string  `json:"tags"`
}

// PrimaryCategory returns the first category or empty.
func (a *Article) PrimaryCategory() string {
	if len(a.Categories) == 0 {
		return ""
	}
	return a.Categories[0]
}

// Summary returns the snippet, falling back to a clipped content prefix.
func (a *Article) Summary() string {
	if a.Snippet != "" {
		return a.Snippet
	}
	const max = 280
	if len(a.Content) <= max {
		return a.Content
	}
	return a.Content[:max]
}

var fingerprintStrip = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
var fingerprintSpace = regexp.MustCompile(`\s+`)

// TitleFingerprint lowercases, strips punctuation and normalizes whitespace.
// Byte-identical titles modulo case/punctuation produce the same fingerprint,
// giving O(1) duplicate detection.
func TitleFingerprint(title string) string {
	s := strings.ToLower(title)
	s = fingerprintStrip.ReplaceAllString(s, " ")
	s = fingerprintSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// EntityType is the closed set of named-entity kinds.
type EntityType string

const (
	EntityPerson         EntityType = "PERSON"
	EntityOrganization   EntityType = "ORGANIZATION"
	EntityLocation       EntityType = "LOCATION"
	EntityCountry        EntityType = "COUNTRY"
	EntityToken          EntityType = "TOKEN"
	EntityProtocol       EntityType = "PROTOCOL"
	EntityGovernmentBody EntityType = "GOVERNMENT_BODY"
	EntityEvent          EntityType = "EVENT"
	EntityAmount         EntityType = "AMOUNT"
	EntityDate           EntityType = "DATE"
)

// EntitySource records which extraction stage produced an entity.
type EntitySource string

const (
	SourceRegex  EntitySource = "regex"
	SourceLLM    EntitySource = "llm"
	SourceHybrid EntitySource = "hybrid"
)

// ExtractedEntity is one named entity found in an article.
// Within one extraction, (Type, Normalized) is unique.
type ExtractedEntity struct {
	Name       string       `json:"name"`
	Normalized string       `json:"normalized"`
	Type       EntityType   `json:"type"`
	Confidence float64      `json:"confidence"`
	Source     EntitySource `json:"source"`
}

// Key identifies the entity within a single extraction.
func (e *ExtractedEntity) Key() string {
	return string(e.Type) + "|" + e.Normalized
}

// TrendDirection of a labeled topic.
type TrendDirection string

const (
	TrendUp      TrendDirection = "UP"
	TrendDown    TrendDirection = "DOWN"
	TrendNeutral TrendDirection = "NEUTRAL"
)

// Urgency of a labeled topic.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// AILabel is the LLM-produced topical label for an article. Topic must pass
// quality validation or the article is dropped from clustering.
type AILabel struct {
	Topic          string         `json:"topic"`
	TopicKey       string         `json:"topic_key"`
	Keywords       []string       `json:"keywords"`
	SubEventType   string         `json:"sub_event_type"`
	TrendDirection TrendDirection `json:"trend_direction"`
	Urgency        Urgency        `json:"urgency"`
}

// StoryCluster is an evolving story aggregating related articles.
// TopicKey is unique per category.
type StoryCluster struct {
	ID               string         `json:"id" db:"id"`
	Topic            string         `json:"topic" db:"topic"`
	TopicKey         string         `json:"topic_key" db:"topic_key"`
	Summary          string         `json:"summary" db:"summary"`
	Category         string         `json:"category" db:"category"`
	Keywords         []string       `json:"keywords"`
	HeatScore        float64        `json:"heat_score" db:"heat_score"`
	ArticleCount     int            `json:"article_count" db:"article_count"`
	UniqueTitleCount int            `json:"unique_title_count" db:"unique_title_count"`
	TrendDirection   TrendDirection `json:"trend_direction" db:"trend_direction"`
	Urgency          Urgency        `json:"urgency" db:"urgency"`
	SubEventType     string         `json:"sub_event_type" db:"sub_event_type"`
	FirstSeen        time.Time      `json:"first_seen" db:"first_seen"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// ClusterArticleLink ties an article into a cluster. (ClusterID,
// TitleFingerprint) may repeat; uniqueTitleCount counts distinct fingerprints.
type ClusterArticleLink struct {
	ClusterID        string    `json:"cluster_id" db:"cluster_id"`
	ArticleID        string    `json:"article_id" db:"article_id"`
	TitleFingerprint string    `json:"title_fingerprint" db:"title_fingerprint"`
	HeatContribution float64   `json:"heat_contribution" db:"heat_contribution"`
	LinkedAt         time.Time `json:"linked_at" db:"linked_at"`
}

// HeatSample is one point of a cluster's append-only heat time series.
type HeatSample struct {
	ClusterID        string    `json:"cluster_id" db:"cluster_id"`
	Timestamp        time.Time `json:"timestamp" db:"ts"`
	HeatScore        float64   `json:"heat_score" db:"heat_score"`
	ArticleCount     int       `json:"article_count" db:"article_count"`
	UniqueTitleCount int       `json:"unique_title_count" db:"unique_title_count"`
	Velocity         *float64  `json:"velocity,omitempty" db:"velocity"`
}

// CrossRefRelation is the closed set of cluster-to-cluster edges. RELATED is
// undirected; MERGED_INTO and PARENT_OF are directed and form a DAG.
type CrossRefRelation string

const (
	RelationRelated    CrossRefRelation = "RELATED"
	RelationMergedInto CrossRefRelation = "MERGED_INTO"
	RelationParentOf   CrossRefRelation = "PARENT_OF"
)

// CrossRef is a cluster-to-cluster edge stored as a row with a unique
// (A, B, Relation) key.
type CrossRef struct {
	ClusterA  string           `json:"cluster_a" db:"cluster_a"`
	ClusterB  string           `json:"cluster_b" db:"cluster_b"`
	Relation  CrossRefRelation `json:"relation" db:"relation"`
	Score     float64          `json:"score" db:"score"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// Entity is a persisted named entity shared across articles and clusters.
type Entity struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Normalized string     `json:"normalized" db:"normalized"`
	Type       EntityType `json:"type" db:"type"`
	FirstSeen  time.Time  `json:"first_seen" db:"first_seen"`
}

// AnomalyType classifies a detected heat anomaly.
type AnomalyType string

const (
	AnomalySuddenSpike      AnomalyType = "SUDDEN_SPIKE"
	AnomalySuddenDrop       AnomalyType = "SUDDEN_DROP"
	AnomalyVelocity         AnomalyType = "VELOCITY_ANOMALY"
	AnomalyCrossSyndication AnomalyType = "CROSS_SYNDICATION"
)

// Severity of an anomaly, mapped from |z|.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Anomaly is one detected event on a cluster's heat series.
type Anomaly struct {
	ClusterID  string      `json:"cluster_id"`
	Type       AnomalyType `json:"type"`
	Severity   Severity    `json:"severity"`
	ZScore     float64     `json:"z_score"`
	Current    float64     `json:"current"`
	Mean       float64     `json:"mean"`
	StdDev     float64     `json:"std_dev"`
	Targets    []string    `json:"targets,omitempty"` // cross-syndication only
	DetectedAt time.Time   `json:"detected_at"`
}

// HeatPattern classifies the shape of a heat series.
type HeatPattern string

const (
	PatternOscillating  HeatPattern = "OSCILLATING_HEAT"
	PatternStep         HeatPattern = "STEP_PATTERN"
	PatternLinearDecay  HeatPattern = "LINEAR_DECAY"
	PatternLinearGrowth HeatPattern = "LINEAR_GROWTH"
)

// LifecycleStage of a story's heat curve.
type LifecycleStage string

const (
	StageEmerging LifecycleStage = "EMERGING"
	StageGrowing  LifecycleStage = "GROWING"
	StagePeak     LifecycleStage = "PEAK"
	StageDecaying LifecycleStage = "DECAYING"
	StageStable   LifecycleStage = "STABLE"
)

// Trajectory classifies the combined forecast across horizons.
type Trajectory string

const (
	TrajectorySpiking  Trajectory = "SPIKING"
	TrajectoryCrashing Trajectory = "CRASHING"
	TrajectoryGrowing  Trajectory = "GROWING"
	TrajectoryDecaying Trajectory = "DECAYING"
	TrajectoryStable   Trajectory = "STABLE"
)

// HeatForecast is one horizoned prediction.
type HeatForecast struct {
	HorizonHours int     `json:"horizon_hours"`
	Predicted    float64 `json:"predicted"`
	Confidence   float64 `json:"confidence"`
	LowerBound   float64 `json:"lower_bound"`
	UpperBound   float64 `json:"upper_bound"`
}

// HeatPrediction bundles the factor analysis and all horizon forecasts.
type HeatPrediction struct {
	ClusterID      string         `json:"cluster_id"`
	Current        float64        `json:"current"`
	TrendDirection float64        `json:"trend_direction"` // slope normalized, [-1,1]
	Volatility     float64        `json:"volatility"`
	Momentum       float64        `json:"momentum"`
	Stage          LifecycleStage `json:"stage"`
	Forecasts      []HeatForecast `json:"forecasts"`
	Trajectory     Trajectory     `json:"trajectory"`
	GeneratedAt    time.Time      `json:"generated_at"`
}
