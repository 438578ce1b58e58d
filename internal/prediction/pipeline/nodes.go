// Package pipeline holds the idea-generation stages of the prediction agent:
// market data, news context, theorizer, backtester and idea selection.
package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"polyflux/internal/bus"
	newsmodel "polyflux/internal/news/model"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
)

// MarketIntel is the news digest matched to one market.
type MarketIntel struct {
	HeatScore      float64              `json:"heat_score"`
	Sentiment      float64              `json:"sentiment"` // [-1, 1]
	Trajectory     newsmodel.Trajectory `json:"trajectory"`
	LinkedClusters int                  `json:"linked_clusters"`
	LinkedArticles int                  `json:"linked_articles"`
	Topics         []string             `json:"topics"`
}

// MarketDataNode fetches the tradeable universe.
type MarketDataNode struct {
	src       market.DataSource
	limit     int
	minVolume float64
	now       func() time.Time
}

func NewMarketDataNode(src market.DataSource, limit int, minVolume float64) *MarketDataNode {
	if limit <= 0 {
		limit = 50
	}
	return &MarketDataNode{src: src, limit: limit, minVolume: minVolume, now: time.Now}
}

// Fetch returns open binary markets with enough volume and a price that
// leaves room for edge on either side.
func (n *MarketDataNode) Fetch(ctx context.Context) ([]model.Market, error) {
	markets, err := n.src.FetchMarkets(ctx, n.limit)
	if err != nil {
		return nil, err
	}
	now := n.now()
	out := markets[:0]
	for _, m := range markets {
		if m.Volume < n.minVolume {
			continue
		}
		if !m.OpenUntil.IsZero() && m.OpenUntil.Before(now) {
			continue
		}
		if m.LastYesPrice < 0.02 || m.LastYesPrice > 0.98 {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// NewsContext consumes hot-cluster and heat-prediction events and answers
// per-market intel lookups for the theorizer.
type NewsContext struct {
	mu          sync.RWMutex
	clusters    []newsmodel.StoryCluster
	predictions map[string]newsmodel.HeatPrediction
}

func NewNewsContext() *NewsContext {
	return &NewsContext{predictions: make(map[string]newsmodel.HeatPrediction)}
}

// Attach subscribes the context to the event bus. The returned function
// unsubscribes both handlers.
func (nc *NewsContext) Attach(ctx context.Context, events bus.Bus) (func(), error) {
	unsubHot, err := events.Subscribe(ctx, bus.TopicNewsHotClusters, func(_ context.Context, msg bus.Message) error {
		var hot []newsmodel.StoryCluster
		if err := json.Unmarshal(msg.Payload, &hot); err != nil {
			return err
		}
		nc.mu.Lock()
		nc.clusters = hot
		nc.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	unsubPred, err := events.Subscribe(ctx, bus.TopicNewsPrediction, func(_ context.Context, msg bus.Message) error {
		var pred newsmodel.HeatPrediction
		if err := json.Unmarshal(msg.Payload, &pred); err != nil {
			return err
		}
		nc.mu.Lock()
		nc.predictions[pred.ClusterID] = pred
		nc.mu.Unlock()
		return nil
	})
	if err != nil {
		unsubHot()
		return nil, err
	}
	return func() { unsubHot(); unsubPred() }, nil
}

// SetClusters replaces the cached hot clusters. Used on the pull path when
// the agents share a store instead of a bus.
func (nc *NewsContext) SetClusters(clusters []newsmodel.StoryCluster) {
	nc.mu.Lock()
	nc.clusters = clusters
	nc.mu.Unlock()
}

// ClusterCount reports how many hot clusters are cached.
func (nc *NewsContext) ClusterCount() int {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return len(nc.clusters)
}

// IntelFor matches a market title against the cached clusters. A cluster
// counts when it shares at least two long words with the title.
func (nc *NewsContext) IntelFor(m model.Market) (MarketIntel, bool) {
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	titleWords := longWords(m.Title)
	if len(titleWords) == 0 {
		return MarketIntel{}, false
	}

	var intel MarketIntel
	var weightedSentiment, totalHeat float64
	for _, c := range nc.clusters {
		clusterWords := longWords(c.Topic + " " + strings.Join(c.Keywords, " "))
		if countShared(titleWords, clusterWords) < 2 {
			continue
		}
		intel.LinkedClusters++
		intel.LinkedArticles += c.ArticleCount
		intel.HeatScore = math.Max(intel.HeatScore, c.HeatScore)
		intel.Topics = append(intel.Topics, c.Topic)
		weightedSentiment += clusterSentiment(c) * c.HeatScore
		totalHeat += c.HeatScore
		if pred, ok := nc.predictions[c.ID]; ok && intel.Trajectory == "" {
			intel.Trajectory = pred.Trajectory
		}
	}
	if intel.LinkedClusters == 0 {
		return MarketIntel{}, false
	}
	if totalHeat > 0 {
		intel.Sentiment = clip(weightedSentiment/totalHeat, -1, 1)
	}
	if intel.Trajectory == "" {
		intel.Trajectory = newsmodel.TrajectoryStable
	}
	return intel, true
}

// clusterSentiment maps trend and urgency onto [-1, 1].
func clusterSentiment(c newsmodel.StoryCluster) float64 {
	var s float64
	switch c.TrendDirection {
	case newsmodel.TrendUp:
		s = 0.6
	case newsmodel.TrendDown:
		s = -0.6
	}
	switch c.Urgency {
	case newsmodel.UrgencyHigh:
		s *= 1.2
	case newsmodel.UrgencyCritical:
		s *= 1.4
	}
	return clip(s, -1, 1)
}

// Theorizer turns markets plus intel into candidate ideas.
type Theorizer struct {
	minEdge float64
	now     func() time.Time
}

func NewTheorizer(minEdge float64) *Theorizer {
	if minEdge <= 0 {
		minEdge = 0.03
	}
	return &Theorizer{minEdge: minEdge, now: time.Now}
}

// Ideas proposes at most one idea per market: the outcome whose implied
// probability sits furthest below the news-driven belief.
func (t *Theorizer) Ideas(markets []model.Market, nc *NewsContext) []model.Idea {
	var ideas []model.Idea
	for _, m := range markets {
		intel, ok := nc.IntelFor(m)
		if !ok {
			continue
		}

		heatFactor := math.Min(1, intel.HeatScore/100)
		belief := clip(0.5+0.5*intel.Sentiment*heatFactor, 0.05, 0.95)

		yesEdge := belief - m.LastYesPrice
		noEdge := (1 - belief) - m.LastNoPrice

		outcome, edge := model.OutcomeYes, yesEdge
		if noEdge > yesEdge {
			outcome, edge = model.OutcomeNo, noEdge
		}
		if edge < t.minEdge {
			continue
		}

		confidence := clip(
			0.3+0.4*heatFactor+
				0.1*math.Min(1, float64(intel.LinkedClusters)/3)+
				0.2*math.Abs(intel.Sentiment), 0, 1)

		ideas = append(ideas, model.Idea{
			ID:                 uuid.NewString(),
			MarketID:           m.MarketID,
			MarketTitle:        m.Title,
			Outcome:            outcome,
			Edge:               edge,
			Confidence:         confidence,
			Rationale:          rationale(intel, outcome),
			HeatScore:          intel.HeatScore,
			SentimentScore:     intel.Sentiment,
			LinkedNewsCount:    intel.LinkedArticles,
			LinkedClusterCount: intel.LinkedClusters,
			TimeHorizon:        horizonFor(intel.Trajectory),
			CreatedAt:          t.now(),
		})
	}
	return ideas
}

func rationale(intel MarketIntel, outcome model.Outcome) string {
	side := "supports YES"
	if outcome == model.OutcomeNo {
		side = "supports NO"
	}
	return "news heat " + trimFloat(intel.HeatScore) + " across " +
		strings.Join(intel.Topics, "; ") + " " + side
}

func horizonFor(traj newsmodel.Trajectory) string {
	switch traj {
	case newsmodel.TrajectorySpiking, newsmodel.TrajectoryCrashing:
		return "1h"
	case newsmodel.TrajectoryGrowing, newsmodel.TrajectoryDecaying:
		return "6h"
	default:
		return "24h"
	}
}

// Backtester scores ideas against the account's realized trade history.
type Backtester struct {
	minScore float64
}

func NewBacktester(minScore float64) *Backtester {
	if minScore <= 0 {
		minScore = 0.35
	}
	return &Backtester{minScore: minScore}
}

// Score attaches a backtest score to every idea and drops the ones below
// the cutoff. The score blends idea confidence with the historical win rate
// of trades on the same outcome side.
func (b *Backtester) Score(ideas []model.Idea, history []model.Trade) []model.Idea {
	winRate := historicalWinRate(history)

	kept := ideas[:0]
	for _, idea := range ideas {
		rate, ok := winRate[idea.Outcome]
		if !ok {
			rate = 0.5
		}
		idea.BacktestScore = clip(0.6*idea.Confidence+0.4*rate, 0, 1)
		if idea.BacktestScore < b.minScore {
			log.Debug().Str("market", idea.MarketID).
				Float64("score", idea.BacktestScore).Msg("idea dropped by backtest")
			continue
		}
		kept = append(kept, idea)
	}
	return kept
}

// historicalWinRate computes the per-outcome share of profitable closes.
func historicalWinRate(history []model.Trade) map[model.Outcome]float64 {
	samples := make(map[model.Outcome][]float64)
	for _, t := range history {
		if t.Side != model.SideSell {
			continue
		}
		won := 0.0
		if t.PnL > 0 {
			won = 1.0
		}
		samples[t.Outcome] = append(samples[t.Outcome], won)
	}

	rates := make(map[model.Outcome]float64, len(samples))
	for outcome, wins := range samples {
		if len(wins) < 3 {
			continue
		}
		rates[outcome] = stat.Mean(wins, nil)
	}
	return rates
}

// SelectIdea picks the highest expected-value idea, or false when none.
func SelectIdea(ideas []model.Idea) (model.Idea, bool) {
	if len(ideas) == 0 {
		return model.Idea{}, false
	}
	sorted := make([]model.Idea, len(ideas))
	copy(sorted, ideas)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Edge*sorted[i].Confidence*sorted[i].BacktestScore >
			sorted[j].Edge*sorted[j].Confidence*sorted[j].BacktestScore
	})
	return sorted[0], true
}

func longWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?:;\"'()[]")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func countShared(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
