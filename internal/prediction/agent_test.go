package prediction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/bus"
	newsmodel "polyflux/internal/news/model"
	"polyflux/internal/prediction/execution"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
	"polyflux/internal/prediction/pipeline"
	"polyflux/internal/prediction/risk"
)

type agentSource struct {
	markets []model.Market
	err     error
}

func (s *agentSource) FetchMarkets(_ context.Context, _ int) ([]model.Market, error) {
	return s.markets, s.err
}

func (s *agentSource) FetchQuote(_ context.Context, m model.Market) (market.Quote, error) {
	return market.Quote{MarketID: m.MarketID, Yes: m.LastYesPrice, No: m.LastNoPrice, At: time.Now()}, nil
}

type memStatusRepo struct {
	mu       sync.Mutex
	statuses []model.AgentStatus
}

func (r *memStatusRepo) SaveAgentStatus(_ context.Context, s model.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return nil
}

func (r *memStatusRepo) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.CurrentStep
	}
	return out
}

func hotMarket() model.Market {
	return model.Market{
		MarketID:     "m-fed",
		Title:        "Will the Fed cut rates in September?",
		Outcomes:     []string{"Yes", "No"},
		LastYesPrice: 0.60,
		LastNoPrice:  0.40,
		Volume:       50000,
		OpenUntil:    time.Now().Add(30 * 24 * time.Hour),
	}
}

func hotCluster() newsmodel.StoryCluster {
	return newsmodel.StoryCluster{
		ID:             "c1",
		Topic:          "Fed signals September rate cut",
		Category:       "macro",
		Keywords:       []string{"fed", "rates", "september", "cut"},
		HeatScore:      80,
		ArticleCount:   12,
		TrendDirection: newsmodel.TrendUp,
	}
}

func newTestAgent(t *testing.T, src *agentSource, limits risk.Limits) (*Agent, *memStatusRepo, *execution.Engine) {
	t.Helper()
	riskMgr := risk.NewManager(limits, nil)
	engine := execution.NewEngine(
		execution.Config{InitialBalance: 10000, PaperTrading: true},
		riskMgr, market.NewPaperVenue(), nil, bus.NewMemoryBus())

	news := pipeline.NewNewsContext()
	news.SetClusters([]newsmodel.StoryCluster{hotCluster()})

	statuses := &memStatusRepo{}
	agent := NewAgent(AgentConfig{MarketLimit: 50, MinVolume: 1000, MinEdge: 0.03}, AgentDeps{
		Source: src,
		Engine: engine,
		Risk:   riskMgr,
		News:   news,
		Status: statuses,
		Events: bus.NewMemoryBus(),
	})
	return agent, statuses, engine
}

func TestRunCycleExecutesAndLearns(t *testing.T) {
	src := &agentSource{markets: []model.Market{hotMarket()}}
	agent, statuses, engine := newTestAgent(t, src, risk.DefaultLimits())

	step := agent.RunCycle(context.Background())
	assert.Equal(t, StepIdle, step)

	steps := statuses.steps()
	assert.Contains(t, steps, StepIdeaSelected)
	assert.Contains(t, steps, StepRiskChecked)
	assert.Contains(t, steps, StepExecuted)
	assert.Contains(t, steps, StepLearned)

	pf := engine.GetPortfolio()
	assert.Equal(t, 1, pf.PositionCount)
	assert.Less(t, pf.AvailableBalance, 10000.0)

	require.Len(t, agent.learner.History(), 1)
	assert.Equal(t, "m-fed", agent.learner.History()[0].MarketID)

	status := agent.Status()
	assert.Equal(t, StepIdle, status.CurrentStep)
	assert.Equal(t, 1, status.MarketsSeen)
	assert.Equal(t, model.AgentIdle, status.Status)
}

func TestRunCycleNoMarkets(t *testing.T) {
	agent, _, _ := newTestAgent(t, &agentSource{}, risk.DefaultLimits())
	assert.Equal(t, StepNoMarkets, agent.RunCycle(context.Background()))
}

func TestRunCycleIdleWithoutNewsEdge(t *testing.T) {
	m := hotMarket()
	m.Title = "Will it snow in Lisbon this winter?"
	agent, _, _ := newTestAgent(t, &agentSource{markets: []model.Market{m}}, risk.DefaultLimits())
	assert.Equal(t, StepIdle, agent.RunCycle(context.Background()))
	assert.Empty(t, agent.learner.History())
}

func TestRunCycleSkipsWhenRiskRejects(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxPositionPct = 0.0001 // sizes below the $5 floor
	src := &agentSource{markets: []model.Market{hotMarket()}}
	agent, statuses, engine := newTestAgent(t, src, limits)

	assert.Equal(t, StepSkippedExec, agent.RunCycle(context.Background()))
	assert.Equal(t, 0, engine.GetPortfolio().PositionCount)
	assert.Contains(t, statuses.steps(), StepRiskChecked)
	assert.Empty(t, agent.learner.History())
}

func TestRunCycleHaltsOnEmergencyStop(t *testing.T) {
	src := &agentSource{markets: []model.Market{hotMarket()}}
	agent, _, _ := newTestAgent(t, src, risk.DefaultLimits())

	agent.risk.TriggerEmergencyStop(context.Background(), "manual halt")
	assert.Equal(t, StepEmergencyStop, agent.RunCycle(context.Background()))
}

func TestSweepStopLossesClosesBreachedPositions(t *testing.T) {
	src := &agentSource{markets: []model.Market{hotMarket()}}
	agent, _, engine := newTestAgent(t, src, risk.DefaultLimits())
	ctx := context.Background()

	require.Equal(t, StepIdle, agent.RunCycle(ctx))
	require.Equal(t, 1, engine.GetPortfolio().PositionCount)

	// mark the position down 25%, past the 20% stop
	engine.UpdateMarketPrice(ctx, "m-fed", 0.45, 0.55)
	agent.sweepStopLosses(ctx)

	assert.Equal(t, 0, engine.GetPortfolio().PositionCount)
	assert.Negative(t, engine.GetPortfolio().RealizedPnL)
}
