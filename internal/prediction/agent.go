// Package prediction wires the trading agent: idea pipeline, risk gate,
// execution engine, and the background stop-loss and reconciliation loops.
package prediction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyflux/internal/bus"
	"polyflux/internal/prediction/execution"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
	"polyflux/internal/prediction/pipeline"
	"polyflux/internal/prediction/reconcile"
	"polyflux/internal/prediction/risk"
)

// Cycle steps. Every cycle terminates on one of the rightmost values.
const (
	StepInit          = "INIT"
	StepMarketData    = "MARKET_DATA"
	StepNewsContext   = "NEWS_CONTEXT"
	StepTheorize      = "THEORIZE"
	StepBacktest      = "BACKTEST"
	StepIdeaSelected  = "IDEA_SELECTED"
	StepRiskChecked   = "RISK_CHECKED"
	StepExecuted      = "EXECUTED"
	StepSkippedExec   = "SKIPPED_EXEC"
	StepLearned       = "LEARNED"
	StepIdle          = "IDLE"
	StepError         = "ERROR"
	StepEmergencyStop = "EMERGENCY_STOP"
	StepNoMarkets     = "NO_MARKETS"
)

const (
	stopLossEvery  = 30 * time.Second
	reconcileEvery = 300 * time.Second
)

// StatusRepo persists per-cycle agent status records.
type StatusRepo interface {
	SaveAgentStatus(ctx context.Context, s model.AgentStatus) error
}

// Learner observes executed trades. Only the EXECUTED branch reaches it.
type Learner interface {
	Learn(ctx context.Context, idea model.Idea, trade model.Trade) error
	History() []model.Trade
}

// MemoryLearner keeps executed trades in memory and feeds them back into
// the backtester as win-rate history.
type MemoryLearner struct {
	mu     sync.RWMutex
	trades []model.Trade
}

func NewMemoryLearner() *MemoryLearner { return &MemoryLearner{} }

func (l *MemoryLearner) Learn(_ context.Context, _ model.Idea, trade model.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, trade)
	return nil
}

func (l *MemoryLearner) History() []model.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// AgentConfig tunes the cycle.
type AgentConfig struct {
	CycleInterval time.Duration
	MarketLimit   int
	MinVolume     float64
	MinEdge       float64
	MinBacktest   float64
}

// AgentDeps are the collaborators the agent orchestrates.
type AgentDeps struct {
	Source     market.DataSource
	Engine     *execution.Engine
	Risk       *risk.Manager
	Reconciler *reconcile.Reconciler
	News       *pipeline.NewsContext
	Learner    Learner
	Status     StatusRepo
	Events     bus.Bus
}

// Agent runs the prediction cycle as a linear state machine and owns the
// stop-loss and reconciliation loops.
type Agent struct {
	cfg        AgentConfig
	markets    *pipeline.MarketDataNode
	theorizer  *pipeline.Theorizer
	backtester *pipeline.Backtester
	news       *pipeline.NewsContext
	engine     *execution.Engine
	risk       *risk.Manager
	reconciler *reconcile.Reconciler
	source     market.DataSource
	learner    Learner
	statusRepo StatusRepo
	events     bus.Bus

	mu     sync.RWMutex
	status model.AgentStatus
	now    func() time.Time
}

func NewAgent(cfg AgentConfig, deps AgentDeps) *Agent {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	learner := deps.Learner
	if learner == nil {
		learner = NewMemoryLearner()
	}
	return &Agent{
		cfg:        cfg,
		markets:    pipeline.NewMarketDataNode(deps.Source, cfg.MarketLimit, cfg.MinVolume),
		theorizer:  pipeline.NewTheorizer(cfg.MinEdge),
		backtester: pipeline.NewBacktester(cfg.MinBacktest),
		news:       deps.News,
		engine:     deps.Engine,
		risk:       deps.Risk,
		reconciler: deps.Reconciler,
		source:     deps.Source,
		learner:    learner,
		statusRepo: deps.Status,
		events:     deps.Events,
		now:        time.Now,
	}
}

// Run drives cycles and background loops until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		a.stopLossLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.engine.StartPendingMonitor(ctx)
	}()
	go func() {
		defer wg.Done()
		if a.reconciler != nil {
			a.reconciler.Run(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			a.RunCycle(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	wg.Wait()
}

// RunCycle executes one pass of the state machine and returns the terminal
// step string.
func (a *Agent) RunCycle(ctx context.Context) string {
	cycleID := uuid.NewString()
	a.push(ctx, cycleID, StepInit, model.AgentRunning, 0, 0)

	if a.risk.EmergencyStopActive() {
		log.Warn().Str("cycle", cycleID).Msg("emergency stop active, cycle halted")
		return a.terminal(ctx, cycleID, StepEmergencyStop, model.AgentError, 0, 0)
	}

	markets, err := a.markets.Fetch(ctx)
	if err != nil {
		log.Error().Err(err).Str("cycle", cycleID).Msg("market data fetch failed")
		return a.terminal(ctx, cycleID, StepError, model.AgentError, 0, 0)
	}
	if len(markets) == 0 {
		return a.terminal(ctx, cycleID, StepNoMarkets, model.AgentIdle, 0, 0)
	}
	a.push(ctx, cycleID, StepMarketData, model.AgentRunning, len(markets), 0)

	a.push(ctx, cycleID, StepNewsContext, model.AgentRunning, len(markets), 0)

	ideas := a.theorizer.Ideas(markets, a.news)
	a.push(ctx, cycleID, StepTheorize, model.AgentRunning, len(markets), len(ideas))
	if len(ideas) == 0 {
		return a.terminal(ctx, cycleID, StepIdle, model.AgentIdle, len(markets), 0)
	}

	scored := a.backtester.Score(ideas, a.learner.History())
	a.push(ctx, cycleID, StepBacktest, model.AgentRunning, len(markets), len(scored))

	idea, ok := pipeline.SelectIdea(scored)
	if !ok {
		return a.terminal(ctx, cycleID, StepIdle, model.AgentIdle, len(markets), len(scored))
	}
	a.push(ctx, cycleID, StepIdeaSelected, model.AgentRunning, len(markets), len(scored))

	sig, err := a.buildSignal(ctx, markets, idea)
	if err != nil {
		log.Error().Err(err).Str("cycle", cycleID).Str("market", idea.MarketID).Msg("quote refresh failed")
		return a.terminal(ctx, cycleID, StepError, model.AgentError, len(markets), len(scored))
	}

	pf := a.engine.GetPortfolio()
	mkt := findMarket(markets, idea.MarketID)
	assessment := a.risk.AssessTrade(ctx, idea, risk.TradeContext{
		PortfolioValue:   pf.TotalValue,
		AvailableBalance: pf.AvailableBalance,
		Positions:        a.engine.SnapshotPositions(),
		MarketTitles:     marketTitles(markets),
		MarketVolume:     mkt.Volume,
		MarketCreatedAt:  mkt.CreatedAt,
	})
	a.push(ctx, cycleID, StepRiskChecked, model.AgentRunning, len(markets), len(scored))

	if !assessment.Approved {
		log.Info().Str("cycle", cycleID).Strs("warnings", assessment.Warnings).Msg("trade skipped by risk gate")
		if a.risk.EmergencyStopActive() {
			return a.terminal(ctx, cycleID, StepEmergencyStop, model.AgentError, len(markets), len(scored))
		}
		return a.terminal(ctx, cycleID, StepSkippedExec, model.AgentIdle, len(markets), len(scored))
	}

	trade, err := a.engine.ExecuteSignal(ctx, sig, assessment, idea.MarketTitle)
	if err != nil {
		log.Error().Err(err).Str("cycle", cycleID).Msg("execution failed")
		return a.terminal(ctx, cycleID, StepError, model.AgentError, len(markets), len(scored))
	}
	a.push(ctx, cycleID, StepExecuted, model.AgentRunning, len(markets), len(scored))

	if err := a.learner.Learn(ctx, idea, trade); err != nil {
		log.Warn().Err(err).Str("cycle", cycleID).Msg("learner update failed")
	}
	a.push(ctx, cycleID, StepLearned, model.AgentRunning, len(markets), len(scored))

	return a.terminal(ctx, cycleID, StepIdle, model.AgentIdle, len(markets), len(scored))
}

// buildSignal refreshes the quote for the chosen market, pushes the price
// into the engine, and shapes the executable signal.
func (a *Agent) buildSignal(ctx context.Context, markets []model.Market, idea model.Idea) (model.Signal, error) {
	m := findMarket(markets, idea.MarketID)

	quote, err := a.source.FetchQuote(ctx, m)
	if err != nil {
		return model.Signal{}, err
	}
	a.engine.UpdateMarketPrice(ctx, m.MarketID, quote.Yes, quote.No)

	price := quote.Yes
	if idea.Outcome == model.OutcomeNo {
		price = quote.No
	}
	return model.Signal{
		MarketID:       idea.MarketID,
		Outcome:        idea.Outcome,
		Action:         model.ActionBuy,
		Price:          price,
		PriceTimestamp: quote.At,
		Reason:         idea.Rationale,
	}, nil
}

// stopLossLoop sweeps open positions and closes any that breach the stop.
func (a *Agent) stopLossLoop(ctx context.Context) {
	ticker := time.NewTicker(stopLossEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepStopLosses(ctx)
		}
	}
}

func (a *Agent) sweepStopLosses(ctx context.Context) {
	exits := a.engine.CheckStopLosses()
	for _, exit := range exits {
		pos := exit.Position
		log.Warn().
			Str("market", pos.MarketID).
			Float64("pnl_pct", exit.PnLPct).
			Msg(exit.Reason)

		if a.events != nil {
			if err := a.events.Publish(ctx, bus.TopicStopLoss, exit); err != nil {
				log.Warn().Err(err).Msg("failed to publish stop-loss event")
			}
		}

		sig := model.Signal{
			MarketID:       pos.MarketID,
			Outcome:        pos.Outcome,
			Action:         model.ActionSell,
			Price:          pos.LastPrice,
			PriceTimestamp: a.now(),
			Reason:         exit.Reason,
		}
		// the stop itself is the approval; sells cap at held shares
		ra := model.RiskAssessment{Approved: true, SuggestedSizeUsd: pos.Shares * pos.LastPrice}
		if _, err := a.engine.ExecuteSignal(ctx, sig, ra, ""); err != nil {
			log.Error().Err(err).Str("market", pos.MarketID).Msg("stop-loss close failed")
		}
	}
}

// Status returns the latest pushed status record.
func (a *Agent) Status() model.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) terminal(ctx context.Context, cycleID, step string, state model.AgentStatusState, markets, ideas int) string {
	a.push(ctx, cycleID, step, state, markets, ideas)
	return step
}

func (a *Agent) push(ctx context.Context, cycleID, step string, state model.AgentStatusState, markets, ideas int) {
	s := model.AgentStatus{
		Agent:       "prediction",
		CycleID:     cycleID,
		Status:      state,
		CurrentStep: step,
		Portfolio:   a.engine.GetPortfolio(),
		MarketsSeen: markets,
		IdeasScored: ideas,
		UpdatedAt:   a.now(),
	}
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()

	if a.statusRepo != nil {
		if err := a.statusRepo.SaveAgentStatus(ctx, s); err != nil {
			log.Warn().Err(err).Str("cycle", cycleID).Msg("failed to persist agent status")
		}
	}
}

func findMarket(markets []model.Market, id string) model.Market {
	for _, m := range markets {
		if m.MarketID == id {
			return m
		}
	}
	return model.Market{}
}

func marketTitles(markets []model.Market) map[string]string {
	out := make(map[string]string, len(markets))
	for _, m := range markets {
		out[m.MarketID] = m.Title
	}
	return out
}
