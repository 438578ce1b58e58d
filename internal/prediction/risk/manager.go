// Package risk implements the pre-trade gate: daily loss and trade caps,
// cooldowns, portfolio heat, correlation limits, position sizing, and the
// emergency stop.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polyflux/internal/prediction/model"
)

// Limits are the loaded-from-config risk caps.
type Limits struct {
	MaxDailyLossPct        float64
	MaxDailyLossUsd        float64
	MaxDailyTrades         int
	MaxPortfolioHeatPct    float64
	MaxPositions           int
	MaxPositionPct         float64
	CooldownAfterLoss      time.Duration
	CooldownAfterWin       time.Duration
	StopLossPct            float64
	EnableCorrelationCheck bool
	MaxCorrelatedPositions int
	MaxSlippagePct         float64
	MinMarketVolume        float64
	MaxMarketAgeDays       int
	EmergencyStopDailyLoss float64
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossPct:        0.02,
		MaxDailyLossUsd:        100,
		MaxDailyTrades:         5,
		MaxPortfolioHeatPct:    0.30,
		MaxPositions:           10,
		MaxPositionPct:         0.05,
		CooldownAfterLoss:      30 * time.Minute,
		CooldownAfterWin:       5 * time.Minute,
		StopLossPct:            0.20,
		EnableCorrelationCheck: true,
		MaxCorrelatedPositions: 2,
		MaxSlippagePct:         0.02,
		EmergencyStopDailyLoss: 0.05,
	}
}

// StateRepo persists the per-day risk ledger across restarts.
type StateRepo interface {
	LoadDailyRiskState(ctx context.Context, date string) (model.DailyRiskState, bool, error)
	SaveDailyRiskState(ctx context.Context, s model.DailyRiskState) error
}

// TradeContext carries the account view a trade is assessed against.
type TradeContext struct {
	PortfolioValue   float64
	AvailableBalance float64
	Positions        []model.Position
	// MarketTitles maps marketID to title for the correlation check.
	MarketTitles map[string]string
	// MarketVolume and MarketCreatedAt describe the market under
	// assessment. Zero values skip the corresponding quality check.
	MarketVolume    float64
	MarketCreatedAt time.Time
}

// Manager owns the daily risk ledger. All methods are safe for concurrent
// use; the ledger rolls over on the first access of each local day.
type Manager struct {
	limits Limits
	repo   StateRepo

	mu    sync.Mutex
	state model.DailyRiskState

	now func() time.Time
}

func NewManager(limits Limits, repo StateRepo) *Manager {
	return &Manager{limits: limits, repo: repo, now: time.Now}
}

const minPositionUsd = 5.0

// AssessTrade runs the pre-trade checks in order. Every failed check appends
// a warning; a rejected assessment carries size zero.
func (m *Manager) AssessTrade(ctx context.Context, idea model.Idea, tc TradeContext) model.RiskAssessment {
	m.mu.Lock()
	m.rollover(ctx)
	state := m.state
	m.mu.Unlock()

	a := model.RiskAssessment{Approved: true}
	l := m.limits

	// 1. emergency stop
	if state.EmergencyStopTriggered {
		a.Approved = false
		a.Warnings = append(a.Warnings, "Emergency stop active")
		a.RiskScore = 1
		return a
	}

	// 2. daily loss
	lossCap := math.Min(tc.PortfolioValue*l.MaxDailyLossPct, l.MaxDailyLossUsd)
	if state.DailyPnL < 0 && math.Abs(state.DailyPnL) > lossCap {
		a.Approved = false
		a.Warnings = append(a.Warnings, "Daily loss limit reached")
		if math.Abs(state.DailyPnL) > tc.PortfolioValue*l.EmergencyStopDailyLoss {
			m.TriggerEmergencyStop(ctx, fmt.Sprintf("daily loss %.2f exceeds emergency threshold", state.DailyPnL))
		}
	}

	// 3. daily trade count
	if state.Trades >= l.MaxDailyTrades {
		a.Approved = false
		a.Warnings = append(a.Warnings, "Daily trade limit reached")
	}

	// 4. cooldown
	if m.now().Before(state.CooldownUntil) {
		a.Approved = false
		a.Warnings = append(a.Warnings, fmt.Sprintf("Cooldown active until %s", state.CooldownUntil.Format(time.RFC3339)))
	}

	// 5. portfolio heat
	heat := portfolioHeat(tc.Positions, tc.PortfolioValue)
	if heat >= l.MaxPortfolioHeatPct {
		a.Approved = false
		a.Warnings = append(a.Warnings, fmt.Sprintf("Portfolio heat %.1f%% at limit", heat*100))
	}

	// 6. position count
	if len(tc.Positions) >= l.MaxPositions {
		a.Approved = false
		a.Warnings = append(a.Warnings, "Maximum positions reached")
	}

	// 7. correlation
	if l.EnableCorrelationCheck {
		if warn := m.correlationWarning(idea, tc); warn != "" {
			a.Approved = false
			a.Warnings = append(a.Warnings, warn)
		}
	}

	// 8. market quality
	if l.MinMarketVolume > 0 && tc.MarketVolume > 0 && tc.MarketVolume < l.MinMarketVolume {
		a.Approved = false
		a.Warnings = append(a.Warnings, fmt.Sprintf("Market volume %.0f below minimum %.0f", tc.MarketVolume, l.MinMarketVolume))
	}
	if l.MaxMarketAgeDays > 0 && !tc.MarketCreatedAt.IsZero() {
		maxAge := time.Duration(l.MaxMarketAgeDays) * 24 * time.Hour
		if age := m.now().Sub(tc.MarketCreatedAt); age > maxAge {
			a.Approved = false
			a.Warnings = append(a.Warnings, fmt.Sprintf("Market is %.0f days old, limit %d", age.Hours()/24, l.MaxMarketAgeDays))
		}
	}

	a.RiskScore = riskScore(idea, len(tc.Positions), l.MaxPositions)
	if !a.Approved {
		return a
	}

	// 9. position sizing
	size := tc.PortfolioValue * l.MaxPositionPct *
		(0.5 + 0.5*idea.Confidence) *
		math.Min(1+2*math.Abs(idea.Edge), 1.5) *
		math.Max(0.3, (l.MaxPortfolioHeatPct-heat)/l.MaxPortfolioHeatPct)
	if size > tc.AvailableBalance {
		size = tc.AvailableBalance
	}
	sized, _ := decimal.NewFromFloat(size).Round(2).Float64()

	floor := math.Max(minPositionUsd, tc.AvailableBalance*0.01)
	if sized < floor {
		a.Approved = false
		a.Warnings = append(a.Warnings, fmt.Sprintf("Position size %.2f below minimum %.2f", sized, floor))
		return a
	}

	a.SuggestedSizeUsd = sized
	a.MaxLossUsd = sized * l.StopLossPct
	return a
}

func (m *Manager) correlationWarning(idea model.Idea, tc TradeContext) string {
	correlated := 0
	ideaWords := longWordSet(idea.MarketTitle)
	for _, p := range tc.Positions {
		if p.MarketID == idea.MarketID {
			return fmt.Sprintf("Existing position on market %s", idea.MarketID)
		}
		title := tc.MarketTitles[p.MarketID]
		if title == "" {
			continue
		}
		if sharedWords(ideaWords, longWordSet(title)) >= 2 {
			correlated++
		}
	}
	if correlated >= m.limits.MaxCorrelatedPositions {
		return fmt.Sprintf("%d correlated positions at limit", correlated)
	}
	return ""
}

// riskScore blends edge distance, confidence gap, and book utilization,
// clipped to [0,1].
func riskScore(idea model.Idea, positions, maxPositions int) float64 {
	score := math.Min(math.Abs(idea.Edge-0.1)*2, 0.3) +
		(1-idea.Confidence)*0.3 +
		float64(positions)/float64(maxPositions)*0.2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// CheckStopLosses returns every position below the stop threshold.
func (m *Manager) CheckStopLosses(positions []model.Position) []model.StopLossExit {
	var exits []model.StopLossExit
	for _, p := range positions {
		if p.AveragePrice <= 0 {
			continue
		}
		pct := (p.LastPrice - p.AveragePrice) / p.AveragePrice
		if pct < -m.limits.StopLossPct {
			exits = append(exits, model.StopLossExit{
				Position: p,
				PnL:      (p.LastPrice - p.AveragePrice) * p.Shares,
				PnLPct:   pct,
				Reason: fmt.Sprintf("Stop loss: %s %s down %.1f%% from entry %.3f",
					p.MarketID, p.Outcome, -pct*100, p.AveragePrice),
			})
		}
	}
	return exits
}

// RecordTrade updates the daily ledger, starts the post-trade cooldown, and
// re-checks the emergency stop against the given portfolio value.
func (m *Manager) RecordTrade(ctx context.Context, t model.Trade, portfolioValue float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(ctx)

	now := m.now()
	m.state.Trades++
	m.state.TotalTrades++
	m.state.DailyPnL += t.PnL
	m.state.LastTradeTime = now
	if t.PnL < 0 {
		m.state.LosingTrades++
		m.state.CooldownUntil = now.Add(m.limits.CooldownAfterLoss)
	} else {
		m.state.WinningTrades++
		m.state.CooldownUntil = now.Add(m.limits.CooldownAfterWin)
	}

	if m.state.DailyPnL < 0 && math.Abs(m.state.DailyPnL) > portfolioValue*m.limits.EmergencyStopDailyLoss {
		m.state.EmergencyStopTriggered = true
		log.Error().
			Float64("daily_pnl", m.state.DailyPnL).
			Float64("portfolio_value", portfolioValue).
			Msg("emergency stop triggered by daily loss")
	}

	m.persist(ctx)
}

// EmergencyStopActive reports whether trading is halted.
func (m *Manager) EmergencyStopActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.EmergencyStopTriggered
}

// TriggerEmergencyStop halts trading until an explicit reset.
func (m *Manager) TriggerEmergencyStop(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.EmergencyStopTriggered {
		return
	}
	m.state.EmergencyStopTriggered = true
	m.persist(ctx)
	log.Error().Str("reason", reason).Msg("emergency stop triggered")
}

// ResetEmergencyStop clears the halt. Operator action only.
func (m *Manager) ResetEmergencyStop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.EmergencyStopTriggered = false
	m.persist(ctx)
	log.Warn().Msg("emergency stop reset")
}

// State returns a copy of today's ledger.
func (m *Manager) State(ctx context.Context) model.DailyRiskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover(ctx)
	return m.state
}

// Limits returns the configured caps.
func (m *Manager) Limits() Limits { return m.limits }

// rollover loads or creates the ledger for today. Callers hold m.mu.
func (m *Manager) rollover(ctx context.Context) {
	today := m.now().Format("2006-01-02")
	if m.state.Date == today {
		return
	}
	if m.repo != nil {
		if s, ok, err := m.repo.LoadDailyRiskState(ctx, today); err == nil && ok {
			m.state = s
			return
		}
	}
	m.state = model.DailyRiskState{Date: today}
}

func (m *Manager) persist(ctx context.Context) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveDailyRiskState(ctx, m.state); err != nil {
		log.Warn().Err(err).Str("date", m.state.Date).Msg("failed to persist daily risk state")
	}
}

func portfolioHeat(positions []model.Position, portfolioValue float64) float64 {
	if portfolioValue <= 0 {
		return 0
	}
	exposure := 0.0
	for _, p := range positions {
		exposure += p.Shares * p.LastPrice
	}
	return exposure / portfolioValue
}

func longWordSet(title string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func sharedWords(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
