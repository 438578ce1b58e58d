package execution

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyflux/internal/bus"
	"polyflux/internal/overfill"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
	"polyflux/internal/prediction/risk"
)

type memTradeRepo struct {
	mu        sync.Mutex
	trades    []model.Trade
	positions map[string]model.Position
}

func newMemTradeRepo() *memTradeRepo {
	return &memTradeRepo{positions: make(map[string]model.Position)}
}

func (r *memTradeRepo) SaveTrade(_ context.Context, t model.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *memTradeRepo) UpsertPosition(_ context.Context, p model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.Key()] = p
	return nil
}

func (r *memTradeRepo) DeletePosition(_ context.Context, marketID string, outcome model.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, marketID+"|"+string(outcome))
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *memTradeRepo) {
	t.Helper()
	if cfg.InitialBalance == 0 {
		cfg.InitialBalance = 1000
	}
	repo := newMemTradeRepo()
	eng := NewEngine(cfg, risk.NewManager(risk.DefaultLimits(), nil), market.NewPaperVenue(), repo, bus.NewMemoryBus())
	return eng, repo
}

func buySignal(now time.Time) model.Signal {
	return model.Signal{
		MarketID:       "m1",
		Outcome:        model.OutcomeYes,
		Action:         model.ActionBuy,
		Price:          0.50,
		PriceTimestamp: now,
		Reason:         "edge over book",
	}
}

func approved(size float64) model.RiskAssessment {
	return model.RiskAssessment{Approved: true, SuggestedSizeUsd: size, RiskScore: 0.2}
}

func TestExecuteSignalBuyThenSell(t *testing.T) {
	eng, repo := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	trade, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "Will it rain?")
	require.NoError(t, err)
	assert.Equal(t, model.SideBuy, trade.Side)
	assert.InDelta(t, 200.0, trade.Shares, 1e-9)
	assert.InDelta(t, 0.10, trade.Fee, 1e-9) // 0.1% of $100

	pf := eng.GetPortfolio()
	assert.InDelta(t, 1000-100-0.10, pf.AvailableBalance, 1e-9)
	assert.Equal(t, 1, pf.PositionCount)
	assert.InDelta(t, 100.0, pf.UsedBalance, 1e-9)

	// exit the full position at a better price
	sell := buySignal(now)
	sell.Action = model.ActionSell
	sell.Price = 0.60
	trade, err = eng.ExecuteSignal(ctx, sell, approved(200), "take profit")
	require.NoError(t, err)
	assert.Equal(t, model.SideSell, trade.Side)
	assert.InDelta(t, 200.0, trade.Shares, 1e-9) // capped at held shares
	// pnl = (0.60-0.50)*200 - fee(0.12) = 19.88
	assert.InDelta(t, 19.88, trade.PnL, 1e-9)

	pf = eng.GetPortfolio()
	assert.Equal(t, 0, pf.PositionCount)
	assert.InDelta(t, 19.88, pf.RealizedPnL, 1e-9)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.trades, 2)
	assert.Empty(t, repo.positions)
}

func TestExecuteSignalRejectsHoldAndStalePrice(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	sig := buySignal(now)
	sig.Action = model.ActionHold
	_, err := eng.ExecuteSignal(ctx, sig, approved(50), "")
	assert.ErrorIs(t, err, errHoldSignal)

	sig = buySignal(now.Add(-61 * time.Second))
	_, err = eng.ExecuteSignal(ctx, sig, approved(50), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")

	sig = buySignal(now)
	_, err = eng.ExecuteSignal(ctx, sig, model.RiskAssessment{Approved: false, SuggestedSizeUsd: 50}, "")
	assert.ErrorIs(t, err, errNotApproved)
}

func TestExecuteSignalRejectsInsufficientCash(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: true, InitialBalance: 40})
	now := time.Now()
	eng.now = func() time.Time { return now }

	_, err := eng.ExecuteSignal(context.Background(), buySignal(now), approved(50), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds cash")

	// the failed pending order must not block the market
	_, err = eng.ExecuteSignal(context.Background(), buySignal(now), approved(30), "")
	assert.NoError(t, err)
}

func TestOnePendingOrderPerMarket(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }

	eng.mu.Lock()
	eng.pending["p1"] = &model.PendingOrder{ID: "p1", MarketID: "m1", Status: model.PendingNew, CreatedAt: now}
	eng.pendingByMarket["m1"] = "p1"
	eng.mu.Unlock()

	_, err := eng.ExecuteSignal(context.Background(), buySignal(now), approved(50), "")
	assert.ErrorIs(t, err, errPendingExists)
}

func TestPendingMonitorCancelsTimedOutOrders(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: true, OrderTimeout: 30 * time.Second})
	now := time.Now()
	eng.now = func() time.Time { return now }

	eng.mu.Lock()
	eng.pending["old"] = &model.PendingOrder{ID: "old", MarketID: "m1", Status: model.PendingNew, CreatedAt: now.Add(-31 * time.Second)}
	eng.pending["fresh"] = &model.PendingOrder{ID: "fresh", MarketID: "m2", Status: model.PendingNew, CreatedAt: now.Add(-5 * time.Second)}
	eng.mu.Unlock()

	assert.Equal(t, 1, eng.CancelStalePending())

	p, ok := eng.PendingOrder("old")
	require.True(t, ok)
	assert.Equal(t, model.PendingCancelled, p.Status)
	assert.Equal(t, "Order timeout", p.Reason)

	p, _ = eng.PendingOrder("fresh")
	assert.Equal(t, model.PendingNew, p.Status)
}

func TestLiveModeFeesAndSlippageGate(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: false, MaxSlippagePct: 0.02})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	// book moved 4% against the submitted price
	eng.UpdateMarketPrice(ctx, "m1", 0.52, 0.48)
	_, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slippage")

	// within tolerance the buy clears with the live fee
	eng.UpdateMarketPrice(ctx, "m1", 0.505, 0.495)
	trade, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, trade.Fee, 1e-9) // 2% of $100

	// sells are not gated by default
	sell := buySignal(now)
	sell.Action = model.ActionSell
	sell.Price = 0.50
	eng.UpdateMarketPrice(ctx, "m1", 0.60, 0.40)
	_, err = eng.ExecuteSignal(ctx, sell, approved(100), "")
	assert.NoError(t, err)
}

// overfillVenue reports more shares than were submitted.
type overfillVenue struct {
	*market.PaperVenue
	extra float64
}

func (v *overfillVenue) Submit(ctx context.Context, tr model.Trade) (model.Fill, error) {
	fill, err := v.PaperVenue.Submit(ctx, tr)
	fill.FillQty += v.extra
	return fill, err
}

func TestVenueReportedFillGovernsTheBook(t *testing.T) {
	newEng := func(extra float64, cfg Config) *Engine {
		cfg.InitialBalance = 1000
		cfg.PaperTrading = true
		venue := &overfillVenue{PaperVenue: market.NewPaperVenue(), extra: extra}
		return NewEngine(cfg, nil, venue, newMemTradeRepo(), bus.NewMemoryBus())
	}
	now := time.Now()
	ctx := context.Background()

	t.Run("within tolerance books the venue quantity", func(t *testing.T) {
		eng := newEng(1, Config{}) // 201 vs 200 requested, inside 1%
		eng.now = func() time.Time { return now }
		trade, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
		require.NoError(t, err)
		assert.InDelta(t, 201.0, trade.Shares, 1e-9)
	})

	t.Run("auto-adjust trims past tolerance", func(t *testing.T) {
		eng := newEng(20, Config{}) // 220 vs 200 requested
		eng.now = func() time.Time { return now }
		trade, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
		require.NoError(t, err)
		assert.InDelta(t, 200.0, trade.Shares, 1e-9)

		events := eng.guard.Events()
		require.Len(t, events, 1)
		assert.Equal(t, overfill.HandledAdjusted, events[0].Handled)
	})

	t.Run("reject policy fails the trade", func(t *testing.T) {
		eng := newEng(20, Config{Overfill: overfill.Config{TolerancePercent: 0.01}})
		eng.now = func() time.Time { return now }
		_, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fill rejected")

		pf := eng.GetPortfolio()
		assert.Equal(t, 0, pf.PositionCount)
		assert.InDelta(t, 1000.0, pf.AvailableBalance, 1e-9)
	})
}

func TestUpdateMarketPriceMarksPositions(t *testing.T) {
	eng, repo := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.NoError(t, err)

	eng.UpdateMarketPrice(ctx, "m1", 0.65, 0.35)

	positions := eng.SnapshotPositions()
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.65, positions[0].LastPrice, 1e-9)
	assert.InDelta(t, (0.65-0.50)*200, positions[0].UnrealizedPnL, 1e-9)

	px, at, ok := eng.LastPrice("m1", model.OutcomeNo)
	require.True(t, ok)
	assert.InDelta(t, 0.35, px, 1e-9)
	assert.Equal(t, now, at)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.InDelta(t, 0.65, repo.positions["m1|YES"].LastPrice, 1e-9)
}

func TestEmergencyCloseAll(t *testing.T) {
	eng, repo := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.NoError(t, err)
	sig2 := buySignal(now)
	sig2.MarketID = "m2"
	_, err = eng.ExecuteSignal(ctx, sig2, approved(50), "")
	require.NoError(t, err)

	eng.UpdateMarketPrice(ctx, "m1", 0.45, 0.55)

	res := eng.EmergencyCloseAll(ctx)
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 0, res.Failed)
	// m1: (0.45-0.50)*200 = -10; m2 closed flat at entry
	assert.InDelta(t, -10.0, res.TotalPnL, 1e-9)

	pf := eng.GetPortfolio()
	assert.Equal(t, 0, pf.PositionCount)
	assert.Zero(t, pf.UsedBalance)

	repo.mu.Lock()
	closes := 0
	for _, tr := range repo.trades {
		if tr.Reason == "EMERGENCY CLOSE" {
			closes++
			assert.Equal(t, model.SideSell, tr.Side)
		}
	}
	repo.mu.Unlock()
	assert.Equal(t, 2, closes)
}

func TestSnapshotProviderViews(t *testing.T) {
	eng, _ := newTestEngine(t, Config{PaperTrading: true})
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.NoError(t, err)

	orders := eng.SnapshotOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderFilled, orders[0].Status)
	assert.InDelta(t, 200.0, orders[0].FilledQty, 1e-9)

	pf := eng.SnapshotPortfolio()
	require.NotNil(t, pf)
	assert.Equal(t, 1, pf.PositionCount)
}

func TestTradeExecutedPublishedOnBus(t *testing.T) {
	repo := newMemTradeRepo()
	events := bus.NewMemoryBus()
	eng := NewEngine(Config{InitialBalance: 1000, PaperTrading: true}, nil, market.NewPaperVenue(), repo, events)
	now := time.Now()
	eng.now = func() time.Time { return now }
	ctx := context.Background()

	var got model.Trade
	_, err := events.Subscribe(ctx, bus.TopicTradeExecuted, func(_ context.Context, msg bus.Message) error {
		return json.Unmarshal(msg.Payload, &got)
	})
	require.NoError(t, err)

	trade, err := eng.ExecuteSignal(ctx, buySignal(now), approved(100), "")
	require.NoError(t, err)
	assert.Equal(t, trade.ID, got.ID)
}
