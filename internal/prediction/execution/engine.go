// Package execution implements the order path: pre-trade validation, the
// pending-order lifecycle, paper/live fill accounting, stop-loss sweeps, and
// the emergency close-all.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"polyflux/internal/bus"
	"polyflux/internal/overfill"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
	"polyflux/internal/prediction/risk"
)

const (
	paperFeeRate = 0.001
	liveFeeRate  = 0.02
	dustShares   = 1e-4
	maxPriceAge  = 60 * time.Second
	monitorEvery = 10 * time.Second
	pendingGC    = 60 * time.Second
)

// Repo persists trades and positions. Nil keeps the book in memory only.
type Repo interface {
	SaveTrade(ctx context.Context, t model.Trade) error
	UpsertPosition(ctx context.Context, p model.Position) error
	DeletePosition(ctx context.Context, marketID string, outcome model.Outcome) error
}

// Config tunes the engine.
type Config struct {
	InitialBalance     float64
	PaperTrading       bool
	OrderTimeout       time.Duration
	MaxSlippagePct     float64
	SlippageGateOnSell bool
	// Overfill is the fill-audit policy. Zero value takes the guard
	// defaults.
	Overfill overfill.Config
}

type priceEntry struct {
	Yes float64
	No  float64
	At  time.Time
}

// CloseAllResult summarizes an emergency close-all sweep.
type CloseAllResult struct {
	Closed   int     `json:"closed"`
	Failed   int     `json:"failed"`
	TotalPnL float64 `json:"total_pnl"`
}

// Engine owns the account book: cash, positions, prices, pending orders.
// One pending order per market serializes exchange requests.
type Engine struct {
	cfg   Config
	risk  *risk.Manager
	venue market.Venue
	repo  Repo
	guard *overfill.Guard

	mu              sync.RWMutex
	cash            float64
	realized        float64
	positions       map[string]model.Position
	prices          map[string]priceEntry
	pending         map[string]*model.PendingOrder
	pendingByMarket map[string]string
	orders          map[string]model.OrderState

	events bus.Bus
	now    func() time.Time
	gcWait time.Duration
}

func NewEngine(cfg Config, riskMgr *risk.Manager, venue market.Venue, repo Repo, events bus.Bus) *Engine {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.MaxSlippagePct <= 0 {
		cfg.MaxSlippagePct = 0.02
	}
	if cfg.Overfill == (overfill.Config{}) {
		cfg.Overfill = overfill.DefaultConfig()
	}
	return &Engine{
		cfg:             cfg,
		risk:            riskMgr,
		venue:           venue,
		repo:            repo,
		guard:           overfill.NewGuard(cfg.Overfill),
		cash:            cfg.InitialBalance,
		positions:       make(map[string]model.Position),
		prices:          make(map[string]priceEntry),
		pending:         make(map[string]*model.PendingOrder),
		pendingByMarket: make(map[string]string),
		orders:          make(map[string]model.OrderState),
		events:          events,
		now:             time.Now,
		gcWait:          pendingGC,
	}
}

// UpdateMarketPrice refreshes the last price for a market and recomputes
// every affected position's mark and unrealized PnL.
func (e *Engine) UpdateMarketPrice(ctx context.Context, marketID string, yes, no float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[marketID] = priceEntry{Yes: yes, No: no, At: e.now()}
	for key, pos := range e.positions {
		if pos.MarketID != marketID {
			continue
		}
		last := yes
		if pos.Outcome == model.OutcomeNo {
			last = no
		}
		pos.LastPrice = last
		pos.UnrealizedPnL = (last - pos.AveragePrice) * pos.Shares
		e.positions[key] = pos
		e.persistPosition(ctx, pos)
	}
}

// LastPrice returns the tracked price for an outcome plus its timestamp.
func (e *Engine) LastPrice(marketID string, outcome model.Outcome) (float64, time.Time, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[marketID]
	if !ok {
		return 0, time.Time{}, false
	}
	if outcome == model.OutcomeNo {
		return p.No, p.At, true
	}
	return p.Yes, p.At, true
}

var (
	errHoldSignal    = errors.New("signal action is HOLD")
	errNotApproved   = errors.New("risk assessment not approved")
	errPendingExists = errors.New("pending order already open on market")
)

func (e *Engine) validatePreExecution(sig model.Signal, ra model.RiskAssessment) error {
	if sig.Action == model.ActionHold {
		return errHoldSignal
	}
	if sig.Price <= 0 || sig.Price >= 1 {
		return fmt.Errorf("invalid price %.4f", sig.Price)
	}
	if !ra.Approved {
		return errNotApproved
	}
	if ra.SuggestedSizeUsd <= 0 {
		return fmt.Errorf("suggested size %.2f is not positive", ra.SuggestedSizeUsd)
	}
	if age := e.now().Sub(sig.PriceTimestamp); age > maxPriceAge {
		return fmt.Errorf("price is stale by %s", age.Round(time.Second))
	}
	return nil
}

// ExecuteSignal validates, books a pending order, and applies the trade.
// Failures mark the pending order FAILED; all pending orders are removed
// from the book after the GC delay.
func (e *Engine) ExecuteSignal(ctx context.Context, sig model.Signal, ra model.RiskAssessment, marketTitle string) (model.Trade, error) {
	if err := e.validatePreExecution(sig, ra); err != nil {
		return model.Trade{}, err
	}

	e.mu.Lock()
	if existing, ok := e.pendingByMarket[sig.MarketID]; ok {
		if p := e.pending[existing]; p != nil && p.Status == model.PendingNew {
			e.mu.Unlock()
			return model.Trade{}, errPendingExists
		}
	}
	order := &model.PendingOrder{
		ID:        uuid.NewString(),
		MarketID:  sig.MarketID,
		Signal:    sig,
		Status:    model.PendingNew,
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}
	e.pending[order.ID] = order
	e.pendingByMarket[sig.MarketID] = order.ID
	e.mu.Unlock()

	e.scheduleGC(order.ID)

	trade, err := e.executeTrade(ctx, order, sig, ra)
	if err != nil {
		e.failPending(order.ID, err.Error())
		return model.Trade{}, err
	}

	e.settlePending(order.ID)
	e.persistTrade(ctx, trade)
	if e.risk != nil {
		e.risk.RecordTrade(ctx, trade, e.GetPortfolio().TotalValue)
	}
	e.publish(ctx, bus.TopicTradeExecuted, trade)

	log.Info().
		Str("market", trade.MarketID).
		Str("side", string(trade.Side)).
		Float64("shares", trade.Shares).
		Float64("price", trade.Price).
		Float64("pnl", trade.PnL).
		Str("title", marketTitle).
		Msg("trade executed")
	return trade, nil
}

func (e *Engine) executeTrade(ctx context.Context, order *model.PendingOrder, sig model.Signal, ra model.RiskAssessment) (model.Trade, error) {
	side := model.SideBuy
	switch sig.Action {
	case model.ActionBuy:
	case model.ActionSell:
		side = model.SideSell
	default:
		return model.Trade{}, errHoldSignal
	}

	shares := ra.SuggestedSizeUsd / sig.Price
	feeRate := paperFeeRate
	if !e.cfg.PaperTrading {
		feeRate = liveFeeRate
	}
	key := sig.MarketID + "|" + string(sig.Outcome)

	if err := e.stageOrder(sig, key, side, &shares, feeRate); err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		ID:        uuid.NewString(),
		MarketID:  sig.MarketID,
		Outcome:   sig.Outcome,
		Side:      side,
		Shares:    shares,
		Price:     sig.Price,
		Reason:    sig.Reason,
		Timestamp: e.now(),
	}

	// The venue decides the executed quantity; the guard audits it
	// against the staged order before anything reaches the book.
	state := model.OrderState{
		OrderID:   order.ID,
		MarketID:  sig.MarketID,
		Symbol:    key,
		Side:      side,
		OrderQty:  shares,
		Status:    model.OrderPending,
		Timestamp: e.now(),
	}
	e.guard.RegisterOrder(state)
	defer e.guard.UnregisterOrder(order.ID)

	fill := model.Fill{
		FillID:    order.ID + ":1",
		OrderID:   order.ID,
		Symbol:    key,
		Side:      side,
		FillQty:   shares,
		FillPx:    sig.Price,
		Timestamp: e.now(),
	}
	if e.venue != nil {
		reported, err := e.venue.Submit(ctx, trade)
		if err != nil {
			return model.Trade{}, fmt.Errorf("venue submit: %w", err)
		}
		if reported.FillQty > 0 {
			fill.FillQty = reported.FillQty
			fill.FillPx = reported.FillPx
		}
	}

	check := e.guard.CheckFill(order.ID, fill.FillQty, fill.FillPx)
	if !check.Allowed {
		return model.Trade{}, fmt.Errorf("fill rejected: %s", check.Reason)
	}
	if check.AdjustedFill != nil {
		fill.FillQty = check.AdjustedFill.Qty
		fill.FillPx = check.AdjustedFill.Px
	}
	e.guard.RecordFill(fill)

	return e.bookFill(ctx, state, trade, fill, feeRate)
}

// stageOrder runs the pre-submit checks and caps the requested size.
func (e *Engine) stageOrder(sig model.Signal, key string, side model.Side, shares *float64, feeRate float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// live mode gates on slippage between the submitted price and the
	// current book
	if !e.cfg.PaperTrading && (side == model.SideBuy || e.cfg.SlippageGateOnSell) {
		if cur, ok := e.prices[sig.MarketID]; ok {
			current := cur.Yes
			if sig.Outcome == model.OutcomeNo {
				current = cur.No
			}
			slippage := math.Abs(current-sig.Price) / sig.Price
			if slippage > e.cfg.MaxSlippagePct {
				return fmt.Errorf("slippage %.4f exceeds cap %.4f", slippage, e.cfg.MaxSlippagePct)
			}
		}
	}

	switch side {
	case model.SideBuy:
		notional := *shares * sig.Price
		fee := roundUsd(notional * feeRate)
		if notional+fee > e.cash {
			return fmt.Errorf("cost %.2f exceeds cash %.2f", notional+fee, e.cash)
		}
	case model.SideSell:
		pos, exists := e.positions[key]
		if !exists {
			return fmt.Errorf("no position on %s %s", sig.MarketID, sig.Outcome)
		}
		if *shares > pos.Shares {
			*shares = pos.Shares
		}
	}
	return nil
}

// bookFill applies a guard-approved fill to the account book.
func (e *Engine) bookFill(ctx context.Context, state model.OrderState, trade model.Trade, fill model.Fill, feeRate float64) (model.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	shares, px := fill.FillQty, fill.FillPx
	key := state.Symbol
	notional := shares * px
	fee := roundUsd(notional * feeRate)

	switch state.Side {
	case model.SideBuy:
		if notional+fee > e.cash {
			return model.Trade{}, fmt.Errorf("cost %.2f exceeds cash %.2f", notional+fee, e.cash)
		}
		pos, exists := e.positions[key]
		if !exists {
			pos = model.Position{MarketID: trade.MarketID, Outcome: trade.Outcome, OpenedAt: e.now()}
		}
		total := pos.Shares + shares
		pos.AveragePrice = (pos.AveragePrice*pos.Shares + px*shares) / total
		pos.Shares = total
		pos.LastPrice = px
		pos.UnrealizedPnL = (pos.LastPrice - pos.AveragePrice) * pos.Shares
		e.positions[key] = pos
		e.persistPosition(ctx, pos)

		e.cash -= notional + fee

	case model.SideSell:
		pos, exists := e.positions[key]
		if !exists {
			return model.Trade{}, fmt.Errorf("no position on %s %s", trade.MarketID, trade.Outcome)
		}
		if shares > pos.Shares {
			shares = pos.Shares
			notional = shares * px
			fee = roundUsd(notional * feeRate)
		}
		pnl := (px-pos.AveragePrice)*shares - fee

		pos.Shares -= shares
		pos.LastPrice = px
		pos.UnrealizedPnL = (pos.LastPrice - pos.AveragePrice) * pos.Shares
		if pos.Shares <= dustShares {
			delete(e.positions, key)
			e.deletePosition(ctx, trade.MarketID, trade.Outcome)
		} else {
			e.positions[key] = pos
			e.persistPosition(ctx, pos)
		}

		e.cash += notional - fee
		e.realized += pnl
		trade.PnL = pnl
	}

	trade.Shares = shares
	trade.Price = px
	trade.Fee = fee
	state.FilledQty = shares
	state.AvgPx = px
	state.Status = model.OrderFilled
	e.orders[state.OrderID] = state
	return trade, nil
}

// StartPendingMonitor cancels PENDING orders older than the configured
// timeout. Blocks until ctx is cancelled.
func (e *Engine) StartPendingMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CancelStalePending()
		}
	}
}

// CancelStalePending sweeps the pending book once.
func (e *Engine) CancelStalePending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancelled := 0
	now := e.now()
	for _, p := range e.pending {
		if p.Status != model.PendingNew {
			continue
		}
		if now.Sub(p.CreatedAt) > e.cfg.OrderTimeout {
			p.Status = model.PendingCancelled
			p.Reason = "Order timeout"
			p.UpdatedAt = now
			cancelled++
			log.Warn().Str("order", p.ID).Str("market", p.MarketID).Msg("pending order timed out")
		}
	}
	return cancelled
}

// CheckStopLosses sweeps open positions through the risk manager's stop rule.
func (e *Engine) CheckStopLosses() []model.StopLossExit {
	if e.risk == nil {
		return nil
	}
	return e.risk.CheckStopLosses(e.SnapshotPositions())
}

// EmergencyCloseAll realizes every open position at its last price.
func (e *Engine) EmergencyCloseAll(ctx context.Context) CloseAllResult {
	e.mu.Lock()
	keys := make([]string, 0, len(e.positions))
	for k := range e.positions {
		keys = append(keys, k)
	}

	var res CloseAllResult
	for _, key := range keys {
		pos := e.positions[key]
		if pos.LastPrice <= 0 {
			res.Failed++
			log.Error().Str("market", pos.MarketID).Msg("cannot close position without a price")
			continue
		}
		pnl := (pos.LastPrice - pos.AveragePrice) * pos.Shares
		e.cash += pos.Shares * pos.LastPrice
		e.realized += pnl
		delete(e.positions, key)

		trade := model.Trade{
			ID:        uuid.NewString(),
			MarketID:  pos.MarketID,
			Outcome:   pos.Outcome,
			Side:      model.SideSell,
			Shares:    pos.Shares,
			Price:     pos.LastPrice,
			PnL:       pnl,
			Reason:    "EMERGENCY CLOSE",
			Timestamp: e.now(),
		}
		e.persistTrade(ctx, trade)
		e.deletePosition(ctx, pos.MarketID, pos.Outcome)
		res.Closed++
		res.TotalPnL += pnl
	}
	e.mu.Unlock()

	e.publish(ctx, bus.TopicEmergencyStop, res)
	log.Error().Int("closed", res.Closed).Int("failed", res.Failed).
		Float64("total_pnl", res.TotalPnL).Msg("emergency close-all done")
	return res
}

// GetPortfolio derives the account view from the book.
func (e *Engine) GetPortfolio() model.Portfolio {
	e.mu.RLock()
	defer e.mu.RUnlock()

	used, unrealized := 0.0, 0.0
	for _, p := range e.positions {
		used += p.Shares * p.LastPrice
		unrealized += p.UnrealizedPnL
	}
	return model.Portfolio{
		TotalValue:       e.cash + used,
		AvailableBalance: e.cash,
		UsedBalance:      used,
		RealizedPnL:      e.realized,
		UnrealizedPnL:    unrealized,
		PositionCount:    len(e.positions),
	}
}

// PendingOrder returns a copy of the tracked pending order.
func (e *Engine) PendingOrder(id string) (model.PendingOrder, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pending[id]
	if !ok {
		return model.PendingOrder{}, false
	}
	return *p, true
}

// SnapshotOrders implements snapshot.Provider.
func (e *Engine) SnapshotOrders() []model.OrderState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.OrderState, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	return out
}

// SnapshotPositions implements snapshot.Provider.
func (e *Engine) SnapshotPositions() []model.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// SnapshotPortfolio implements snapshot.Provider.
func (e *Engine) SnapshotPortfolio() *model.Portfolio {
	pf := e.GetPortfolio()
	return &pf
}

func (e *Engine) scheduleGC(orderID string) {
	time.AfterFunc(e.gcWait, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		p, ok := e.pending[orderID]
		if !ok {
			return
		}
		delete(e.pending, orderID)
		if e.pendingByMarket[p.MarketID] == orderID {
			delete(e.pendingByMarket, p.MarketID)
		}
	})
}

func (e *Engine) failPending(orderID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[orderID]; ok {
		p.Status = model.PendingFailed
		p.Reason = reason
		p.UpdatedAt = e.now()
	}
}

func (e *Engine) settlePending(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[orderID]; ok {
		p.Status = model.PendingFilled
		p.UpdatedAt = e.now()
		delete(e.pendingByMarket, p.MarketID)
	}
}

func (e *Engine) persistTrade(ctx context.Context, t model.Trade) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveTrade(ctx, t); err != nil {
		log.Warn().Err(err).Str("trade", t.ID).Msg("failed to persist trade")
	}
}

func (e *Engine) persistPosition(ctx context.Context, p model.Position) {
	if e.repo == nil {
		return
	}
	if err := e.repo.UpsertPosition(ctx, p); err != nil {
		log.Warn().Err(err).Str("market", p.MarketID).Msg("failed to persist position")
	}
}

func (e *Engine) deletePosition(ctx context.Context, marketID string, outcome model.Outcome) {
	if e.repo == nil {
		return
	}
	if err := e.repo.DeletePosition(ctx, marketID, outcome); err != nil {
		log.Warn().Err(err).Str("market", marketID).Msg("failed to delete position")
	}
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, topic, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

func roundUsd(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
