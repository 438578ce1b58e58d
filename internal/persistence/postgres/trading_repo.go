package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"polyflux/internal/prediction/execution"
	"polyflux/internal/prediction/model"
	"polyflux/internal/prediction/risk"
	"polyflux/internal/snapshot"
)

// TradingRepo implements the prediction-side persistence contracts: the
// execution engine's trade/position sink, the risk manager's daily-state
// store, the agent-status sink, and the snapshot store.
type TradingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewTradingRepo(db *sqlx.DB) *TradingRepo {
	return &TradingRepo{db: db, timeout: defaultQueryTimeout}
}

var (
	_ execution.Repo = (*TradingRepo)(nil)
	_ risk.StateRepo = (*TradingRepo)(nil)
	_ snapshot.Store = (*TradingRepo)(nil)
)

func (r *TradingRepo) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.timeout)
}

func (r *TradingRepo) SaveTrade(parent context.Context, t model.Trade) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (id, market_id, outcome, side, shares, price, fee, pnl, reason, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.MarketID, t.Outcome, t.Side, t.Shares, t.Price, t.Fee, t.PnL, t.Reason, t.Timestamp)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// RecentTrades returns closed trades newest first, for backtest history.
func (r *TradingRepo) RecentTrades(parent context.Context, limit int) ([]model.Trade, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var out []model.Trade
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, market_id, outcome, side, shares, price, fee, pnl, reason, ts
		FROM trades ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	return out, nil
}

func (r *TradingRepo) UpsertPosition(parent context.Context, p model.Position) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (market_id, outcome, shares, average_price, last_price, unrealized_pnl, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (market_id, outcome) DO UPDATE SET
			shares = EXCLUDED.shares,
			average_price = EXCLUDED.average_price,
			last_price = EXCLUDED.last_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl`,
		p.MarketID, p.Outcome, p.Shares, p.AveragePrice, p.LastPrice, p.UnrealizedPnL, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func (r *TradingRepo) DeletePosition(parent context.Context, marketID string, outcome model.Outcome) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM positions WHERE market_id = $1 AND outcome = $2`, marketID, outcome)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// OpenPositions reloads the position book, for startup recovery.
func (r *TradingRepo) OpenPositions(parent context.Context) ([]model.Position, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	var out []model.Position
	err := r.db.SelectContext(ctx, &out, `
		SELECT market_id, outcome, shares, average_price, last_price, unrealized_pnl, opened_at
		FROM positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	return out, nil
}

func (r *TradingRepo) LoadDailyRiskState(parent context.Context, date string) (model.DailyRiskState, bool, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()

	var s model.DailyRiskState
	var lastTrade, cooldown sql.NullTime
	err := r.db.QueryRowxContext(ctx, `
		SELECT date, trades, total_trades, winning_trades, losing_trades, daily_pnl,
			last_trade_time, cooldown_until, emergency_stop
		FROM daily_risk_state WHERE date = $1`, date).
		Scan(&s.Date, &s.Trades, &s.TotalTrades, &s.WinningTrades, &s.LosingTrades,
			&s.DailyPnL, &lastTrade, &cooldown, &s.EmergencyStopTriggered)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DailyRiskState{}, false, nil
	}
	if err != nil {
		return model.DailyRiskState{}, false, fmt.Errorf("load daily risk state: %w", err)
	}
	if lastTrade.Valid {
		s.LastTradeTime = lastTrade.Time
	}
	if cooldown.Valid {
		s.CooldownUntil = cooldown.Time
	}
	return s, true, nil
}

func (r *TradingRepo) SaveDailyRiskState(parent context.Context, s model.DailyRiskState) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO daily_risk_state (date, trades, total_trades, winning_trades, losing_trades,
			daily_pnl, last_trade_time, cooldown_until, emergency_stop)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (date) DO UPDATE SET
			trades = EXCLUDED.trades,
			total_trades = EXCLUDED.total_trades,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			daily_pnl = EXCLUDED.daily_pnl,
			last_trade_time = EXCLUDED.last_trade_time,
			cooldown_until = EXCLUDED.cooldown_until,
			emergency_stop = EXCLUDED.emergency_stop`,
		s.Date, s.Trades, s.TotalTrades, s.WinningTrades, s.LosingTrades,
		s.DailyPnL, nullTime(s.LastTradeTime), nullTime(s.CooldownUntil), s.EmergencyStopTriggered)
	if err != nil {
		return fmt.Errorf("save daily risk state: %w", err)
	}
	return nil
}

func (r *TradingRepo) SaveAgentStatus(parent context.Context, s model.AgentStatus) error {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal agent status: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agent_status (agent, cycle_id, status, current_step, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent, cycle_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`,
		s.Agent, s.CycleID, s.Status, s.CurrentStep, payload, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save agent status: %w", err)
	}
	return nil
}

// Save implements snapshot.Store.
func (r *TradingRepo) Save(snap snapshot.Snapshot) error {
	ctx, cancel := r.ctx(context.Background())
	defer cancel()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, ts, type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		snap.Metadata.ID, snap.Metadata.Timestamp, snap.Metadata.Type, payload)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load implements snapshot.Store.
func (r *TradingRepo) Load(id string) (snapshot.Snapshot, bool, error) {
	ctx, cancel := r.ctx(context.Background())
	defer cancel()
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// PruneSnapshotsBefore deletes snapshots older than the cutoff.
func (r *TradingRepo) PruneSnapshotsBefore(parent context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := r.ctx(parent)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
