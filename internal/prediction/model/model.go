// Package model holds the shared domain types of the prediction-market
// pipeline. Every subsystem (risk, execution, reconciliation, snapshots,
// overfill protection) speaks these types; none of them own each other.
package model

import "time"

// Outcome is the side of a binary market an idea targets.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Action is the verdict of a trading signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// OrderStatus is the lifecycle state of an exchange order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderOpen     OrderStatus = "OPEN"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// PendingStatus is the lifecycle state of a client-side in-flight submission.
type PendingStatus string

const (
	PendingNew       PendingStatus = "PENDING"
	PendingFilled    PendingStatus = "FILLED"
	PendingPartial   PendingStatus = "PARTIAL"
	PendingCancelled PendingStatus = "CANCELLED"
	PendingFailed    PendingStatus = "FAILED"
)

// Market is a binary outcome market as reported by the venue.
// Prices live in [0,1].
type Market struct {
	MarketID     string    `json:"market_id" db:"market_id"`
	Title        string    `json:"title" db:"title"`
	Outcomes     []string  `json:"outcomes"`
	YesTokenID   string    `json:"yes_token_id" db:"yes_token_id"`
	NoTokenID    string    `json:"no_token_id" db:"no_token_id"`
	LastYesPrice float64   `json:"last_yes_price" db:"last_yes_price"`
	LastNoPrice  float64   `json:"last_no_price" db:"last_no_price"`
	Volume       float64   `json:"volume" db:"volume"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	OpenUntil    time.Time `json:"open_until" db:"open_until"`
}

// Idea is a candidate trade produced by the theorizer and scored by the
// backtester. Edge is signed: positive favors the stated outcome.
type Idea struct {
	ID                 string    `json:"id"`
	MarketID           string    `json:"market_id"`
	MarketTitle        string    `json:"market_title"`
	Outcome            Outcome   `json:"outcome"`
	Edge               float64   `json:"edge"`
	Confidence         float64   `json:"confidence"`
	Rationale          string    `json:"rationale"`
	HeatScore          float64   `json:"heat_score"`
	SentimentScore     float64   `json:"sentiment_score"`
	LinkedNewsCount    int       `json:"linked_news_count"`
	LinkedClusterCount int       `json:"linked_cluster_count"`
	TimeHorizon        string    `json:"time_horizon"`
	BacktestScore      float64   `json:"backtest_score"`
	CreatedAt          time.Time `json:"created_at"`
}

// Signal is the executable form of a selected idea.
type Signal struct {
	MarketID       string    `json:"market_id"`
	Outcome        Outcome   `json:"outcome"`
	Action         Action    `json:"action"`
	Price          float64   `json:"price"`
	PriceTimestamp time.Time `json:"price_timestamp"`
	Reason         string    `json:"reason"`
}

// OrderState is the book-keeping record of an exchange order.
type OrderState struct {
	OrderID       string      `json:"order_id" db:"order_id"`
	ClientOrderID string      `json:"client_order_id" db:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty" db:"venue_order_id"`
	MarketID      string      `json:"market_id" db:"market_id"`
	Symbol        string      `json:"symbol" db:"symbol"`
	Side          Side        `json:"side" db:"side"`
	OrderQty      float64     `json:"order_qty" db:"order_qty"`
	FilledQty     float64     `json:"filled_qty" db:"filled_qty"`
	AvgPx         float64     `json:"avg_px" db:"avg_px"`
	Status        OrderStatus `json:"status" db:"status"`
	Timestamp     time.Time   `json:"timestamp" db:"ts"`
}

// Remaining returns the open quantity on the order.
func (o *OrderState) Remaining() float64 {
	r := o.OrderQty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Fill is an exchange-reported execution against a tracked order.
type Fill struct {
	FillID    string    `json:"fill_id" db:"fill_id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Side      Side      `json:"side" db:"side"`
	FillQty   float64   `json:"fill_qty" db:"fill_qty"`
	FillPx    float64   `json:"fill_px" db:"fill_px"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// Position is an open holding in one market outcome.
type Position struct {
	MarketID      string    `json:"market_id" db:"market_id"`
	Outcome       Outcome   `json:"outcome" db:"outcome"`
	Shares        float64   `json:"shares" db:"shares"`
	AveragePrice  float64   `json:"average_price" db:"average_price"`
	LastPrice     float64   `json:"last_price" db:"last_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl" db:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at" db:"opened_at"`
}

// Key identifies the position within the book.
func (p *Position) Key() string {
	return p.MarketID + "|" + string(p.Outcome)
}

// Portfolio is the derived account view.
type Portfolio struct {
	TotalValue       float64 `json:"total_value"`
	AvailableBalance float64 `json:"available_balance"`
	UsedBalance      float64 `json:"used_balance"`
	RealizedPnL      float64 `json:"realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	PositionCount    int     `json:"position_count"`
}

// Trade is a persisted execution record.
type Trade struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	Outcome   Outcome   `json:"outcome" db:"outcome"`
	Side      Side      `json:"side" db:"side"`
	Shares    float64   `json:"shares" db:"shares"`
	Price     float64   `json:"price" db:"price"`
	Fee       float64   `json:"fee" db:"fee"`
	PnL       float64   `json:"pnl" db:"pnl"`
	Reason    string    `json:"reason" db:"reason"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// PendingOrder is the client-side record of an in-flight submission.
// One pending order per market serializes exchange requests.
type PendingOrder struct {
	ID        string        `json:"id"`
	MarketID  string        `json:"market_id"`
	Signal    Signal        `json:"signal"`
	Status    PendingStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DailyRiskState is the per-day mutable risk ledger. Created on first access
// each local day; emergencyStopTriggered only clears via an explicit reset.
type DailyRiskState struct {
	Date                  string    `json:"date" db:"date"` // YYYY-MM-DD local
	Trades                int       `json:"trades" db:"trades"`
	TotalTrades           int       `json:"total_trades" db:"total_trades"`
	WinningTrades         int       `json:"winning_trades" db:"winning_trades"`
	LosingTrades          int       `json:"losing_trades" db:"losing_trades"`
	DailyPnL              float64   `json:"daily_pnl" db:"daily_pnl"`
	LastTradeTime         time.Time `json:"last_trade_time" db:"last_trade_time"`
	CooldownUntil         time.Time `json:"cooldown_until" db:"cooldown_until"`
	EmergencyStopTriggered bool     `json:"emergency_stop_triggered" db:"emergency_stop_triggered"`
}

// RiskAssessment is the verdict of the pre-trade gate. A rejected assessment
// always carries SuggestedSizeUsd == 0.
type RiskAssessment struct {
	Approved         bool     `json:"approved"`
	SuggestedSizeUsd float64  `json:"suggested_size_usd"`
	RiskScore        float64  `json:"risk_score"`
	MaxLossUsd       float64  `json:"max_loss_usd"`
	Warnings         []string `json:"warnings,omitempty"`
}

// StopLossExit describes a position the stop-loss sweep wants closed.
type StopLossExit struct {
	Position Position `json:"position"`
	PnL      float64  `json:"pnl"`
	PnLPct   float64  `json:"pnl_pct"`
	Reason   string   `json:"reason"`
}

// AgentStatusState is the coarse run state pushed on every cycle transition.
type AgentStatusState string

const (
	AgentRunning AgentStatusState = "RUNNING"
	AgentIdle    AgentStatusState = "IDLE"
	AgentError   AgentStatusState = "ERROR"
)

// AgentStatus is the per-cycle status record persisted for dashboards.
type AgentStatus struct {
	Agent        string           `json:"agent" db:"agent"`
	CycleID      string           `json:"cycle_id" db:"cycle_id"`
	Status       AgentStatusState `json:"status" db:"status"`
	CurrentStep  string           `json:"current_step" db:"current_step"`
	Portfolio    Portfolio        `json:"portfolio"`
	MarketsSeen  int              `json:"markets_seen" db:"markets_seen"`
	IdeasScored  int              `json:"ideas_scored" db:"ideas_scored"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}
