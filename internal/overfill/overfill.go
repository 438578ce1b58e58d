// Package overfill reconciles exchange-reported fills against recorded
// orders and resolves quantities exceeding the open remainder.
package overfill

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyflux/internal/prediction/model"
)

// Handling records how an overfill was resolved.
type Handling string

const (
	HandledAllowed  Handling = "ALLOWED"
	HandledAdjusted Handling = "ADJUSTED"
	HandledRejected Handling = "REJECTED"
)

// Config tunes the overfill policy.
type Config struct {
	TolerancePercent float64 // Fraction of order qty treated as rounding noise
	AllowOverfills   bool    // Accept any overfill as-is
	AutoAdjust       bool    // Trim the fill to the open remainder
}

// DefaultConfig allows 1% tolerance and auto-adjusts beyond it.
func DefaultConfig() Config {
	return Config{TolerancePercent: 0.01, AutoAdjust: true}
}

// AdjustedFill is the trimmed quantity applied when auto-adjust resolves an
// overfill.
type AdjustedFill struct {
	Qty float64 `json:"qty"`
	Px  float64 `json:"px"`
}

// CheckResult is the verdict on one incoming fill.
type CheckResult struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	Overfill     float64       `json:"overfill,omitempty"`
	Handled      Handling      `json:"handled,omitempty"`
	AdjustedFill *AdjustedFill `json:"adjusted_fill,omitempty"`
}

// Event is an audit record of a resolved overfill.
type Event struct {
	OrderID   string    `json:"order_id"`
	FillQty   float64   `json:"fill_qty"`
	Overfill  float64   `json:"overfill"`
	Handled   Handling  `json:"handled"`
	Timestamp time.Time `json:"timestamp"`
}

// Guard maintains the registry of active orders and per-order fill-id sets.
type Guard struct {
	config Config

	mu     sync.Mutex
	orders map[string]*model.OrderState
	fills  map[string]map[string]bool // orderID -> seen fillIDs
	events []Event
}

// NewGuard creates an overfill guard.
func NewGuard(config Config) *Guard {
	return &Guard{
		config: config,
		orders: make(map[string]*model.OrderState),
		fills:  make(map[string]map[string]bool),
	}
}

// RegisterOrder tracks an active order. Re-registering replaces the record.
func (g *Guard) RegisterOrder(order model.OrderState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := order
	g.orders[order.OrderID] = &o
	if g.fills[order.OrderID] == nil {
		g.fills[order.OrderID] = make(map[string]bool)
	}
}

// UnregisterOrder drops a completed or cancelled order from the registry.
func (g *Guard) UnregisterOrder(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.orders, orderID)
	delete(g.fills, orderID)
}

// Order returns a copy of a tracked order.
func (g *Guard) Order(orderID string) (model.OrderState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return model.OrderState{}, false
	}
	return *o, true
}

// CheckFill applies the overfill policy to an incoming fill quantity.
func (g *Guard) CheckFill(orderID string, fillQty, fillPx float64) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("Order %s not found", orderID)}
	}

	remaining := order.Remaining()
	over := fillQty - remaining
	tolerance := order.OrderQty * g.config.TolerancePercent

	if over <= tolerance {
		return CheckResult{Allowed: true}
	}

	switch {
	case g.config.AllowOverfills:
		g.recordEvent(orderID, fillQty, over, HandledAllowed)
		return CheckResult{Allowed: true, Overfill: over, Handled: HandledAllowed}
	case g.config.AutoAdjust:
		g.recordEvent(orderID, fillQty, over, HandledAdjusted)
		return CheckResult{
			Allowed:      true,
			Overfill:     over,
			Handled:      HandledAdjusted,
			AdjustedFill: &AdjustedFill{Qty: remaining, Px: fillPx},
		}
	default:
		g.recordEvent(orderID, fillQty, over, HandledRejected)
		return CheckResult{
			Allowed:  false,
			Overfill: over,
			Handled:  HandledRejected,
			Reason: fmt.Sprintf("Overfill of %.4f exceeds tolerance %.4f on order %s",
				over, tolerance, orderID),
		}
	}
}

// recordEvent appends an audit record. Caller must hold g.mu.
func (g *Guard) recordEvent(orderID string, fillQty, over float64, handled Handling) {
	g.events = append(g.events, Event{
		OrderID:   orderID,
		FillQty:   fillQty,
		Overfill:  over,
		Handled:   handled,
		Timestamp: time.Now(),
	})
	log.Warn().Str("order", orderID).Float64("fill_qty", fillQty).
		Float64("overfill", over).Str("handled", string(handled)).
		Msg("Overfill resolved")
}

// RecordFill applies a fill to its order. Duplicate fill ids are silently
// ignored; avgPx is volume-weighted; status flips to FILLED once the order
// quantity is reached.
func (g *Guard) RecordFill(fill model.Fill) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[fill.OrderID]
	if !ok {
		return false
	}

	seen := g.fills[fill.OrderID]
	if seen[fill.FillID] {
		log.Debug().Str("fill", fill.FillID).Str("order", fill.OrderID).
			Msg("Duplicate fill ignored")
		return false
	}
	seen[fill.FillID] = true

	prevQty := order.FilledQty
	order.FilledQty += fill.FillQty
	if order.FilledQty > 0 {
		order.AvgPx = (order.AvgPx*prevQty + fill.FillPx*fill.FillQty) / order.FilledQty
	}
	if order.FilledQty >= order.OrderQty {
		order.Status = model.OrderFilled
	}
	return true
}

// ValidateFill rejects fills that do not belong to the claimed order.
func (g *Guard) ValidateFill(fill model.Fill, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if fill.OrderID != order.OrderID && fill.OrderID != order.VenueOrderID {
		return fmt.Errorf("fill %s references order %s, expected %s",
			fill.FillID, fill.OrderID, orderID)
	}
	if fill.Symbol != "" && order.Symbol != "" && fill.Symbol != order.Symbol {
		return fmt.Errorf("fill %s symbol %s does not match order symbol %s",
			fill.FillID, fill.Symbol, order.Symbol)
	}
	if fill.Side != order.Side {
		return fmt.Errorf("fill %s side %s does not match order side %s",
			fill.FillID, fill.Side, order.Side)
	}
	return nil
}

// Events returns a copy of the resolved-overfill audit trail.
func (g *Guard) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.events))
	copy(out, g.events)
	return out
}
