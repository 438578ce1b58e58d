package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"polyflux/internal/prediction/model"
)

// PaperVenue is a deterministic in-process venue. Every submitted trade is
// applied to its book exactly, so a clean run reconciles to zero drift;
// Adjust injects drift for reconciliation exercises.
type PaperVenue struct {
	mu        sync.Mutex
	positions map[string]model.Position
	now       func() time.Time
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		positions: make(map[string]model.Position),
		now:       time.Now,
	}
}

func (v *PaperVenue) Name() string { return "paper" }

// Submit applies a trade to the venue book and reports an exact fill.
func (v *PaperVenue) Submit(_ context.Context, t model.Trade) (model.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := t.MarketID + "|" + string(t.Outcome)
	pos, exists := v.positions[key]
	fill := model.Fill{
		FillID:    t.ID + ":1",
		OrderID:   t.ID,
		Symbol:    key,
		Side:      t.Side,
		FillQty:   t.Shares,
		FillPx:    t.Price,
		Timestamp: v.now(),
	}

	switch t.Side {
	case model.SideBuy:
		if !exists {
			pos = model.Position{
				MarketID: t.MarketID,
				Outcome:  t.Outcome,
				OpenedAt: v.now(),
			}
		}
		total := pos.Shares + t.Shares
		if total > 0 {
			pos.AveragePrice = (pos.AveragePrice*pos.Shares + t.Price*t.Shares) / total
		}
		pos.Shares = total
		pos.LastPrice = t.Price
		v.positions[key] = pos
	case model.SideSell:
		if !exists {
			return fill, nil
		}
		pos.Shares -= t.Shares
		pos.LastPrice = t.Price
		if pos.Shares <= 1e-4 {
			delete(v.positions, key)
			return fill, nil
		}
		v.positions[key] = pos
	}
	return fill, nil
}

// Positions returns the venue book sorted by market id.
func (v *PaperVenue) Positions(context.Context) ([]model.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]model.Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// Adjust shifts a position's share count by delta, creating or deleting the
// entry as needed. Used to simulate venue-side drift.
func (v *PaperVenue) Adjust(marketID string, outcome model.Outcome, delta float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := marketID + "|" + string(outcome)
	pos, exists := v.positions[key]
	if !exists {
		pos = model.Position{MarketID: marketID, Outcome: outcome, OpenedAt: v.now()}
	}
	pos.Shares += delta
	if pos.Shares <= 0 {
		delete(v.positions, key)
		return
	}
	v.positions[key] = pos
}
