// Package reconcile compares the engine's internal book against the venue's
// view of positions and flags drift, orphans, and stale marks.
package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"polyflux/internal/bus"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/model"
)

// Severity grades a single discrepancy.
type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL"
)

const (
	majorThreshold    = 0.01
	criticalThreshold = 0.10
)

// Book is the engine-side view the reconciler audits.
type Book interface {
	SnapshotPositions() []model.Position
	LastPrice(marketID string, outcome model.Outcome) (float64, time.Time, bool)
}

// Discrepancy is one mismatch between the book and the venue.
type Discrepancy struct {
	MarketID string          `json:"market_id"`
	Outcome  model.Outcome   `json:"outcome"`
	Kind     string          `json:"kind"` // DRIFT, ORPHANED, MISSING, STALE
	Expected float64         `json:"expected"`
	Actual   float64         `json:"actual"`
	Drift    float64         `json:"drift"`
	Severity Severity        `json:"severity"`
	Detail   string          `json:"detail,omitempty"`
}

// Result is one reconciliation pass.
type Result struct {
	At            time.Time     `json:"at"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Critical      bool          `json:"critical"`
}

// Config tunes thresholds and behavior.
type Config struct {
	Interval         time.Duration
	Tolerance        float64       // relative share drift below this is ignored
	StalenessWindow  time.Duration // positions without a price update beyond this are flagged
	AutoCloseOrphans bool
	HaltOnCritical   bool
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		Tolerance:        0.001,
		StalenessWindow:  10 * time.Minute,
		AutoCloseOrphans: false,
		HaltOnCritical:   false,
	}
}

// EmergencyStopper is invoked when a critical discrepancy is found and
// HaltOnCritical is set.
type EmergencyStopper interface {
	TriggerEmergencyStop(ctx context.Context, reason string)
}

type Reconciler struct {
	cfg    Config
	book   Book
	venue  market.Venue
	events bus.Bus
	halt   EmergencyStopper
	now    func() time.Time
}

func NewReconciler(cfg Config, book Book, venue market.Venue, events bus.Bus, halt EmergencyStopper) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Reconciler{cfg: cfg, book: book, venue: venue, events: events, halt: halt, now: time.Now}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				log.Warn().Err(err).Msg("reconciliation pass failed")
			}
		}
	}
}

// Reconcile runs one pass on demand.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	res := Result{At: r.now()}

	venuePositions, err := r.venue.Positions(ctx)
	if err != nil {
		return res, err
	}

	actual := make(map[string]model.Position, len(venuePositions))
	for _, p := range venuePositions {
		actual[p.Key()] = p
	}

	expected := r.book.SnapshotPositions()
	seen := make(map[string]bool, len(expected))
	for _, want := range expected {
		key := want.Key()
		seen[key] = true
		res.Checked++

		got, ok := actual[key]
		if !ok {
			res.Discrepancies = append(res.Discrepancies, Discrepancy{
				MarketID: want.MarketID,
				Outcome:  want.Outcome,
				Kind:     "MISSING",
				Expected: want.Shares,
				Severity: SeverityCritical,
				Detail:   "position tracked locally but absent on venue",
			})
			continue
		}

		if d := r.driftDiscrepancy(want, got); d != nil {
			res.Discrepancies = append(res.Discrepancies, *d)
		}
		if d := r.staleDiscrepancy(want); d != nil {
			res.Discrepancies = append(res.Discrepancies, *d)
		}
	}

	for key, got := range actual {
		if seen[key] {
			continue
		}
		res.Checked++
		res.Discrepancies = append(res.Discrepancies, Discrepancy{
			MarketID: got.MarketID,
			Outcome:  got.Outcome,
			Kind:     "ORPHANED",
			Actual:   got.Shares,
			Severity: SeverityMajor,
			Detail:   "position on venue with no local record",
		})
		if r.cfg.AutoCloseOrphans {
			log.Warn().Str("market", got.MarketID).Msg("orphan auto-close requested but not supported on this venue")
		}
	}

	for _, d := range res.Discrepancies {
		if d.Severity == SeverityCritical {
			res.Critical = true
		}
		log.Warn().
			Str("market", d.MarketID).
			Str("kind", d.Kind).
			Str("severity", string(d.Severity)).
			Float64("expected", d.Expected).
			Float64("actual", d.Actual).
			Msg("reconciliation discrepancy")
	}

	if res.Critical && r.cfg.HaltOnCritical && r.halt != nil {
		r.halt.TriggerEmergencyStop(ctx, "critical reconciliation discrepancy")
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, bus.TopicReconciliation, res); err != nil {
			log.Warn().Err(err).Msg("failed to publish reconciliation result")
		}
	}

	log.Info().
		Int("checked", res.Checked).
		Int("discrepancies", len(res.Discrepancies)).
		Bool("critical", res.Critical).
		Msg("reconciliation pass complete")
	return res, nil
}

func (r *Reconciler) driftDiscrepancy(want, got model.Position) *Discrepancy {
	if want.Shares <= 0 {
		return nil
	}
	drift := math.Abs(got.Shares-want.Shares) / want.Shares
	if drift <= r.cfg.Tolerance {
		return nil
	}
	sev := SeverityMinor
	if drift > criticalThreshold {
		sev = SeverityCritical
	} else if drift > majorThreshold {
		sev = SeverityMajor
	}
	return &Discrepancy{
		MarketID: want.MarketID,
		Outcome:  want.Outcome,
		Kind:     "DRIFT",
		Expected: want.Shares,
		Actual:   got.Shares,
		Drift:    drift,
		Severity: sev,
	}
}

func (r *Reconciler) staleDiscrepancy(want model.Position) *Discrepancy {
	_, at, ok := r.book.LastPrice(want.MarketID, want.Outcome)
	if ok && r.now().Sub(at) <= r.cfg.StalenessWindow {
		return nil
	}
	detail := "no price observed for market"
	if ok {
		detail = "last price update " + r.now().Sub(at).Round(time.Second).String() + " ago"
	}
	return &Discrepancy{
		MarketID: want.MarketID,
		Outcome:  want.Outcome,
		Kind:     "STALE",
		Expected: want.Shares,
		Actual:   want.Shares,
		Severity: SeverityMinor,
		Detail:   detail,
	}
}
