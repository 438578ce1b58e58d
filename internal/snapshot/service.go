// Package snapshot provides point-in-time copies of orders, positions and
// portfolio state for recovery and diffing.
package snapshot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyflux/internal/prediction/model"
)

// Type classifies why a snapshot was taken.
type Type string

const (
	TypeFull          Type = "FULL"
	TypeIncremental   Type = "INCREMENTAL"
	TypeCycleComplete Type = "CYCLE_COMPLETE"
	TypeManual        Type = "MANUAL"
)

// Metadata describes one snapshot.
type Metadata struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Type      Type      `json:"type"`
}

// Snapshot is an immutable point-in-time copy. Slices are deep copies of the
// live state at capture time.
type Snapshot struct {
	Metadata  Metadata          `json:"metadata"`
	Orders    []model.OrderState `json:"orders"`
	Positions []model.Position   `json:"positions"`
	Portfolio *model.Portfolio   `json:"portfolio,omitempty"`
	Context   map[string]string  `json:"context,omitempty"`
}

// Diff is the result of comparing two snapshots. Orders change on
// (FilledQty, Status); positions change on (Shares, Outcome).
type Diff struct {
	Orders    EntityDiff[model.OrderState] `json:"orders"`
	Positions EntityDiff[model.Position]   `json:"positions"`
}

// EntityDiff groups added, removed and changed entities between snapshots.
type EntityDiff[T any] struct {
	Added   []T `json:"added"`
	Removed []T `json:"removed"`
	Changed []T `json:"changed"`
}

// Provider supplies the live state the service copies. Implementations must
// return consistent copies (the execution engine holds its read lock while
// producing them).
type Provider interface {
	SnapshotOrders() []model.OrderState
	SnapshotPositions() []model.Position
	SnapshotPortfolio() *model.Portfolio
}

// Store is the optional persistence collaborator for snapshots.
type Store interface {
	Save(snap Snapshot) error
	Load(id string) (Snapshot, bool, error)
}

// Config tunes snapshot cadence and retention.
type Config struct {
	Interval    time.Duration
	MaxInMemory int
	Retention   time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		MaxInMemory: 100,
		Retention:   24 * time.Hour,
	}
}

// Service takes periodic and on-demand snapshots, keeps a bounded in-memory
// window, and supports restore and diff.
type Service struct {
	config   Config
	provider Provider
	store    Store

	mu            sync.Mutex
	snapshots     []Snapshot // ordered by capture time
	byID          map[string]int
	orderHistory  map[string][]model.OrderState // orderID -> point-in-time copies
	posHistory    map[string][]model.Position   // position key -> copies
	lastFull      time.Time
	applied       map[string]bool // restore idempotence
	stopCh        chan struct{}
	running       bool

	now func() time.Time
}

// NewService creates a snapshot service. store may be nil.
func NewService(config Config, provider Provider, store Store) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.MaxInMemory <= 0 {
		config.MaxInMemory = DefaultConfig().MaxInMemory
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &Service{
		config:       config,
		provider:     provider,
		store:        store,
		byID:         make(map[string]int),
		orderHistory: make(map[string][]model.OrderState),
		posHistory:   make(map[string][]model.Position),
		applied:      make(map[string]bool),
		now:          time.Now,
	}
}

// Start launches the periodic FULL snapshot timer.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Create(TypeFull, "", nil); err != nil {
					log.Warn().Err(err).Msg("Periodic snapshot failed")
				}
			}
		}
	}()
}

// Stop halts the timer and takes one final FULL snapshot.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.running = false
	s.mu.Unlock()

	if _, err := s.Create(TypeFull, "", map[string]string{"reason": "shutdown"}); err != nil {
		log.Warn().Err(err).Msg("Final shutdown snapshot failed")
	}
}

// Create captures a snapshot of the given type.
func (s *Service) Create(t Type, cycleID string, context map[string]string) (Snapshot, error) {
	snap := Snapshot{
		Metadata: Metadata{
			ID:        uuid.NewString(),
			Timestamp: s.now(),
			CycleID:   cycleID,
			Type:      t,
		},
		Orders:    s.provider.SnapshotOrders(),
		Positions: s.provider.SnapshotPositions(),
		Portfolio: s.provider.SnapshotPortfolio(),
		Context:   context,
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.reindex()
	if t == TypeFull {
		s.lastFull = snap.Metadata.Timestamp
	}
	s.pruneLocked()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(snap); err != nil {
			log.Warn().Err(err).Str("snapshot", snap.Metadata.ID).Msg("Snapshot persistence failed")
		}
	}

	log.Debug().Str("snapshot", snap.Metadata.ID).Str("type", string(t)).
		Int("orders", len(snap.Orders)).Int("positions", len(snap.Positions)).
		Msg("Snapshot captured")
	return snap, nil
}

// SnapshotOrder appends a point-in-time copy of one order to its history.
func (s *Service) SnapshotOrder(order model.OrderState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderHistory[order.OrderID] = append(s.orderHistory[order.OrderID], order)
}

// SnapshotPosition appends a point-in-time copy of one position to its history.
func (s *Service) SnapshotPosition(pos model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pos.Key()
	s.posHistory[key] = append(s.posHistory[key], pos)
}

// OrderHistory returns the recorded copies for an order.
func (s *Service) OrderHistory(orderID string) []model.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OrderState, len(s.orderHistory[orderID]))
	copy(out, s.orderHistory[orderID])
	return out
}

// Get returns the snapshot with the given id, consulting the persistence
// collaborator on a memory miss.
func (s *Service) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	idx, ok := s.byID[id]
	if ok {
		snap := s.snapshots[idx]
		s.mu.Unlock()
		return snap, true
	}
	s.mu.Unlock()

	if s.store != nil {
		snap, found, err := s.store.Load(id)
		if err != nil {
			log.Warn().Err(err).Str("snapshot", id).Msg("Snapshot load failed")
			return Snapshot{}, false
		}
		return snap, found
	}
	return Snapshot{}, false
}

// Restore returns the snapshot for application by the execution engine.
// Restoring an already-applied snapshot returns alreadyApplied=true so the
// caller does not double-apply positions.
func (s *Service) Restore(id string) (snap Snapshot, alreadyApplied bool, err error) {
	snap, ok := s.Get(id)
	if !ok {
		return Snapshot{}, false, fmt.Errorf("snapshot %s not found", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[id] {
		return snap, true, nil
	}
	s.applied[id] = true
	return snap, false, nil
}

// Latest returns the most recent snapshot, if any.
func (s *Service) Latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return Snapshot{}, false
	}
	return s.snapshots[len(s.snapshots)-1], true
}

// LastFullAt returns when the last FULL snapshot was taken.
func (s *Service) LastFullAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFull
}

// Compare diffs two snapshots. The result is deterministic and reversible:
// Compare(b, a) swaps added and removed.
func Compare(a, b Snapshot) Diff {
	var d Diff

	aOrders := make(map[string]model.OrderState, len(a.Orders))
	for _, o := range a.Orders {
		aOrders[o.OrderID] = o
	}
	bOrders := make(map[string]model.OrderState, len(b.Orders))
	for _, o := range b.Orders {
		bOrders[o.OrderID] = o
	}

	for _, o := range b.Orders {
		prev, ok := aOrders[o.OrderID]
		if !ok {
			d.Orders.Added = append(d.Orders.Added, o)
			continue
		}
		if prev.FilledQty != o.FilledQty || prev.Status != o.Status {
			d.Orders.Changed = append(d.Orders.Changed, o)
		}
	}
	for _, o := range a.Orders {
		if _, ok := bOrders[o.OrderID]; !ok {
			d.Orders.Removed = append(d.Orders.Removed, o)
		}
	}

	aPos := make(map[string]model.Position, len(a.Positions))
	for _, p := range a.Positions {
		aPos[p.Key()] = p
	}
	bPos := make(map[string]model.Position, len(b.Positions))
	for _, p := range b.Positions {
		bPos[p.Key()] = p
	}

	for _, p := range b.Positions {
		prev, ok := aPos[p.Key()]
		if !ok {
			d.Positions.Added = append(d.Positions.Added, p)
			continue
		}
		if prev.Shares != p.Shares || prev.Outcome != p.Outcome {
			d.Positions.Changed = append(d.Positions.Changed, p)
		}
	}
	for _, p := range a.Positions {
		if _, ok := bPos[p.Key()]; !ok {
			d.Positions.Removed = append(d.Positions.Removed, p)
		}
	}

	return d
}

// pruneLocked drops snapshots past retention, then evicts oldest-first until
// the window fits MaxInMemory. Caller must hold s.mu.
func (s *Service) pruneLocked() {
	cutoff := s.now().Add(-s.config.Retention)
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if snap.Metadata.Timestamp.After(cutoff) {
			kept = append(kept, snap)
		}
	}
	s.snapshots = kept

	if len(s.snapshots) > s.config.MaxInMemory {
		sort.SliceStable(s.snapshots, func(i, j int) bool {
			return s.snapshots[i].Metadata.Timestamp.Before(s.snapshots[j].Metadata.Timestamp)
		})
		s.snapshots = s.snapshots[len(s.snapshots)-s.config.MaxInMemory:]
	}
	s.reindex()
}

// reindex rebuilds the id index. Caller must hold s.mu.
func (s *Service) reindex() {
	s.byID = make(map[string]int, len(s.snapshots))
	for i, snap := range s.snapshots {
		s.byID[snap.Metadata.ID] = i
	}
}
