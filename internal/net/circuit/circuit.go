package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is short-circuited by an open breaker
// and no fallback was supplied.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Circuit is closed, requests allowed
	StateOpen                  // Circuit is open, requests blocked
	StateHalfOpen              // Circuit is half-open, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures to open circuit
	ResetAfter       time.Duration // Time to wait before transitioning to half-open
	CountClientErrs  bool          // Count non-429 4xx HTTP failures toward the threshold
}

// DefaultConfig returns the breaker configuration used when a name is
// executed without prior registration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetAfter:       60 * time.Second,
	}
}

// breaker holds per-name state. All mutation happens under the registry lock.
type breaker struct {
	config        Config
	state         State
	failures      int
	lastFailureAt time.Time
	openUntil     time.Time
}

// Status is a point-in-time snapshot of a single breaker.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenUntil     time.Time `json:"open_until,omitempty"`
}

// Fallback produces a degraded-mode result when the breaker is open.
type Fallback func() (any, error)

// ComponentStatus classifies a probed component.
type ComponentStatus string

const (
	ComponentOK       ComponentStatus = "OK"
	ComponentDegraded ComponentStatus = "DEGRADED"
	ComponentDown     ComponentStatus = "DOWN"
)

// ComponentHealth is the result of one health-check probe.
type ComponentHealth struct {
	Name         string          `json:"name"`
	Status       ComponentStatus `json:"status"`
	ResponseTime time.Duration   `json:"response_time"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Probe checks one named endpoint and reports whether it is reachable.
// A non-nil error marks the component DOWN; degraded=true marks it DEGRADED.
type Probe func() (degraded bool, err error)

// Overall health classification across all breakers and probed components.
type Overall string

const (
	OverallHealthy  Overall = "HEALTHY"
	OverallDegraded Overall = "DEGRADED"
	OverallCritical Overall = "CRITICAL"
)

// HealthSummary aggregates breaker and component state.
type HealthSummary struct {
	Overall    Overall                    `json:"overall"`
	Breakers   map[string]Status          `json:"breakers"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Registry manages named circuit breakers and periodic component health
// checks. It is the single owner of all breaker state in the process.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults Config

	probes     map[string]Probe
	components map[string]ComponentHealth
	stopCh     chan struct{}
	checksOn   bool

	now func() time.Time
}

// NewRegistry creates a breaker registry with the given default configuration.
func NewRegistry(defaults Config) *Registry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if defaults.ResetAfter <= 0 {
		defaults.ResetAfter = DefaultConfig().ResetAfter
	}
	return &Registry{
		breakers:   make(map[string]*breaker),
		defaults:   defaults,
		probes:     make(map[string]Probe),
		components: make(map[string]ComponentHealth),
		now:        time.Now,
	}
}

// Configure registers a breaker with a specific configuration, replacing the
// defaults for that name. State is preserved if the breaker already exists.
func (r *Registry) Configure(name string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		b.config = config
		return
	}
	r.breakers[name] = &breaker{config: config, state: StateClosed}
}

// CountsClientErrs reports whether the named breaker counts non-429 4xx
// responses toward its failure threshold.
func (r *Registry) CountsClientErrs(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(name).config.CountClientErrs
}

// get returns the breaker for name, creating a closed one on first use.
// Caller must hold r.mu.
func (r *Registry) get(name string) *breaker {
	b, ok := r.breakers[name]
	if !ok {
		b = &breaker{config: r.defaults, state: StateClosed}
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn under the named breaker. If the breaker is open, fallback
// is invoked when present, else ErrCircuitOpen is returned. Execute never
// retries: one call, one verdict.
func (r *Registry) Execute(name string, fn func() (any, error), fallback Fallback) (any, error) {
	if !r.allow(name) {
		if fallback != nil {
			return fallback()
		}
		return nil, ErrCircuitOpen
	}

	result, err := fn()
	if err != nil {
		r.RecordFailure(name)
		return nil, err
	}
	r.RecordSuccess(name)
	return result, nil
}

// allow checks whether a call may proceed, transitioning OPEN breakers to
// HALF_OPEN once their cooldown has elapsed.
func (r *Registry) allow(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(name)
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if r.now().After(b.openUntil) {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// Allow reports whether a call through the named breaker would be admitted.
// Exposed for callers that execute the protected operation themselves.
func (r *Registry) Allow(name string) bool {
	return r.allow(name)
}

// RecordSuccess marks a successful call. A HALF_OPEN breaker closes on a
// single success and its failure count resets.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(name)
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	if b.state == StateClosed {
		b.failures = 0
	}
}

// RecordFailure marks a failed call. A HALF_OPEN breaker re-opens on a single
// failure; a CLOSED breaker opens once failures reach the threshold.
func (r *Registry) RecordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(name)
	b.failures++
	b.lastFailureAt = r.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openUntil = r.now().Add(b.config.ResetAfter)
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openUntil = r.now().Add(b.config.ResetAfter)
		}
	}
}

// Status returns a snapshot of the named breaker. Unknown names report a
// closed breaker with zero failures.
func (r *Registry) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		return Status{Name: name, State: StateClosed}
	}
	return Status{
		Name:          name,
		State:         b.state,
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
		OpenUntil:     b.openUntil,
	}
}

// AllStatuses returns snapshots for every registered breaker.
func (r *Registry) AllStatuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = Status{
			Name:          name,
			State:         b.state,
			Failures:      b.failures,
			LastFailureAt: b.lastFailureAt,
			OpenUntil:     b.openUntil,
		}
	}
	return out
}

// Open forces the named breaker open for its configured reset window.
func (r *Registry) Open(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(name)
	b.state = StateOpen
	b.openUntil = r.now().Add(b.config.ResetAfter)
}

// Reset returns the named breaker to CLOSED with zero failures, from any state.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(name)
	b.state = StateClosed
	b.failures = 0
	b.openUntil = time.Time{}
}

// RegisterProbe attaches a health-check probe for a named component.
func (r *Registry) RegisterProbe(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// StartHealthChecks begins running registered probes on the given interval.
// Calling it again while running is a no-op.
func (r *Registry) StartHealthChecks(interval time.Duration) {
	r.mu.Lock()
	if r.checksOn {
		r.mu.Unlock()
		return
	}
	r.checksOn = true
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		r.runProbes()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.runProbes()
			}
		}
	}()
}

// StopHealthChecks halts the periodic probe loop.
func (r *Registry) StopHealthChecks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.checksOn {
		return
	}
	close(r.stopCh)
	r.checksOn = false
}

func (r *Registry) runProbes() {
	r.mu.Lock()
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.Unlock()

	for name, probe := range probes {
		start := time.Now()
		degraded, err := probe()
		elapsed := time.Since(start)

		status := ComponentOK
		if err != nil {
			status = ComponentDown
		} else if degraded {
			status = ComponentDegraded
		}

		r.mu.Lock()
		r.components[name] = ComponentHealth{
			Name:         name,
			Status:       status,
			ResponseTime: elapsed,
			CheckedAt:    time.Now(),
		}
		r.mu.Unlock()
	}
}

// HealthSummary aggregates breaker and component state into one verdict:
// CRITICAL if any breaker is open or any component is down, DEGRADED if any
// breaker carries failures or any component is degraded, else HEALTHY.
func (r *Registry) HealthSummary() HealthSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := HealthSummary{
		Overall:    OverallHealthy,
		Breakers:   make(map[string]Status, len(r.breakers)),
		Components: make(map[string]ComponentHealth, len(r.components)),
		CheckedAt:  r.now(),
	}

	for name, b := range r.breakers {
		summary.Breakers[name] = Status{
			Name:          name,
			State:         b.state,
			Failures:      b.failures,
			LastFailureAt: b.lastFailureAt,
			OpenUntil:     b.openUntil,
		}
		if b.state == StateOpen {
			summary.Overall = OverallCritical
		} else if b.failures > 0 && summary.Overall == OverallHealthy {
			summary.Overall = OverallDegraded
		}
	}

	for name, c := range r.components {
		summary.Components[name] = c
		if c.Status == ComponentDown {
			summary.Overall = OverallCritical
		} else if c.Status == ComponentDegraded && summary.Overall == OverallHealthy {
			summary.Overall = OverallDegraded
		}
	}

	return summary
}
