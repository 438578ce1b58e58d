package circuit

import (
	"errors"
	"testing"
	"time"
)

func testRegistry(threshold int, resetAfter time.Duration) (*Registry, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Config{FailureThreshold: threshold, ResetAfter: resetAfter})
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	r, _ := testRegistry(3, time.Minute)
	fail := func() (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 3; i++ {
		if _, err := r.Execute("polymarket-clob", fail, nil); err == nil {
			t.Fatal("failing call should return error")
		}
	}

	st := r.Status("polymarket-clob")
	if st.State != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", st.State)
	}

	// Next call short-circuits without invoking fn.
	invoked := false
	_, err := r.Execute("polymarket-clob", func() (any, error) {
		invoked = true
		return nil, nil
	}, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("fn must not run while breaker is open")
	}
}

func TestRegistry_FallbackWhenOpen(t *testing.T) {
	r, _ := testRegistry(1, time.Minute)
	r.Open("llm")

	result, err := r.Execute("llm", func() (any, error) {
		t.Fatal("fn must not run")
		return nil, nil
	}, func() (any, error) {
		return "fallback", nil
	})
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if result != "fallback" {
		t.Fatalf("expected fallback result, got %v", result)
	}
}

func TestRegistry_HalfOpenRecovery(t *testing.T) {
	r, now := testRegistry(2, time.Minute)
	fail := func() (any, error) { return nil, errors.New("boom") }
	ok := func() (any, error) { return "ok", nil }

	r.Execute("venue", fail, nil)
	r.Execute("venue", fail, nil)
	if st := r.Status("venue"); st.State != StateOpen {
		t.Fatalf("expected open, got %s", st.State)
	}

	// Cooldown elapses: one probe is admitted, success closes the breaker.
	*now = now.Add(61 * time.Second)
	if _, err := r.Execute("venue", ok, nil); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	st := r.Status("venue")
	if st.State != StateClosed || st.Failures != 0 {
		t.Fatalf("expected closed with zero failures, got %+v", st)
	}
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r, now := testRegistry(2, time.Minute)
	fail := func() (any, error) { return nil, errors.New("boom") }

	r.Execute("venue", fail, nil)
	r.Execute("venue", fail, nil)
	*now = now.Add(61 * time.Second)

	if _, err := r.Execute("venue", fail, nil); err == nil {
		t.Fatal("probe failure should surface")
	}
	if st := r.Status("venue"); st.State != StateOpen {
		t.Fatalf("half-open failure should reopen, got %s", st.State)
	}
}

func TestRegistry_UnknownNameIsClosed(t *testing.T) {
	r, _ := testRegistry(3, time.Minute)
	st := r.Status("never-seen")
	if st.State != StateClosed || st.Failures != 0 {
		t.Fatalf("unknown breaker should report closed, got %+v", st)
	}
}

func TestRegistry_ManualOverrides(t *testing.T) {
	r, _ := testRegistry(3, time.Minute)

	r.Open("feed")
	if st := r.Status("feed"); st.State != StateOpen {
		t.Fatalf("expected open, got %s", st.State)
	}

	r.Reset("feed")
	st := r.Status("feed")
	if st.State != StateClosed || st.Failures != 0 {
		t.Fatalf("reset should close and zero failures, got %+v", st)
	}
}

func TestRegistry_HealthSummary(t *testing.T) {
	r, _ := testRegistry(3, time.Minute)

	if got := r.HealthSummary().Overall; got != OverallHealthy {
		t.Fatalf("empty registry should be healthy, got %s", got)
	}

	r.RecordFailure("a")
	if got := r.HealthSummary().Overall; got != OverallDegraded {
		t.Fatalf("failures > 0 should degrade, got %s", got)
	}

	r.Open("b")
	if got := r.HealthSummary().Overall; got != OverallCritical {
		t.Fatalf("open breaker should be critical, got %s", got)
	}
}

func TestRegistry_ComponentProbes(t *testing.T) {
	r, _ := testRegistry(3, time.Minute)
	r.RegisterProbe("db", func() (bool, error) { return false, nil })
	r.RegisterProbe("vector", func() (bool, error) { return false, errors.New("down") })
	r.runProbes()

	sum := r.HealthSummary()
	if sum.Components["db"].Status != ComponentOK {
		t.Fatalf("db should be OK, got %s", sum.Components["db"].Status)
	}
	if sum.Components["vector"].Status != ComponentDown {
		t.Fatalf("vector should be DOWN, got %s", sum.Components["vector"].Status)
	}
	if sum.Overall != OverallCritical {
		t.Fatalf("down component should be critical, got %s", sum.Overall)
	}
}
