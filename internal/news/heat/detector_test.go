package heat

import (
	"testing"
	"time"

	"polyflux/internal/news/model"
)

// series builds newest-first samples from chronological scores.
func series(scores ...float64) []model.HeatSample {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.HeatSample, len(scores))
	for i, s := range scores {
		out[len(scores)-1-i] = model.HeatSample{
			ClusterID: "c1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			HeatScore: s,
		}
	}
	return out
}

func TestDetectEmptyAndShortHistories(t *testing.T) {
	d := NewDetector()
	if got := d.Detect("c1", nil); got != nil {
		t.Errorf("empty history produced %v", got)
	}
	if got := d.Detect("c1", series(1, 2, 3)); got != nil {
		t.Errorf("short history produced %v", got)
	}
}

func TestDetectSkipsFlatSeries(t *testing.T) {
	d := NewDetector()
	if got := d.Detect("c1", series(10, 10, 10.01, 10, 10, 10)); got != nil {
		t.Errorf("flat series (stddev < 0.1) produced %v", got)
	}
}

func TestDetectSuddenSpike(t *testing.T) {
	d := NewDetector()
	got := d.Detect("c1", series(10, 10, 11, 10, 9, 10, 11, 10, 10, 40))
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	if got[0].Type != model.AnomalySuddenSpike {
		t.Errorf("type = %s", got[0].Type)
	}
	if got[0].ZScore < 3 {
		t.Errorf("z = %v, want >= 3", got[0].ZScore)
	}
	if got[0].Severity != model.SeverityMedium && got[0].Severity != model.SeverityHigh && got[0].Severity != model.SeverityCritical {
		t.Errorf("severity = %s for z = %v", got[0].Severity, got[0].ZScore)
	}
}

func TestDetectSuddenDrop(t *testing.T) {
	d := NewDetector()
	got := d.Detect("c1", series(50, 52, 48, 51, 49, 50, 52, 49, 51, 5))
	if len(got) != 1 || got[0].Type != model.AnomalySuddenDrop {
		t.Fatalf("got %+v, want one SUDDEN_DROP", got)
	}
	if got[0].ZScore > -3 {
		t.Errorf("z = %v, want <= -3", got[0].ZScore)
	}
}

func TestSeverityBands(t *testing.T) {
	cases := map[float64]model.Severity{
		1.5:  model.SeverityLow,
		-2.5: model.SeverityMedium,
		3.5:  model.SeverityHigh,
		-4.2: model.SeverityCritical,
	}
	for z, want := range cases {
		if got := severityFor(z); got != want {
			t.Errorf("severityFor(%v) = %s, want %s", z, got, want)
		}
	}
}

func TestVelocityAnomaly(t *testing.T) {
	samples := series(10, 10, 11, 10, 9, 10, 11, 10, 10, 10)
	vels := []float64{0.1, -0.1, 0.2, 0.1, -0.2, 0.1, 0.2, -0.1, 0.1, 5.0}
	for i := range samples {
		v := vels[len(vels)-1-i] // samples are newest first
		samples[i].Velocity = &v
	}
	d := NewDetector()
	got := d.Detect("c1", samples)
	found := false
	for _, a := range got {
		if a.Type == model.AnomalyVelocity {
			found = true
		}
	}
	if !found {
		t.Errorf("velocity anomaly not detected in %+v", got)
	}
}

func TestCrossSyndication(t *testing.T) {
	d := NewDetector()
	clusters := []model.StoryCluster{
		{ID: "c1", TopicKey: "fed_raises_rates", Category: "STOCKS", HeatScore: 40},
		{ID: "c2", TopicKey: "FED_RAISES_RATES", Category: "CRYPTO", HeatScore: 90},
		{ID: "c3", TopicKey: "fed_raises_rates", Category: "MACRO", HeatScore: 10},
		{ID: "c4", TopicKey: "solana_outage", Category: "CRYPTO", HeatScore: 50},
	}
	got := d.DetectCrossSyndication(clusters)
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(got))
	}
	a := got[0]
	if a.Type != model.AnomalyCrossSyndication {
		t.Errorf("type = %s", a.Type)
	}
	if a.ClusterID != "c2" {
		t.Errorf("source = %s, want hottest c2", a.ClusterID)
	}
	if len(a.Targets) != 2 {
		t.Errorf("targets = %v, want c1 and c3", a.Targets)
	}
}

func TestClassifyPatternOscillating(t *testing.T) {
	p, ok := ClassifyPattern(series(10, 20, 10, 20, 10, 20, 10, 20, 10, 20, 10, 20))
	if !ok || p != model.PatternOscillating {
		t.Errorf("pattern = %s ok=%v, want OSCILLATING_HEAT", p, ok)
	}
}

func TestClassifyPatternStep(t *testing.T) {
	p, ok := ClassifyPattern(series(10, 10, 10, 10, 10, 50, 50, 50, 50, 50, 50, 50))
	if !ok || p != model.PatternStep {
		t.Errorf("pattern = %s ok=%v, want STEP_PATTERN", p, ok)
	}
}

func TestClassifyPatternLinearGrowth(t *testing.T) {
	p, ok := ClassifyPattern(series(10, 12, 14, 16, 18, 20, 22, 24, 26, 28, 30, 32))
	if !ok || p != model.PatternLinearGrowth {
		t.Errorf("pattern = %s ok=%v, want LINEAR_GROWTH", p, ok)
	}
}

func TestClassifyPatternTooShort(t *testing.T) {
	if _, ok := ClassifyPattern(series(1, 2, 3, 4, 5)); ok {
		t.Error("short series should classify nothing")
	}
}
