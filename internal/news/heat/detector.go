// Package heat analyzes cluster heat time series: z-score anomaly
// detection, cross-syndication events, shape diagnostics and horizoned
// forecasting.
package heat

import (
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"polyflux/internal/news/model"
)

const (
	anomalyWindow    = 10
	anomalyMinWindow = 5
	minStdDev        = 0.1
	spikeZ           = 3.0
	velocityZ        = 2.0

	patternMinSamples = 10
)

// Detector finds anomalies in heat histories.
type Detector struct {
	now func() time.Time
}

func NewDetector() *Detector {
	return &Detector{now: time.Now}
}

// Detect inspects one cluster's history, newest first. Short or flat
// series produce no anomalies.
func (d *Detector) Detect(clusterID string, history []model.HeatSample) []model.Anomaly {
	if len(history) < anomalyMinWindow {
		return nil
	}
	window := history
	if len(window) > anomalyWindow {
		window = window[:anomalyWindow]
	}

	current := window[0].HeatScore
	// baseline excludes the newest sample so a genuine spike is not
	// absorbed into its own statistics
	baseline := make([]float64, 0, len(window)-1)
	for _, s := range window[1:] {
		baseline = append(baseline, s.HeatScore)
	}
	mean, std := stat.MeanStdDev(baseline, nil)
	if std < minStdDev {
		return nil
	}

	var out []model.Anomaly
	z := (current - mean) / std
	if z >= spikeZ {
		out = append(out, d.anomaly(clusterID, model.AnomalySuddenSpike, z, current, mean, std))
	} else if z <= -spikeZ {
		out = append(out, d.anomaly(clusterID, model.AnomalySuddenDrop, z, current, mean, std))
	}

	if a, ok := d.velocityAnomaly(clusterID, window); ok {
		out = append(out, a)
	}
	return out
}

func (d *Detector) velocityAnomaly(clusterID string, window []model.HeatSample) (model.Anomaly, bool) {
	if window[0].Velocity == nil {
		return model.Anomaly{}, false
	}
	velocities := make([]float64, 0, len(window)-1)
	for _, s := range window[1:] {
		if s.Velocity != nil {
			velocities = append(velocities, *s.Velocity)
		}
	}
	if len(velocities) < anomalyMinWindow-1 {
		return model.Anomaly{}, false
	}
	mean, std := stat.MeanStdDev(velocities, nil)
	if std < minStdDev {
		return model.Anomaly{}, false
	}
	z := (*window[0].Velocity - mean) / std
	if math.Abs(z) < velocityZ {
		return model.Anomaly{}, false
	}
	return d.anomaly(clusterID, model.AnomalyVelocity, z, *window[0].Velocity, mean, std), true
}

func (d *Detector) anomaly(clusterID string, kind model.AnomalyType, z, current, mean, std float64) model.Anomaly {
	return model.Anomaly{
		ClusterID:  clusterID,
		Type:       kind,
		Severity:   severityFor(z),
		ZScore:     z,
		Current:    current,
		Mean:       mean,
		StdDev:     std,
		DetectedAt: d.now().UTC(),
	}
}

func severityFor(z float64) model.Severity {
	switch abs := math.Abs(z); {
	case abs < 2:
		return model.SeverityLow
	case abs < 3:
		return model.SeverityMedium
	case abs < 4:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

// DetectCrossSyndication groups clusters by lowercased topicKey and emits
// one anomaly per key present in two or more categories. The hottest
// cluster is the source; the rest are targets.
func (d *Detector) DetectCrossSyndication(clusters []model.StoryCluster) []model.Anomaly {
	byKey := make(map[string][]model.StoryCluster)
	for _, c := range clusters {
		key := strings.ToLower(c.TopicKey)
		if key == "" {
			continue
		}
		byKey[key] = append(byKey[key], c)
	}

	var out []model.Anomaly
	for _, group := range byKey {
		categories := make(map[string]bool)
		for _, c := range group {
			categories[strings.ToLower(c.Category)] = true
		}
		if len(categories) < 2 {
			continue
		}
		hottest := group[0]
		for _, c := range group[1:] {
			if c.HeatScore > hottest.HeatScore {
				hottest = c
			}
		}
		targets := make([]string, 0, len(group)-1)
		for _, c := range group {
			if c.ID != hottest.ID {
				targets = append(targets, c.ID)
			}
		}
		out = append(out, model.Anomaly{
			ClusterID:  hottest.ID,
			Type:       model.AnomalyCrossSyndication,
			Severity:   model.SeverityMedium,
			Current:    hottest.HeatScore,
			Targets:    targets,
			DetectedAt: d.now().UTC(),
		})
	}
	return out
}

// ClassifyPattern diagnoses the shape of a series of at least ten samples,
// newest first. Returns false when no pattern fits.
func ClassifyPattern(history []model.HeatSample) (model.HeatPattern, bool) {
	if len(history) < patternMinSamples {
		return "", false
	}
	// chronological for shape analysis
	scores := make([]float64, len(history))
	for i, s := range history {
		scores[len(history)-1-i] = s.HeatScore
	}

	if oscillating(scores) {
		return model.PatternOscillating, true
	}
	if stepPattern(scores) {
		return model.PatternStep, true
	}
	up, down := stepDirections(scores)
	if up > 2*down && up > 0 {
		return model.PatternLinearGrowth, true
	}
	if down > 2*up && down > 0 {
		return model.PatternLinearDecay, true
	}
	return "", false
}

// oscillating: direction changes on more than 60% of steps.
func oscillating(scores []float64) bool {
	changes, lastDir := 0, 0
	for i := 1; i < len(scores); i++ {
		dir := sign(scores[i] - scores[i-1])
		if dir == 0 {
			continue
		}
		if lastDir != 0 && dir != lastDir {
			changes++
		}
		lastDir = dir
	}
	return float64(changes) > 0.6*float64(len(scores)-1)
}

// stepPattern: one jump above 30% of the series max, followed by low
// variance.
func stepPattern(scores []float64) bool {
	maxScore := scores[0]
	for _, v := range scores {
		if v > maxScore {
			maxScore = v
		}
	}
	if maxScore == 0 {
		return false
	}
	for i := 1; i < len(scores)-2; i++ {
		if scores[i]-scores[i-1] > 0.3*maxScore {
			after := scores[i:]
			_, std := stat.MeanStdDev(after, nil)
			if std < 0.1*maxScore {
				return true
			}
		}
	}
	return false
}

func stepDirections(scores []float64) (up, down int) {
	for i := 1; i < len(scores); i++ {
		switch sign(scores[i] - scores[i-1]) {
		case 1:
			up++
		case -1:
			down++
		}
	}
	return up, down
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
