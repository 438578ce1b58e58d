package heat

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"polyflux/internal/news/model"
)

const predictorMinWindow = 24

var forecastHorizons = []int{1, 6, 24}

// ErrShortHistory is returned when fewer than 24 samples are available.
var ErrShortHistory = errors.New("heat: history shorter than prediction window")

// Predictor produces horizoned heat forecasts.
type Predictor struct {
	now func() time.Time
}

func NewPredictor() *Predictor {
	return &Predictor{now: time.Now}
}

// Predict analyzes a history (newest first) and forecasts 1, 6 and 24
// hours ahead.
func (p *Predictor) Predict(clusterID string, history []model.HeatSample) (*model.HeatPrediction, error) {
	if len(history) < predictorMinWindow {
		return nil, ErrShortHistory
	}

	// chronological copy for regression
	scores := make([]float64, len(history))
	xs := make([]float64, len(history))
	for i, s := range history {
		scores[len(history)-1-i] = s.HeatScore
		xs[len(history)-1-i] = float64(len(history) - 1 - i)
	}
	current := scores[len(scores)-1]

	mean, std := stat.MeanStdDev(scores, nil)
	_, slope := stat.LinearRegression(xs, scores, nil, false)

	trend := 0.0
	if mean != 0 {
		trend = clamp(slope/mean, -1, 1)
	}
	volatility := 0.0
	if mean != 0 {
		volatility = math.Abs(std / mean)
	}
	momentum := computeMomentum(history)
	stage := classifyStage(scores, trend)

	pred := &model.HeatPrediction{
		ClusterID:      clusterID,
		Current:        current,
		TrendDirection: trend,
		Volatility:     volatility,
		Momentum:       momentum,
		Stage:          stage,
		GeneratedAt:    p.now().UTC(),
	}

	for _, h := range forecastHorizons {
		hf := float64(h)
		predicted := current + trend*std*hf*0.5
		predicted *= stageFactor(stage, hf)
		predicted *= 1 + momentum*0.1*hf
		if predicted < 0 {
			predicted = 0
		}
		confidence := math.Exp(-hf/12) * math.Exp(-2*volatility)
		margin := 1.96 * std * math.Sqrt(hf) * (1 + volatility)
		lower := predicted - margin
		if lower < 0 {
			lower = 0
		}
		pred.Forecasts = append(pred.Forecasts, model.HeatForecast{
			HorizonHours: h,
			Predicted:    predicted,
			Confidence:   confidence,
			LowerBound:   lower,
			UpperBound:   predicted + margin,
		})
	}

	pred.Trajectory = classifyTrajectory(current, pred.Forecasts, trend, momentum)
	return pred, nil
}

// computeMomentum compares the newest five samples against the five before
// them. History is newest first.
func computeMomentum(history []model.HeatSample) float64 {
	if len(history) < 10 {
		return 0
	}
	var newest, prior float64
	for i := 0; i < 5; i++ {
		newest += history[i].HeatScore
		prior += history[i+5].HeatScore
	}
	newest /= 5
	prior /= 5
	if prior == 0 {
		return 0
	}
	return (newest - prior) / prior
}

// classifyStage places the current value within the series range and
// combines it with the recent trend.
func classifyStage(scores []float64, trend float64) model.LifecycleStage {
	minV, maxV := scores[0], scores[0]
	for _, v := range scores {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if maxV == minV {
		return model.StageStable
	}
	position := (scores[len(scores)-1] - minV) / (maxV - minV)

	switch {
	case position < 0.3 && trend > 0.05:
		return model.StageEmerging
	case trend > 0.05:
		return model.StageGrowing
	case position >= 0.7 && trend >= -0.05:
		return model.StagePeak
	case trend < -0.05:
		return model.StageDecaying
	default:
		return model.StageStable
	}
}

func stageFactor(stage model.LifecycleStage, h float64) float64 {
	switch stage {
	case model.StageEmerging:
		return math.Pow(1.05, h)
	case model.StageGrowing:
		return math.Pow(1.02, h)
	case model.StagePeak:
		return math.Pow(0.98, h)
	case model.StageDecaying:
		return math.Pow(0.95, h)
	default:
		return 1.0
	}
}

func classifyTrajectory(current float64, forecasts []model.HeatForecast, trend, momentum float64) model.Trajectory {
	change := func(h int) float64 {
		for _, f := range forecasts {
			if f.HorizonHours == h {
				if current == 0 {
					return 0
				}
				return (f.Predicted - current) / current
			}
		}
		return 0
	}
	h1, h24 := change(1), change(24)

	switch {
	case h1 > 0.20 && h24 > 0.50:
		return model.TrajectorySpiking
	case h1 < -0.20 && h24 < -0.50:
		return model.TrajectoryCrashing
	case h1 > 0.05 || (trend > 0.1 && momentum > 0.1):
		return model.TrajectoryGrowing
	case h1 < -0.05 || (trend < -0.1 && momentum < -0.1):
		return model.TrajectoryDecaying
	default:
		return model.TrajectoryStable
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
