package cluster

import (
	"math"
	"time"

	"polyflux/internal/news/model"
)

// Heat weights. A cluster's heat rises with each linked article and decays
// with article age; urgency scales both.
const (
	newClusterBaseHeat = 30.0
	linkBaseHeat       = 8.0
	entityHeatCap      = 10.0
	linkEntityCap      = 4.0
	heatHalfLifeHours  = 24.0
)

func urgencyFactor(u model.Urgency) float64 {
	switch u {
	case model.UrgencyCritical:
		return 1.6
	case model.UrgencyHigh:
		return 1.3
	case model.UrgencyLow:
		return 0.8
	default:
		return 1.0
	}
}

func recencyFactor(publishedAt, now time.Time) float64 {
	if publishedAt.IsZero() || publishedAt.After(now) {
		return 1.0
	}
	ageHours := now.Sub(publishedAt).Hours()
	return math.Exp(-ageHours / heatHalfLifeHours)
}

// InitialHeat scores a brand-new cluster from its first article.
func InitialHeat(a model.Article, label model.AILabel, entityCount int, now time.Time) float64 {
	boost := math.Min(entityHeatCap, 2.0*float64(entityCount))
	return (newClusterBaseHeat*urgencyFactor(label.Urgency) + boost) * recencyFactor(a.PublishedAt, now)
}

// LinkHeatDelta is the heat contribution of linking one more article into an
// existing cluster.
func LinkHeatDelta(a model.Article, label model.AILabel, entityCount int, now time.Time) float64 {
	boost := math.Min(linkEntityCap, float64(entityCount))
	return (linkBaseHeat*urgencyFactor(label.Urgency) + boost) * recencyFactor(a.PublishedAt, now)
}
