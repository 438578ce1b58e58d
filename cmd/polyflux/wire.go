package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"polyflux/internal/bus"
	"polyflux/internal/config"
	"polyflux/internal/llm"
	"polyflux/internal/metrics"
	"polyflux/internal/net/circuit"
	"polyflux/internal/net/httpx"
	"polyflux/internal/net/ratelimit"
	"polyflux/internal/news"
	"polyflux/internal/persistence/postgres"
	"polyflux/internal/prediction/model"
	"polyflux/internal/server"
)

// runtime bundles the ambient collaborators every subcommand shares.
type runtime struct {
	cfg      *config.Config
	breakers *circuit.Registry
	limiter  *ratelimit.DualLimiter
	events   bus.Bus
	registry *prometheus.Registry
	metrics  *metrics.Set
	db       *sqlx.DB
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		cfg: cfg,
		breakers: circuit.NewRegistry(circuit.Config{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			ResetAfter:       cfg.Circuit.ResetAfter,
			CountClientErrs:  cfg.Circuit.CountNon429ClientErrs,
		}),
		limiter:  ratelimit.DefaultDualLimiter(),
		registry: prometheus.NewRegistry(),
	}
	rt.metrics = metrics.New(rt.registry)

	if cfg.Redis.Addr != "" {
		rt.events = bus.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Prefix)
	} else {
		rt.events = bus.NewMemoryBus()
	}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		rt.db = db
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.db != nil {
		_ = rt.db.Close()
	}
	_ = rt.events.Close()
}

// buildLLM returns the language-model client, or the disabled stub when no
// endpoint is configured. LLM traffic goes through the shared resilient
// transport so it shares breaker and rate-budget accounting.
func (rt *runtime) buildLLM() llm.Client {
	base := os.Getenv("LLM_API_URL")
	if base == "" {
		return llm.Disabled{}
	}
	transport := httpx.New(httpx.DefaultConfig("llm", "llm"), rt.breakers, rt.limiter, rt.metrics.HTTPInterceptor())
	return llm.NewHTTPClient(llm.HTTPConfig{
		BaseURL:    base,
		APIKey:     os.Getenv("LLM_API_KEY"),
		Model:      envOr("LLM_MODEL", "gpt-4o-mini"),
		EmbedModel: envOr("LLM_EMBED_MODEL", "text-embedding-3-small"),
	}, transport)
}

// attachMetricsBridge feeds the prometheus collectors from bus events so the
// pipelines stay unaware of the metrics surface. portfolio may be nil.
func (rt *runtime) attachMetricsBridge(ctx context.Context, portfolio server.PortfolioSource) {
	subscribe := func(topic string, h bus.Handler) {
		if _, err := rt.events.Subscribe(ctx, topic, h); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("metrics bridge subscribe failed")
		}
	}

	subscribe(bus.TopicNewsClustered, func(_ context.Context, msg bus.Message) error {
		var res news.CycleResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			return err
		}
		rt.metrics.ObserveNewsCycle(res.Step, res.FinishedAt.Sub(res.StartedAt))
		rt.metrics.ClustersCreated.Add(float64(res.Created))
		rt.metrics.ClustersMerged.Add(float64(res.Merged))
		return nil
	})

	subscribe(bus.TopicNewsAnomaly, func(_ context.Context, msg bus.Message) error {
		var a struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		rt.metrics.AnomaliesFound.WithLabelValues(a.Type).Inc()
		return nil
	})

	subscribe(bus.TopicTradeExecuted, func(_ context.Context, msg bus.Message) error {
		var t model.Trade
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			return err
		}
		rt.metrics.ObserveTrade(string(t.Side), t.Shares*t.Price)
		if portfolio != nil {
			p := portfolio.GetPortfolio()
			rt.metrics.PortfolioValue.Set(p.TotalValue)
			rt.metrics.OpenPositions.Set(float64(p.PositionCount))
		}
		return nil
	})

	subscribe(bus.TopicStopLoss, func(context.Context, bus.Message) error {
		rt.metrics.StopLossExits.Inc()
		return nil
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
