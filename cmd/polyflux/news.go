package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"polyflux/internal/news"
	"polyflux/internal/news/entities"
	"polyflux/internal/news/similarity"
	"polyflux/internal/news/store"
	"polyflux/internal/persistence/postgres"
	"polyflux/internal/scheduler"
	"polyflux/internal/server"
	"polyflux/internal/vector"
)

func newsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "news",
		Short: "Run the news ingestion and story clustering agent",
		RunE: func(*cobra.Command, []string) error {
			return runNews()
		},
	}
}

func runNews() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	var st store.Store
	if rt.db != nil {
		st = postgres.NewNewsRepo(rt.db)
	} else {
		log.Warn().Msg("no database configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	llmClient := rt.buildLLM()
	if !llmClient.Available() {
		log.Warn().Msg("no LLM endpoint configured, running with heuristic fallbacks")
	}
	sim, err := similarity.NewService(llmClient)
	if err != nil {
		return fmt.Errorf("similarity service: %w", err)
	}
	extractor, err := entities.New(llmClient)
	if err != nil {
		return fmt.Errorf("entity extractor: %w", err)
	}

	searchURL := os.Getenv("NEWS_SEARCH_URL")
	if searchURL == "" {
		return fmt.Errorf("NEWS_SEARCH_URL is required for the news agent")
	}

	orch := news.NewOrchestrator(news.Config{
		Categories:            cfg.News.Categories,
		RotationMode:          cfg.News.RotationMode,
		QueriesPerCategory:    cfg.News.QueriesPerCategory,
		EnhancedClustering:    cfg.News.EnhancedClustering,
		DecrementUniqueTitles: cfg.News.DecrementUniqueTitlesOnMerge,
	}, news.Deps{
		Source:    newSearchSource(searchURL, cfg.News.QueriesPerCategory),
		Labeler:   news.NewLLMLabeler(llmClient),
		Extractor: extractor,
		Sim:       sim,
		Store:     st,
		Vectors:   vector.NewMemoryStore(),
		Breakers:  rt.breakers,
		Bus:       rt.events,
	})

	rt.attachMetricsBridge(ctx, nil)

	sched := scheduler.New()
	sched.Register("heat-prune", func(ctx context.Context) error {
		n, err := st.PruneHeatBefore(ctx, time.Now().Add(-7*24*time.Hour))
		if err == nil && n > 0 {
			log.Info().Int64("pruned", n).Msg("heat history pruned")
		}
		return err
	})
	if err := sched.Start(ctx, scheduler.DefaultConfig()); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Addr, server.Deps{
			Breakers: rt.breakers,
			Events:   rt.events,
			Gatherer: rt.registry,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		return orch.Run(ctx, cfg.NewsCycleInterval())
	})
	return g.Wait()
}
