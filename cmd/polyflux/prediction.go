package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"polyflux/internal/config"
	"polyflux/internal/persistence/postgres"
	"polyflux/internal/prediction"
	"polyflux/internal/prediction/execution"
	"polyflux/internal/prediction/market"
	"polyflux/internal/prediction/pipeline"
	"polyflux/internal/prediction/reconcile"
	"polyflux/internal/prediction/risk"
	"polyflux/internal/scheduler"
	"polyflux/internal/server"
	"polyflux/internal/snapshot"
)

func predictionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prediction",
		Short: "Run the prediction-market trading agent",
		RunE: func(*cobra.Command, []string) error {
			return runPrediction()
		},
	}
}

func riskLimits(cfg config.PredictionConfig) risk.Limits {
	limits := risk.DefaultLimits()
	limits.MaxDailyLossPct = cfg.MaxDailyLossPct
	limits.MaxDailyLossUsd = cfg.MaxDailyLossUsd
	limits.MaxDailyTrades = cfg.MaxDailyTrades
	limits.MaxPortfolioHeatPct = cfg.MaxPortfolioHeatPct
	limits.MaxPositions = cfg.MaxPositions
	limits.MaxPositionPct = cfg.MaxPositionPct
	limits.CooldownAfterLoss = time.Duration(cfg.CooldownMinutes) * time.Minute
	limits.CooldownAfterWin = time.Duration(cfg.CooldownAfterWinMin) * time.Minute
	limits.StopLossPct = cfg.StopLossPct
	limits.EnableCorrelationCheck = cfg.EnableCorrelationCheck
	limits.MaxCorrelatedPositions = cfg.MaxCorrelatedPos
	limits.MaxSlippagePct = cfg.MaxSlippagePct
	limits.MinMarketVolume = cfg.MinMarketVolume
	limits.MaxMarketAgeDays = cfg.MaxMarketAgeDays
	limits.EmergencyStopDailyLoss = cfg.EmergencyStopLoss
	return limits
}

func runPrediction() error {
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

	var (
		stateRepo  risk.StateRepo
		execRepo   execution.Repo
		statusRepo prediction.StatusRepo
		snapStore  snapshot.Store
		trading    *postgres.TradingRepo
	)
	if rt.db != nil {
		trading = postgres.NewTradingRepo(rt.db)
		stateRepo = trading
		execRepo = trading
		statusRepo = trading
		snapStore = trading
	} else {
		log.Warn().Msg("no database configured, state will not survive restarts")
	}

	riskMgr := risk.NewManager(riskLimits(cfg.Prediction), stateRepo)

	mkt := market.NewClient(market.Config{
		GammaBase: cfg.Polymarket.APIBase,
		CLOBBase:  cfg.Polymarket.CLOBBase,
	}, rt.breakers, rt.limiter)

	// Live order routing is an external collaborator; every build trades
	// against the paper venue, with live mode tightening the gating.
	venue := market.NewPaperVenue()

	engine := execution.NewEngine(execution.Config{
		InitialBalance:     cfg.Prediction.PaperBalance,
		PaperTrading:       cfg.Prediction.PaperTrading,
		OrderTimeout:       cfg.OrderTimeout(),
		MaxSlippagePct:     cfg.Prediction.MaxSlippagePct,
		SlippageGateOnSell: cfg.Prediction.SlippageGateOnSell,
	}, riskMgr, venue, execRepo, rt.events)

	reconCfg := reconcile.DefaultConfig()
	reconCfg.AutoCloseOrphans = cfg.Prediction.ReconcileAutoCloseOrphans
	reconCfg.HaltOnCritical = true
	reconciler := reconcile.NewReconciler(reconCfg, engine, venue, rt.events, riskMgr)

	newsCtx := pipeline.NewNewsContext()
	unsub, err := newsCtx.Attach(ctx, rt.events)
	if err != nil {
		return err
	}
	defer unsub()

	agent := prediction.NewAgent(prediction.AgentConfig{
		CycleInterval: time.Minute,
	}, prediction.AgentDeps{
		Source:     mkt,
		Engine:     engine,
		Risk:       riskMgr,
		Reconciler: reconciler,
		News:       newsCtx,
		Status:     statusRepo,
		Events:     rt.events,
	})

	rt.attachMetricsBridge(ctx, engine)

	snapSvc := snapshot.NewService(snapshot.Config{
		Interval:    cfg.Snapshot.FullInterval,
		MaxInMemory: cfg.Snapshot.MaxInMemory,
		Retention:   cfg.Snapshot.Retention,
	}, engine, snapStore)
	snapSvc.Start()
	defer snapSvc.Stop()

	if trading != nil {
		sched := scheduler.New()
		sched.Register("snapshot-prune", func(ctx context.Context) error {
			n, err := trading.PruneSnapshotsBefore(ctx, time.Now().Add(-cfg.Snapshot.Retention))
			if err == nil && n > 0 {
				log.Info().Int64("pruned", n).Msg("snapshots pruned")
			}
			return err
		})
		if err := sched.Start(ctx, scheduler.DefaultConfig()); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Addr, server.Deps{
			Breakers:  rt.breakers,
			Portfolio: engine,
			Agent:     agent,
			Events:    rt.events,
			Gatherer:  rt.registry,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		agent.Run(ctx)
		return nil
	})
	return g.Wait()
}
