package main

import (
	"github.com/spf13/cobra"

	"polyflux/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the standalone status server",
		Long: "Serves health, circuit and metrics endpoints plus the websocket " +
			"event stream. Useful with a Redis bus, where events from the agent " +
			"processes are visible across process boundaries.",
		RunE: func(*cobra.Command, []string) error {
			return runServe()
		},
	}
}

func runServe() error {
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

	srv := server.New(cfg.Server.Addr, server.Deps{
		Breakers: rt.breakers,
		Events:   rt.events,
		Gatherer: rt.registry,
	})
	return srv.Run(ctx)
}
