package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"polyflux/internal/supervisor"
)

func superviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Spawn and keep the agent processes alive",
		RunE: func(*cobra.Command, []string) error {
			return runSupervise()
		},
	}
}

func runSupervise() error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	self, err := os.Executable()
	if err != nil {
		return err
	}

	args := func(sub string) []string {
		if cfgFile != "" {
			return []string{sub, "--config", cfgFile}
		}
		return []string{sub}
	}

	children := []supervisor.Child{
		{Name: "news", Cmd: self, Args: args("news"), Env: []string{"SERVER_ENABLED=false"}},
		{Name: "prediction", Cmd: self, Args: args("prediction")},
	}

	// The research engine is an external binary configured by the operator.
	if raw := os.Getenv("RESEARCH_ENGINE_CMD"); raw != "" {
		parts := strings.Fields(raw)
		children = append(children, supervisor.Child{
			Name: "research",
			Cmd:  parts[0],
			Args: parts[1:],
		})
	} else {
		log.Info().Msg("RESEARCH_ENGINE_CMD not set, research engine disabled")
	}

	sup := supervisor.New(children, nil, nil)
	return sup.Run(ctx)
}
