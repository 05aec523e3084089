package main

import (
	"context"
	"errors"
	"os"

	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := shared.NewLogger(nil)

	config := shared.DefaultConfig()
	if _, err := os.Stat("config.toml"); err == nil {
		if loadedConfig, err := shared.LoadConfig("config.toml"); err == nil {
			config = loadedConfig
		}
	}

	runner := NewRunner(RunnerOpts{
		Config: config,
		Logger: logger,
	})

	app := &cli.Command{
		Name:     "semantic-tester",
		Usage:    "Verify candidate answers against reference texts with LLM judges",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		switch {
		case errors.Is(err, shared.ErrBatchInterrupted):
			logger.Warn("batch interrupted, recorded outcomes are durable")
			os.Exit(130)
		case errors.Is(err, shared.ErrChannelsExhausted):
			logger.Warn("batch aborted with all channels exhausted")
			os.Exit(1)
		default:
			logger.Fatalf("application error: %v", err)
		}
	}
}
