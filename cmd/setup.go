package main

import (
	"context"
	"fmt"
	"os"

	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/MisonL/semantic-tester/internal/store"
	"github.com/urfave/cli/v3"
)

// Setup writes a starter config file when none exists and initializes the
// outcome store so the first run starts against a known-good database.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	if _, err := os.Stat(configPath); err == nil {
		r.logger.Info("config file already exists", "path", configPath)
		if config, err := shared.LoadConfig(configPath); err != nil {
			r.logger.Warn("existing config failed to parse, keeping defaults", "error", err)
		} else {
			r.config = config
		}
	} else {
		r.logger.Info("config file not found, creating from template", "path", configPath)
		if err := shared.CreateConfigFile(configPath); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		r.writePlain("✓ Created %s\n", configPath)
		r.writePlain("Edit it with your channels and API keys before running a batch.\n")
	}

	path := r.storePath(cmd)
	r.logger.Info("initializing outcome store", "path", path)

	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to initialize outcome store: %w", err)
	}
	defer st.Close()

	r.writePlain("✓ Outcome store ready at %s\n", path)
	return nil
}

func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create a starter config and initialize the outcome store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Path to the outcome store (overrides config)",
			},
		},
		Action: r.Setup,
	}
}
