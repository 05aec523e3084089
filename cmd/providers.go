package main

import (
	"context"
	"fmt"

	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/urfave/cli/v3"
)

// ProvidersProbe validates every configured credential against its provider
// and prints per-channel pool health.
func (r *Runner) ProvidersProbe(ctx context.Context, cmd *cli.Command) error {
	if err := r.reloadConfig(cmd); err != nil {
		return err
	}

	channels, err := r.buildChannels()
	if err != nil {
		return err
	}

	r.writePlainHeader("Credential Health")
	for _, ch := range channels {
		logger := shared.WithLogger(r.logger, "channel", ch.Name())
		ch.Pool().ProbeAll(ctx, ch.Provider(), logger)

		counts := ch.Pool().Snapshot()
		r.writePlain("%s:", ch.Name())
		for health, count := range counts {
			r.writePlain(" %s=%d", health, count)
		}
		r.writePlain("\n")
		if ch.Exhausted() {
			r.writePlain("  ✗ channel has no usable credentials\n")
		}
	}

	return nil
}

// ProvidersModels lists the models the named channel's first credential can
// access.
func (r *Runner) ProvidersModels(ctx context.Context, cmd *cli.Command) error {
	if err := r.reloadConfig(cmd); err != nil {
		return err
	}

	name := cmd.String("channel")
	for _, cfg := range r.config.Channels {
		if cfg.Name != name {
			continue
		}
		if len(cfg.APIKeys) == 0 {
			return fmt.Errorf("%w: channel %q has no api_keys", shared.ErrMissingCredentials, name)
		}

		channels, err := r.buildChannels()
		if err != nil {
			return err
		}
		for _, ch := range channels {
			if ch.Name() != name {
				continue
			}
			modelIDs, err := ch.Provider().ListModels(ctx, cfg.APIKeys[0])
			if err != nil {
				return fmt.Errorf("failed to list models for %q: %w", name, err)
			}
			for _, id := range modelIDs {
				r.writePlain("%s\n", id)
			}
			return nil
		}
	}

	return fmt.Errorf("%w: unknown channel %q", shared.ErrInvalidArgument, name)
}

// providersCommand handles credential and model inspection
func providersCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "Inspect configured providers and credentials",
		Commands: []*cli.Command{
			{
				Name:  "probe",
				Usage: "Validate every configured credential",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to configuration file",
						Value:   "config.toml",
					},
				},
				Action: r.ProvidersProbe,
			},
			{
				Name:  "models",
				Usage: "List models available to a channel",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "channel",
						Usage:    "Channel name from the configuration",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to configuration file",
						Value:   "config.toml",
					},
				},
				Action: r.ProvidersModels,
			},
		},
	}
}
