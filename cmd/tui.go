package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MisonL/semantic-tester/internal/dispatch"
	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/MisonL/semantic-tester/internal/store"
	"github.com/MisonL/semantic-tester/internal/ui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"
)

// TUI runs a batch with the interactive monitor instead of plain output.
func (r *Runner) TUI(ctx context.Context, cmd *cli.Command) error {
	if err := r.reloadConfig(cmd); err != nil {
		return err
	}

	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/semantic-tester-tui.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	r.SetLogger(fileLogger)

	tasks, err := store.LoadTasks(cmd.String("tasks"))
	if err != nil {
		return err
	}

	st, err := store.Open(r.storePath(cmd))
	if err != nil {
		return err
	}
	defer st.Close()

	pending, skipped, err := filterTasks(st, tasks, cmd.Bool("recheck"))
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		r.writePlain("All %d tasks already have recorded verdicts.\n", len(tasks))
		return nil
	}

	channels, err := r.buildChannels()
	if err != nil {
		return err
	}

	events := make(chan dispatch.Event, 64)
	d := dispatch.New(dispatch.Opts{
		Channels:     channels,
		Policy:       dispatch.NewRetryPolicy(r.config.Batch),
		Sink:         st,
		Logger:       r.logger,
		Events:       events,
		GraceTimeout: r.config.Batch.GraceTimeoutOrDefault(),
	})
	d.Submit(pending)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() {
		_, err := d.Run(runCtx)
		runDone <- err
		close(events)
	}()

	model := ui.NewModel(events, len(pending), skipped)
	p := tea.NewProgram(model)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	// Quitting the monitor interrupts the batch; the dispatcher drains before
	// reporting.
	stop()
	return <-runDone
}

// tuiCommand launches the interactive batch monitor
func tuiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "tui",
		Usage: "Run a batch with the interactive monitor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "tasks",
				Aliases:  []string{"t"},
				Usage:    "Path to the CSV task file",
				Required: true,
			},
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
			&cli.BoolFlag{
				Name:  "recheck",
				Usage: "Re-evaluate tasks previously recorded as mismatch or error",
			},
		},
		Action: r.TUI,
	}
}
