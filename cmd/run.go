package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/MisonL/semantic-tester/internal/dispatch"
	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/store"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

// RunBatch loads tasks, skips already-settled ones, and drives the batch to
// completion. Interrupts drain in-flight calls before exiting; everything the
// store acknowledged stays recorded.
func (r *Runner) RunBatch(ctx context.Context, cmd *cli.Command) error {
	if err := r.reloadConfig(cmd); err != nil {
		return err
	}
	if cmd.Bool("verbose") {
		r.logger.SetLevel(log.DebugLevel)
	}

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
	r.logger.Info("batch loaded", "tasks", len(tasks), "pending", len(pending), "skipped", skipped)
	if len(pending) == 0 {
		r.writePlain("All %d tasks already have recorded verdicts.\n", len(tasks))
		return nil
	}

	channels, err := r.buildChannels()
	if err != nil {
		return err
	}

	events := make(chan dispatch.Event, 64)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for event := range events {
			switch event.Kind {
			case dispatch.TaskCompleted:
				r.writePlain("  %s → %s\n", event.TaskID, event.Verdict)
			case dispatch.TaskRetrying:
				r.writePlain("  ↻ %s: %s\n", event.TaskID, event.Reason)
			case dispatch.ChannelExhausted:
				r.writePlain("✗ channel %s exhausted: %s\n", event.Channel, event.Reason)
			}
		}
	}()

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

	r.writePlain("Verifying %d answers across %d channels...\n\n", len(pending), len(channels))
	summary, runErr := d.Run(runCtx)
	close(events)
	<-printerDone

	summary.Skipped = skipped
	r.printSummary(summary)

	return runErr
}

// filterTasks removes tasks the store has already settled. A normal run skips
// every terminal verdict; a recheck run re-evaluates mismatch and error rows
// to double-check negatives.
func filterTasks(st *store.OutcomeStore, tasks []*models.Task, recheck bool) ([]*models.Task, int, error) {
	settled, err := st.SettledIDs()
	if err != nil {
		return nil, 0, err
	}

	skip := settled
	if recheck {
		recheckable, err := st.RecheckIDs()
		if err != nil {
			return nil, 0, err
		}
		skip = map[string]bool{}
		for id := range settled {
			if !recheckable[id] {
				skip[id] = true
			}
		}
	}

	var pending []*models.Task
	skipped := 0
	for _, task := range tasks {
		if skip[task.ID] {
			skipped++
			continue
		}
		pending = append(pending, task)
	}

	return pending, skipped, nil
}

func (r *Runner) printSummary(summary models.BatchSummary) {
	r.writePlain("\n")
	r.writePlainHeader("Batch Summary")
	r.writePlain("Completed: %d\n", summary.Completed)
	r.writePlain("Abandoned: %d\n", summary.Abandoned)
	if summary.Skipped > 0 {
		r.writePlain("Skipped (already recorded): %d\n", summary.Skipped)
	}
	for name, reason := range summary.Exhausted {
		r.writePlain("Channel %s exhausted: %s\n", name, reason)
	}
}

// runCommand verifies a batch of answers from a task file
func runCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Verify a batch of answers from a CSV task file",
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
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: r.RunBatch,
	}
}
