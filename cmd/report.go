package main

import (
	"context"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/store"
	"github.com/urfave/cli/v3"
)

// Report summarizes the outcome store: per-verdict counts and, optionally,
// every row that did not settle on a clean match.
func (r *Runner) Report(ctx context.Context, cmd *cli.Command) error {
	if err := r.reloadConfig(cmd); err != nil {
		return err
	}

	st, err := store.Open(r.storePath(cmd))
	if err != nil {
		return err
	}
	defer st.Close()

	tally, err := st.Tally()
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{
			"total":     tally.Total,
			"match":     tally.Match,
			"mismatch":  tally.Mismatch,
			"uncertain": tally.Uncertain,
			"error":     tally.Errored,
		}, true)
	}

	r.writePlainHeader("Verification Report")
	r.writePlain("Total recorded: %d\n", tally.Total)
	r.writePlain("Match:     %d\n", tally.Match)
	r.writePlain("Mismatch:  %d\n", tally.Mismatch)
	r.writePlain("Uncertain: %d\n", tally.Uncertain)
	r.writePlain("Error:     %d\n", tally.Errored)
	if !tally.Earliest.IsZero() {
		r.writePlain("Recorded between %s and %s\n",
			tally.Earliest.Format("2006-01-02 15:04:05"),
			tally.Latest.Format("2006-01-02 15:04:05"))
	}

	if !cmd.Bool("failures") {
		return nil
	}

	outcomes, err := st.List()
	if err != nil {
		return err
	}

	r.writePlain("\nUnsettled rows:\n")
	found := false
	for _, outcome := range outcomes {
		if outcome.Verdict == models.VerdictMatch || outcome.Verdict == models.VerdictMismatch {
			continue
		}
		found = true
		r.writePlain("  %s [%s] %s\n", outcome.TaskID, outcome.Verdict, outcome.Rationale)
	}
	if !found {
		r.writePlain("  (none)\n")
	}

	return nil
}

// reportCommand summarizes stored verdicts
func reportCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Summarize recorded verdicts",
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
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Emit the tally as JSON",
			},
			&cli.BoolFlag{
				Name:  "failures",
				Usage: "List uncertain and error rows",
			},
		},
		Action: r.Report,
	}
}
