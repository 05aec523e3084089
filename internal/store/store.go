// package store provides the durable outcome store and batch input loading.
//
// The store keeps exactly one row per task, keyed by task ID. Writes are
// serialized through a mutex and committed with synchronous=FULL so every
// acknowledged outcome survives an interrupt at any point.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/shared"
)

const schema = `
	CREATE TABLE IF NOT EXISTS outcomes (
		task_id TEXT PRIMARY KEY,
		verdict TEXT NOT NULL,
		rationale TEXT NOT NULL DEFAULT '',
		channel TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		recorded_at TIMESTAMP NOT NULL
	)
`

// OutcomeStore persists task outcomes to SQLite. Safe for concurrent use; all
// writes flow through a single guarded path.
type OutcomeStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the outcome store at path. The schema is applied on
// every open, so a fresh path and a resumed path behave identically.
func Open(path string) (*OutcomeStore, error) {
	db, err := shared.NewDatabase(path)
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, 1, 1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outcomes table: %w", err)
	}

	return &OutcomeStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *OutcomeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Write upserts one outcome keyed by task ID. Writing the same task twice
// keeps the newer row, so replayed work never produces duplicates.
func (s *OutcomeStore) Write(outcome models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO outcomes (task_id, verdict, rationale, channel, attempts, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			verdict = excluded.verdict,
			rationale = excluded.rationale,
			channel = excluded.channel,
			attempts = excluded.attempts,
			recorded_at = excluded.recorded_at
	`

	_, err := s.db.Exec(query,
		outcome.TaskID,
		string(outcome.Verdict),
		outcome.Rationale,
		outcome.Channel,
		outcome.Attempts,
		outcome.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to write outcome for %s: %w", outcome.TaskID, err)
	}

	return nil
}

// Get retrieves the outcome for a task, or sql.ErrNoRows when none exists.
func (s *OutcomeStore) Get(taskID string) (models.Outcome, error) {
	query := `
		SELECT task_id, verdict, rationale, channel, attempts, recorded_at
		FROM outcomes
		WHERE task_id = ?
	`

	var outcome models.Outcome
	var verdict string
	err := s.db.QueryRow(query, taskID).Scan(
		&outcome.TaskID,
		&verdict,
		&outcome.Rationale,
		&outcome.Channel,
		&outcome.Attempts,
		&outcome.Timestamp,
	)
	if err != nil {
		return models.Outcome{}, err
	}
	outcome.Verdict = models.Verdict(verdict)

	return outcome, nil
}

// List returns every stored outcome ordered by task ID.
func (s *OutcomeStore) List() ([]models.Outcome, error) {
	query := `
		SELECT task_id, verdict, rationale, channel, attempts, recorded_at
		FROM outcomes
		ORDER BY task_id
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var outcome models.Outcome
		var verdict string
		if err := rows.Scan(
			&outcome.TaskID,
			&verdict,
			&outcome.Rationale,
			&outcome.Channel,
			&outcome.Attempts,
			&outcome.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		outcome.Verdict = models.Verdict(verdict)
		outcomes = append(outcomes, outcome)
	}

	return outcomes, rows.Err()
}

// SettledIDs returns the IDs of tasks with a terminal verdict, the set a
// resumed run skips. Error verdicts are not terminal; those tasks get another
// chance on the next run.
func (s *OutcomeStore) SettledIDs() (map[string]bool, error) {
	return s.idsWhere("verdict IN (?, ?, ?)",
		string(models.VerdictMatch), string(models.VerdictMismatch), string(models.VerdictUncertain))
}

// RecheckIDs returns the IDs of tasks recorded with a mismatch or error
// verdict, the set a recheck run re-evaluates to double-check negatives.
func (s *OutcomeStore) RecheckIDs() (map[string]bool, error) {
	return s.idsWhere("verdict IN (?, ?)",
		string(models.VerdictMismatch), string(models.VerdictError))
}

func (s *OutcomeStore) idsWhere(where string, args ...any) (map[string]bool, error) {
	rows, err := s.db.Query("SELECT task_id FROM outcomes WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome ids: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids[id] = true
	}

	return ids, rows.Err()
}

// Tally holds per-verdict counts for a report.
type Tally struct {
	Total     int
	Match     int
	Mismatch  int
	Uncertain int
	Errored   int
	Earliest  time.Time
	Latest    time.Time
}

// Tally aggregates verdict counts and the recording window across all rows.
func (s *OutcomeStore) Tally() (Tally, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END), 0)
		FROM outcomes
	`

	var t Tally
	err := s.db.QueryRow(query,
		string(models.VerdictMatch),
		string(models.VerdictMismatch),
		string(models.VerdictUncertain),
		string(models.VerdictError),
	).Scan(&t.Total, &t.Match, &t.Mismatch, &t.Uncertain, &t.Errored)
	if err != nil {
		return Tally{}, fmt.Errorf("failed to tally outcomes: %w", err)
	}
	if t.Total == 0 {
		return t, nil
	}

	// Fetched as bare columns so the driver keeps the declared timestamp type.
	if err := s.db.QueryRow("SELECT recorded_at FROM outcomes ORDER BY recorded_at ASC LIMIT 1").Scan(&t.Earliest); err != nil {
		return Tally{}, fmt.Errorf("failed to read recording window: %w", err)
	}
	if err := s.db.QueryRow("SELECT recorded_at FROM outcomes ORDER BY recorded_at DESC LIMIT 1").Scan(&t.Latest); err != nil {
		return Tally{}, fmt.Errorf("failed to read recording window: %w", err)
	}

	return t, nil
}
