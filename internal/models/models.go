// package models defines the data model for the semantic verification batch runner
package models

import (
	"time"
)

// TaskState tracks a task through the dispatch lifecycle.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskAssigned
	TaskInFlight
	TaskCompleted
	TaskAbandoned
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskInFlight:
		return "in_flight"
	case TaskCompleted:
		return "completed"
	case TaskAbandoned:
		return "abandoned"
	default:
		return ""
	}
}

// Verdict is the judgment a provider returns for one task.
type Verdict string

const (
	VerdictMatch     Verdict = "yes"       // answer is consistent with the reference text
	VerdictMismatch  Verdict = "no"        // answer contradicts or exceeds the reference text
	VerdictUncertain Verdict = "uncertain" // provider response could not be interpreted
	VerdictError     Verdict = "error"     // task abandoned before a judgment was obtained
)

// Terminal reports whether v represents a judgment that should not be
// re-dispatched on resume. Error verdicts are re-processed by a later run.
func (v Verdict) Terminal() bool {
	return v == VerdictMatch || v == VerdictMismatch || v == VerdictUncertain
}

// Task is one verification unit: does CandidateAnswer agree with ReferenceText
// for Question? ID, Question, CandidateAnswer and ReferenceText are immutable
// after load; State and Attempts are owned by the dispatcher.
type Task struct {
	ID              string
	Question        string
	CandidateAnswer string
	ReferenceText   string

	State    TaskState
	Attempts int
}

// Outcome is the immutable result record for a task, written exactly once per
// task that reaches a terminal state.
type Outcome struct {
	TaskID    string
	Verdict   Verdict
	Rationale string
	Channel   string
	Attempts  int
	Timestamp time.Time
}

// BatchSummary reports the final state of one batch run.
type BatchSummary struct {
	Total     int
	Completed int
	Abandoned int
	Skipped   int // already present in the store from a prior run

	// Exhausted maps channel name to the reason the channel left rotation.
	Exhausted map[string]string
}

// Partial reports whether the run finished with unprocessed work.
func (s BatchSummary) Partial() bool {
	return s.Abandoned > 0
}
