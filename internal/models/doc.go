// Package models defines the domain types for the answer-verification batch runner.
//
// The package contains three categories of types:
//
// 1. Batch input: [Task] carries one question/answer/reference triple through the
// dispatch pipeline. Its immutable fields come from the input file; State and
// Attempts are mutated only by the owning dispatcher until the task reaches a
// terminal state.
//
// 2. Batch output: [Outcome] is the once-written verdict record for a task,
// keyed by TaskID in the outcome store. [Verdict] enumerates the four verdict
// values a provider judgment can produce.
//
// 3. Run accounting: [BatchSummary] aggregates completion counts and per-channel
// exhaustion reasons for the final report.
package models
