// Package ui implements a live batch monitor using bubbletea's Elm architecture.
//
// The monitor has two views:
//  1. [RunningView] : live verdict counts, in-flight tasks, and recent status lines
//  2. [SummaryView] : final tallies once the event stream closes
//
// The [Model] implements bubbletea's standard Init/Update/View pattern and is a
// passive consumer of the dispatcher's event channel; it never influences
// scheduling. Event delivery is best-effort, so the counters shown while
// running are advisory and the summary view uses the dispatcher's final totals.
package ui
