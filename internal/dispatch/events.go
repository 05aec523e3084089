package dispatch

import (
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
)

// Event is an immutable status notification emitted during a batch run.
// Events carry structure only; rendering belongs to the consumer.
//
// Delivery is best-effort: the dispatcher sends with a non-blocking select, so
// a slow or absent consumer never stalls the pipeline.
type Event struct {
	Kind          EventKind
	TaskID        string
	Channel       string
	Verdict       models.Verdict
	Reason        string
	NextAttemptAt time.Time
	Completed     int
	Abandoned     int
}

// EventKind enumerates batch status events.
type EventKind int

const (
	TaskStarted EventKind = iota
	TaskRetrying
	TaskCompleted
	ChannelExhausted
	BatchFinished
)

func (k EventKind) String() string {
	switch k {
	case TaskStarted:
		return "task_started"
	case TaskRetrying:
		return "task_retrying"
	case TaskCompleted:
		return "task_completed"
	case ChannelExhausted:
		return "channel_exhausted"
	case BatchFinished:
		return "batch_finished"
	default:
		return ""
	}
}

func taskStartedEvent(taskID, channel string) Event {
	return Event{
		Kind:    TaskStarted,
		TaskID:  taskID,
		Channel: channel,
	}
}

func taskRetryingEvent(taskID, channel, reason string, nextAttemptAt time.Time) Event {
	return Event{
		Kind:          TaskRetrying,
		TaskID:        taskID,
		Channel:       channel,
		Reason:        reason,
		NextAttemptAt: nextAttemptAt,
	}
}

func taskCompletedEvent(taskID, channel string, verdict models.Verdict) Event {
	return Event{
		Kind:    TaskCompleted,
		TaskID:  taskID,
		Channel: channel,
		Verdict: verdict,
	}
}

func channelExhaustedEvent(channel, reason string) Event {
	return Event{
		Kind:    ChannelExhausted,
		Channel: channel,
		Reason:  reason,
	}
}

func batchFinishedEvent(completed, abandoned int) Event {
	return Event{
		Kind:      BatchFinished,
		Completed: completed,
		Abandoned: abandoned,
	}
}
