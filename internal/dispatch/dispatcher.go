package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MisonL/semantic-tester/internal/models"
	"github.com/MisonL/semantic-tester/internal/shared"
	"github.com/charmbracelet/log"
)

// Sink is the single writer of outcomes into the shared store. Write must be
// idempotent per task ID and safe under concurrent invocation.
type Sink interface {
	Write(outcome models.Outcome) error
}

// Opts contains the dependencies for a Dispatcher.
type Opts struct {
	Channels     []*Channel
	Policy       RetryPolicy
	Sink         Sink
	Logger       *log.Logger
	Events       chan<- Event  // optional; delivery is best-effort
	GraceTimeout time.Duration // drain wait for in-flight calls on interrupt

	// Now and Sleep are injectable for deterministic scheduling tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher pulls pending tasks from an ordered backlog and assigns each to
// an available channel slot. It owns every task until a terminal state.
type Dispatcher struct {
	channels []*Channel
	policy   RetryPolicy
	sink     Sink
	logger   *log.Logger
	events   chan<- Event
	grace    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup

	mu        sync.Mutex
	backlog   []*models.Task
	inflight  int
	completed int
	abandoned int
	exhausted map[string]string
	fatalErr  error
	finalized bool

	// wake is signalled (coalesced) whenever a worker resolves, requeues, or
	// fails, so the coordinator never busy-polls.
	wake chan struct{}
}

// New creates a Dispatcher. Channels, Sink and Policy are required.
func New(opts Opts) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 30 * time.Second
	}

	return &Dispatcher{
		channels:  opts.Channels,
		policy:    opts.Policy,
		sink:      opts.Sink,
		logger:    opts.Logger,
		events:    opts.Events,
		grace:     opts.GraceTimeout,
		now:       opts.Now,
		sleep:     opts.Sleep,
		exhausted: map[string]string{},
		wake:      make(chan struct{}, 1),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit enqueues tasks onto the backlog in stable input order. Call before
// Run; submitted tasks start Pending.
func (d *Dispatcher) Submit(tasks []*models.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range tasks {
		t.State = models.TaskPending
		d.backlog = append(d.backlog, t)
	}
}

// Run drives the batch to completion or abort. It returns a summary and nil on
// full success, [shared.ErrChannelsExhausted] when the batch aborted with
// remaining tasks abandoned, [shared.ErrBatchInterrupted] when the context was
// cancelled mid-batch, or the fatal persistence error.
func (d *Dispatcher) Run(ctx context.Context) (models.BatchSummary, error) {
	if len(d.channels) == 0 {
		return d.summary(), shared.ErrNoChannels
	}

	d.mu.Lock()
	queued := len(d.backlog)
	d.mu.Unlock()
	d.logger.Info("batch starting",
		"run", shared.GenerateID(), "tasks", queued, "channels", len(d.channels))

	d.probeChannels(ctx)

	for {
		select {
		case <-ctx.Done():
			return d.drainInterrupted()
		default:
		}

		d.mu.Lock()
		if d.fatalErr != nil {
			d.mu.Unlock()
			return d.drainFatal()
		}
		var task *models.Task
		if len(d.backlog) > 0 {
			task = d.backlog[0]
			d.backlog = d.backlog[1:]
		}
		inflight := d.inflight
		d.mu.Unlock()

		if task == nil {
			if inflight == 0 {
				break
			}
			if err := d.wait(ctx, time.Time{}); err != nil {
				return d.drainInterrupted()
			}
			continue
		}

		ch, cred := d.pickChannel()
		if ch == nil {
			d.requeueFront(task, false)
			if d.allExhausted() {
				if inflight == 0 {
					return d.abortExhausted()
				}
				// In-flight work may still requeue or complete; wait for it.
				if err := d.wait(ctx, time.Time{}); err != nil {
					return d.drainInterrupted()
				}
				continue
			}
			if err := d.wait(ctx, d.earliestCooldown()); err != nil {
				return d.drainInterrupted()
			}
			continue
		}

		task.State = models.TaskAssigned
		d.mu.Lock()
		d.inflight++
		d.mu.Unlock()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.execute(ctx, task, ch, cred)
		}()
	}

	d.wg.Wait()
	d.finish()
	return d.summary(), nil
}

// probeChannels validates every untested credential before the first dispatch.
// Channels probe in parallel; keys within a channel probe sequentially.
func (d *Dispatcher) probeChannels(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			logger := shared.WithLogger(d.logger, "channel", ch.Name())
			ch.pool.ProbeAll(ctx, ch.provider, logger)
			if ch.Exhausted() {
				d.markExhausted(ch, "all credentials failed probe")
			}
		}(ch)
	}
	wg.Wait()
}

// pickChannel selects the least-recently-used non-exhausted channel that has
// both a free slot and a ready credential, claiming both.
func (d *Dispatcher) pickChannel() (*Channel, *Credential) {
	now := d.now()

	var candidates []*Channel
	for _, ch := range d.channels {
		if ch.Exhausted() || !ch.hasFreeSlot() {
			continue
		}
		candidates = append(candidates, ch)
	}

	for {
		var pick *Channel
		for _, ch := range candidates {
			if pick == nil || ch.lastDispatchedAt().Before(pick.lastDispatchedAt()) {
				pick = ch
			}
		}
		if pick == nil {
			return nil, nil
		}

		if cred, ok := pick.pool.Acquire(); ok {
			if pick.tryAcquireSlot(now) {
				return pick, cred
			}
			pick.pool.Release(cred, nil)
		}

		// No ready credential (or the slot vanished); drop this candidate.
		remaining := candidates[:0]
		for _, ch := range candidates {
			if ch != pick {
				remaining = append(remaining, ch)
			}
		}
		candidates = remaining
	}
}

// execute performs one provider call for a task and routes the result through
// the retry policy. Runs in its own goroutine; the channel slot is held for
// the duration of the call only.
func (d *Dispatcher) execute(ctx context.Context, task *models.Task, ch *Channel, cred *Credential) {
	if ch.limiter != nil {
		if err := ch.limiter.Wait(ctx); err != nil {
			ch.pool.Release(cred, nil)
			ch.releaseSlot()
			d.requeueFront(task, true)
			return
		}
	}

	task.State = models.TaskInFlight
	task.Attempts++
	d.emit(taskStartedEvent(task.ID, ch.Name()))

	judgment, err := ch.provider.Evaluate(ctx, cred.Key, *task)
	ch.pool.Release(cred, err)

	// Free the slot before routing the result so the coordinator's next wake
	// sees the channel as available.
	ch.releaseSlot()

	if err == nil {
		d.complete(task, ch, judgment.Verdict, judgment.Rationale)
		return
	}

	decision := d.policy.Decide(err, task.Attempts)
	d.logger.Debug("provider call failed",
		"task", task.ID, "channel", ch.Name(), "attempt", task.Attempts,
		"decision", decision.Kind, "err", err)

	switch decision.Kind {
	case RecordUncertain:
		d.complete(task, ch, models.VerdictUncertain, err.Error())

	case RetryNow:
		// The failure was the credential's, not the task's; give the
		// attempt back.
		task.Attempts--
		if ch.Exhausted() {
			d.markExhausted(ch, "no usable credentials remain")
		}
		d.emit(taskRetryingEvent(task.ID, ch.Name(), err.Error(), d.now()))
		d.requeueBack(task)

	case RetryAfter:
		d.emit(taskRetryingEvent(task.ID, ch.Name(), err.Error(), d.now().Add(decision.Delay)))
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sleep(ctx, decision.Delay)
			d.requeueBack(task)
		}()

	case Abandon:
		d.abandon(task, ch.Name(), fmt.Sprintf("retries exhausted: %v", err))

	case Fatal:
		d.fail(err)
	}
}

// complete writes the task's outcome and marks it terminal. A write failure is
// fatal to the batch.
func (d *Dispatcher) complete(task *models.Task, ch *Channel, verdict models.Verdict, rationale string) {
	if d.isFinalized() {
		// The run already ended; this worker missed the drain window and its
		// task was counted abandoned. The store may be closed, so no write.
		return
	}
	outcome := models.Outcome{
		TaskID:    task.ID,
		Verdict:   verdict,
		Rationale: rationale,
		Channel:   ch.Name(),
		Attempts:  task.Attempts,
		Timestamp: d.now(),
	}
	if err := d.sink.Write(outcome); err != nil {
		d.fail(fmt.Errorf("%w: %v", shared.ErrPersistence, err))
		return
	}

	task.State = models.TaskCompleted
	d.mu.Lock()
	d.completed++
	d.inflight--
	d.mu.Unlock()
	d.emit(taskCompletedEvent(task.ID, ch.Name(), verdict))
	d.signal()
}

// abandon records an error verdict for a task whose retry budget is spent.
func (d *Dispatcher) abandon(task *models.Task, channel, rationale string) {
	if d.isFinalized() {
		return
	}
	outcome := models.Outcome{
		TaskID:    task.ID,
		Verdict:   models.VerdictError,
		Rationale: rationale,
		Channel:   channel,
		Attempts:  task.Attempts,
		Timestamp: d.now(),
	}
	if err := d.sink.Write(outcome); err != nil {
		d.fail(fmt.Errorf("%w: %v", shared.ErrPersistence, err))
		return
	}

	task.State = models.TaskAbandoned
	d.mu.Lock()
	d.abandoned++
	d.inflight--
	d.mu.Unlock()
	d.emit(taskCompletedEvent(task.ID, channel, models.VerdictError))
	d.signal()
}

// requeueBack reinserts a retried task at the back of the backlog so a
// struggling task does not monopolize the front.
func (d *Dispatcher) requeueBack(task *models.Task) {
	task.State = models.TaskPending
	d.mu.Lock()
	d.backlog = append(d.backlog, task)
	d.inflight--
	d.mu.Unlock()
	d.signal()
}

// requeueFront hands back a task that was never attempted. wasInflight is true
// when the task already counted against the in-flight total.
func (d *Dispatcher) requeueFront(task *models.Task, wasInflight bool) {
	task.State = models.TaskPending
	d.mu.Lock()
	d.backlog = append([]*models.Task{task}, d.backlog...)
	if wasInflight {
		d.inflight--
	}
	d.mu.Unlock()
	if wasInflight {
		d.signal()
	}
}

func (d *Dispatcher) fail(err error) {
	d.mu.Lock()
	if d.fatalErr == nil {
		d.fatalErr = err
	}
	d.inflight--
	d.mu.Unlock()
	d.signal()
}

// wait blocks until a worker signals, the deadline passes (zero means no
// deadline), or the context is cancelled.
func (d *Dispatcher) wait(ctx context.Context, deadline time.Time) error {
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		delay := deadline.Sub(d.now())
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.wake:
		return nil
	case <-timerC:
		return nil
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) allExhausted() bool {
	for _, ch := range d.channels {
		if !ch.Exhausted() {
			return false
		}
	}
	return true
}

// earliestCooldown returns the soonest credential cooldown expiry across all
// channels, or zero when nothing is cooling.
func (d *Dispatcher) earliestCooldown() time.Time {
	var earliest time.Time
	for _, ch := range d.channels {
		if at, ok := ch.pool.NextReady(); ok {
			if earliest.IsZero() || at.Before(earliest) {
				earliest = at
			}
		}
	}
	return earliest
}

func (d *Dispatcher) markExhausted(ch *Channel, reason string) {
	d.mu.Lock()
	_, seen := d.exhausted[ch.Name()]
	if !seen {
		d.exhausted[ch.Name()] = reason
	}
	d.mu.Unlock()
	if !seen {
		d.logger.Warn("channel exhausted", "channel", ch.Name(), "reason", reason)
		d.emit(channelExhaustedEvent(ch.Name(), reason))
	}
}

// abortExhausted abandons every remaining task with an error-verdict outcome
// and reports partial completion.
func (d *Dispatcher) abortExhausted() (models.BatchSummary, error) {
	d.mu.Lock()
	remaining := d.backlog
	d.backlog = nil
	d.mu.Unlock()

	for _, task := range remaining {
		outcome := models.Outcome{
			TaskID:    task.ID,
			Verdict:   models.VerdictError,
			Rationale: "all channels exhausted before dispatch",
			Attempts:  task.Attempts,
			Timestamp: d.now(),
		}
		if err := d.sink.Write(outcome); err != nil {
			d.mu.Lock()
			d.fatalErr = fmt.Errorf("%w: %v", shared.ErrPersistence, err)
			d.mu.Unlock()
			break
		}
		task.State = models.TaskAbandoned
		d.mu.Lock()
		d.abandoned++
		d.mu.Unlock()
		d.emit(taskCompletedEvent(task.ID, "", models.VerdictError))
	}

	d.mu.Lock()
	fatal := d.fatalErr
	d.mu.Unlock()

	d.finish()
	if fatal != nil {
		return d.summary(), fatal
	}
	return d.summary(), shared.ErrChannelsExhausted
}

// drainInterrupted stops assigning, gives in-flight calls a bounded grace
// period, and leaves unfinished tasks unwritten so a re-run picks them up.
func (d *Dispatcher) drainInterrupted() (models.BatchSummary, error) {
	d.logger.Info("interrupt received, draining in-flight calls", "grace", d.grace)
	d.awaitInflight()

	d.mu.Lock()
	for _, task := range d.backlog {
		task.State = models.TaskAbandoned
		d.abandoned++
	}
	d.backlog = nil
	d.abandoned += d.inflight
	d.mu.Unlock()

	d.finish()
	return d.summary(), shared.ErrBatchInterrupted
}

// drainFatal waits briefly for in-flight calls after a persistence failure,
// then reports the fatal error.
func (d *Dispatcher) drainFatal() (models.BatchSummary, error) {
	d.awaitInflight()

	d.mu.Lock()
	fatal := d.fatalErr
	for _, task := range d.backlog {
		task.State = models.TaskAbandoned
		d.abandoned++
	}
	d.backlog = nil
	d.abandoned += d.inflight
	d.mu.Unlock()

	d.finish()
	return d.summary(), fatal
}

// awaitInflight blocks until no calls remain in flight or the grace timeout
// passes. Workers that miss the window are counted abandoned by the caller.
func (d *Dispatcher) awaitInflight() {
	deadline := time.After(d.grace)
	for {
		d.mu.Lock()
		inflight := d.inflight
		d.mu.Unlock()
		if inflight <= 0 {
			return
		}
		select {
		case <-d.wake:
		case <-deadline:
			d.logger.Warn("grace timeout expired with calls still in flight", "inflight", inflight)
			return
		}
	}
}

func (d *Dispatcher) summary() models.BatchSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	exhausted := make(map[string]string, len(d.exhausted))
	for name, reason := range d.exhausted {
		exhausted[name] = reason
	}
	return models.BatchSummary{
		Total:     d.completed + d.abandoned,
		Completed: d.completed,
		Abandoned: d.abandoned,
		Exhausted: exhausted,
	}
}

// finish seals the run: the terminal event goes out and the finalized flag is
// raised in one critical section, so once Run returns nothing touches the
// event channel again and the caller may close it.
func (d *Dispatcher) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized = true
	d.send(batchFinishedEvent(d.completed, d.abandoned))
}

func (d *Dispatcher) isFinalized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized
}

// emit sends a status event without blocking. A full or absent events channel
// drops the update; a finalized run drops everything.
func (d *Dispatcher) emit(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return
	}
	d.send(event)
}

// send delivers one event without blocking. Callers hold mu.
func (d *Dispatcher) send(event Event) {
	if d.events == nil {
		return
	}
	select {
	case d.events <- event:
	default:
	}
}
