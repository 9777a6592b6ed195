// Package engine implements the coordinator agent: the single-goroutine
// actor that owns one job's state and drives it from its first stage to
// a terminal state.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/shared/logging"
)

// TerminalStatus is the reason a Coordinator's run loop exited.
type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "COMPLETED"
	TerminalFailed    TerminalStatus = "FAILED"
	TerminalKilled    TerminalStatus = "KILLED"
)

// TerminalResult is sent once, to Done(), when the coordinator exits.
type TerminalResult struct {
	Status TerminalStatus
	Reason string
}

// jobHandle is the CoordinatorHandle this coordinator presents to the
// scheduler and event sink. It also satisfies core.TaskReporter, so an
// in-process scheduler that executes a task itself (internal/localrun)
// can report the result straight back into this coordinator's mailbox
// instead of needing a separate callback channel.
type jobHandle struct {
	name string
	c    *Coordinator
}

func (h jobHandle) JobName() string { return h.name }

func (h jobHandle) ReportTaskDone(taskID int64, host string, result core.TaskResult) {
	h.c.Send(TaskDoneMsg{TaskID: taskID, Host: host, Result: result})
}

// Config is everything Spawn needs to bring up one coordinator.
type Config struct {
	JobPrefix     string
	Pipeline      core.Pipeline
	InitialInputs []core.DataInput
	Env           core.JobEnv
	Schedule      core.SchedulePolicy

	Scheduler core.Scheduler
	EventSink core.EventSink
	Clock     core.Clock

	Policy core.Policy

	MailboxSize          int
	SubmitWorkers        int
	SubmitTimeout        time.Duration
	StageTimeouts        map[string]time.Duration
	TimeoutCheckInterval time.Duration

	// SubmitMaxAttempts/SubmitRetryBaseDelay bound the BoundedRetryScheduler
	// wrapped around Scheduler, so a transient submission RPC failure is
	// retried a few times before it reaches onSubmitFailure.
	SubmitMaxAttempts    int
	SubmitRetryBaseDelay time.Duration

	// RandSeed seeds this coordinator's process-local PRNG; zero means a
	// seed taken from the coordinator's own uuid. Callers that set it
	// should derive it from something unique
	// per job (e.g. a counter) rather than wall-clock time, so that two
	// coordinators started in the same tick diverge.
	RandSeed int64

	Logger logging.Logger
}

// Coordinator is one job's actor: a single run() goroutine owning
// state, reachable only through its mailbox.
type Coordinator struct {
	id       uuid.UUID
	jobName  string
	pipeline core.Pipeline
	env      core.JobEnv
	schedule core.SchedulePolicy

	state     *core.State
	scheduler core.Scheduler
	eventSink core.EventSink
	clock     core.Clock
	policy    core.Policy
	rng       *rand.Rand

	dispatcher     *core.Dispatcher
	timeoutMonitor *core.TaskTimeoutMonitor

	initialInputs []core.DataInput

	mailbox chan Message
	done    chan struct{}
	started chan string
	result  chan TerminalResult

	logger logging.Logger
}

// Spawn registers the job with the event sink and scheduler, starts the
// coordinator's goroutine, and synthesizes the completed "input" stage
// so the pipeline's first real stage begins materializing immediately
//. It returns before the pipeline necessarily
// finishes; callers observe termination via Done().
func Spawn(ctx context.Context, cfg Config) (*Coordinator, error) {
	id := uuid.New()

	clock := cfg.Clock
	if clock == nil {
		clock = core.RealClock
	}

	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = 256
	}

	seed := cfg.RandSeed
	if seed == 0 {
		seed = int64(binary.BigEndian.Uint64(id[8:]))
	}

	c := &Coordinator{
		id:            id,
		pipeline:      cfg.Pipeline,
		env:           cfg.Env,
		schedule:      cfg.Schedule,
		scheduler:     cfg.Scheduler,
		eventSink:     cfg.EventSink,
		clock:         clock,
		policy:        cfg.Policy,
		rng:           core.NewRand(seed),
		initialInputs: cfg.InitialInputs,
		mailbox:       make(chan Message, mailboxSize),
		done:          make(chan struct{}),
		started:       make(chan string, 1),
		result:        make(chan TerminalResult, 1),
		logger:        cfg.Logger,
	}

	handle := jobHandle{name: cfg.JobPrefix, c: c}

	jobName, err := cfg.EventSink.NewJob(cfg.JobPrefix, handle)
	if err != nil {
		return nil, fmt.Errorf("registering job with event sink: %w", err)
	}
	handle.name = jobName
	c.jobName = jobName

	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}

	// A transient scheduler RPC failure is a different failure mode than
	// a worker reporting a task result, so it gets its own bounded retry
	// in front of both the job-registration call and the dispatcher,
	// rather than immediately burning a task's own retry budget.
	scheduler := core.NewBoundedRetryScheduler(cfg.Scheduler, cfg.SubmitMaxAttempts, cfg.SubmitRetryBaseDelay, clock)

	if err := scheduler.NewJob(ctx, jobName, handle, submitTimeout); err != nil {
		return nil, fmt.Errorf("registering job %s with scheduler: %w", jobName, err)
	}

	state := core.NewState(jobName)
	state.Clock = clock
	c.state = state

	c.dispatcher = core.NewDispatcher(scheduler, cfg.SubmitWorkers, submitTimeout, c.onSubmitFailure)

	if len(cfg.StageTimeouts) > 0 {
		interval := cfg.TimeoutCheckInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		c.timeoutMonitor = core.NewTaskTimeoutMonitor(state, cfg.StageTimeouts, interval, clock, c.onTaskTimeout, c.logger)
	}

	go c.run()

	c.logger.Info("Coordinator spawned", "job", jobName, "coordinator_id", id.String())
	c.started <- jobName
	c.Send(StageDoneMsg{Stage: core.InputStageName})

	return c, nil
}

// JobName returns the name this coordinator was assigned by the event
// sink (its address as far as the scheduler and intake are concerned).
func (c *Coordinator) JobName() string { return c.jobName }

// Started receives exactly once, with this coordinator's job name, as
// soon as Spawn has finished registering the job; Spawn queues the
// bootstrap stage_done(input) message right after. Callers that need a deadline on
// registration itself should select against their own timer alongside
// this channel.
func (c *Coordinator) Started() <-chan string { return c.started }

// Send enqueues msg without blocking the caller beyond channel
// buffering. A coordinator that has already terminated
// silently drops the message.
func (c *Coordinator) Send(msg Message) {
	select {
	case c.mailbox <- msg:
	case <-c.done:
	}
}

// Done is closed exactly once, when the coordinator's run loop exits.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Result returns the terminal status once Done() is closed; it must
// only be read after Done() fires.
func (c *Coordinator) Result() TerminalResult {
	select {
	case r := <-c.result:
		c.result <- r
		return r
	default:
		return TerminalResult{}
	}
}

// Snapshot round-trips through the mailbox so the read observes the
// same serial ordering as every state mutation.
func (c *Coordinator) Snapshot() (core.JobProgress, bool) {
	reply := make(chan core.JobProgress, 1)
	select {
	case c.mailbox <- snapshotMsg{reply: reply}:
	case <-c.done:
		return core.JobProgress{}, false
	}
	select {
	case p := <-reply:
		return p, true
	case <-c.done:
		return core.JobProgress{}, false
	}
}

// run is the coordinator's single goroutine: every mailbox message and
// every timeout sweep is handled here, one at a time, so State never
// needs its own lock. The timeout monitor's sweep is driven by this
// loop's own ticker rather than a second goroutine calling into State
// concurrently.
func (c *Coordinator) run() {
	var tick <-chan time.Time
	if c.timeoutMonitor != nil {
		ticker := time.NewTicker(c.timeoutMonitor.Interval())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case msg := <-c.mailbox:
			if terminal := c.handle(msg); terminal != nil {
				c.finish(*terminal)
				return
			}
		case <-tick:
			c.timeoutMonitor.Sweep()
		}
	}
}

func (c *Coordinator) finish(result TerminalResult) {
	c.result <- result
	c.eventSink.Event("job_terminal", map[string]any{"job": c.jobName, "status": result.Status, "reason": result.Reason})
	c.dispatcher.Close()
	close(c.done)
}

// handle dispatches one message and returns a non-nil terminal result
// if the coordinator should exit after processing it.
func (c *Coordinator) handle(msg Message) *TerminalResult {
	switch m := msg.(type) {
	case SubmitTasksMsg:
		c.doSubmitTasks(m.Mode, m.TaskIDs)
	case StageDoneMsg:
		return c.doStageDone(m.Stage)
	case TaskDoneMsg:
		return c.doTaskDone(m.TaskID, m.Host, m.Result)
	case PipelineDoneMsg:
		result := TerminalResult{Status: TerminalCompleted}
		return &result
	case KillJobMsg:
		result := TerminalResult{Status: TerminalKilled, Reason: m.Reason}
		return &result
	case snapshotMsg:
		m.reply <- c.state.Progress()
	}
	return nil
}

// doSubmitTasks builds and dispatches a run for each of taskIDs under mode.
func (c *Coordinator) doSubmitTasks(mode core.SubmitMode, taskIDs []int64) {
	for _, taskID := range taskIDs {
		t, ok := c.state.Task(taskID)
		if !ok {
			continue
		}
		run := core.BuildRun(c.state, t.Spec, mode)
		c.state.MarkRunning(taskID)
		c.logger.Debug("Submitting task", "job", c.jobName, "task_id", taskID, "run_id", run.RunID, "mode", mode)
		c.eventSink.TaskEvent(taskID, "submitted", map[string]any{"run_id": run.RunID, "mode": mode})
		c.dispatcher.Enqueue(t.Spec, run, mode)
	}
}

// doStageDone advances the pipeline past stage, building and submitting
// the next stage's tasks, or completing the job if stage was the last.
func (c *Coordinator) doStageDone(stage string) *TerminalResult {
	next, ok := c.pipeline.NextStage(stage)
	if !ok {
		c.logger.Info("Pipeline exhausted", "job", c.jobName, "stage", stage)
		result := TerminalResult{Status: TerminalCompleted}
		return &result
	}
	if c.state.StageStarted(next.Name) {
		return nil
	}

	var prevOutputs []core.GroupableInput
	if stage == core.InputStageName {
		prevOutputs = core.InitialInputs(c.initialInputs)
	} else {
		prevOutputs = core.CollectStageOutputs(c.state, stage)
	}
	built, err := core.BuildStage(c.state, c.jobName, next, prevOutputs, c.env, c.schedule)
	if err != nil {
		result := TerminalResult{Status: TerminalFailed, Reason: err.Error()}
		return &result
	}

	c.logger.Info("Stage started", "job", c.jobName, "stage", next.Name, "tasks", len(built.TaskSpecs))

	if built.Empty {
		return c.doStageDone(next.Name)
	}

	taskIDs := make([]int64, len(built.TaskSpecs))
	for i, spec := range built.TaskSpecs {
		taskIDs[i] = spec.TaskID
	}
	c.doSubmitTasks(core.FirstRun, taskIDs)
	return nil
}

// doTaskDone routes a task_done report to the handler matching its
// result kind.
func (c *Coordinator) doTaskDone(taskID int64, host string, res core.TaskResult) *TerminalResult {
	t, ok := c.state.Task(taskID)
	if !ok || t.Status != core.TaskStatusRunning {
		// Duplicate or stale task_done: the task is no longer running,
		// so this is a second report for an already-handled run.
		return nil
	}

	switch res.Kind {
	case core.ResultFatal:
		c.state.MarkStopped(taskID)
		c.logger.Error("Task fatal", "job", c.jobName, "task_id", taskID, "reason", res.Reason)
		result := TerminalResult{Status: TerminalFailed, Reason: res.Reason}
		return &result

	case core.ResultError:
		c.state.MarkStopped(taskID)
		return c.retry(t, host, res.Reason)

	case core.ResultInputError:
		c.state.MarkStopped(taskID)
		if res.InputID.ProducerTaskID == core.InputProducerID {
			// Initial inputs have no producing task to blame, so an
			// input_error against one is treated as a generic
			// transient failure instead of a regeneration.
			return c.retry(t, host, "input_error on initial input")
		}
		return c.handleInputError(t, res)

	case core.ResultDone:
		return c.taskComplete(taskID, host, res.Outputs)
	}
	return nil
}

// retry evaluates t's retry budget and either schedules a backoff'd
// resubmission or returns a terminal failure.
func (c *Coordinator) retry(t *core.TaskInfo, host, reason string) *TerminalResult {
	outcome := core.EvaluateRetry(t, host, reason, c.policy.Backoff, c.rng)
	if outcome.Abort != nil {
		c.logger.Error("Retry budget exceeded", "job", c.jobName, "task_id", t.Spec.TaskID, "reason", reason)
		result := TerminalResult{Status: TerminalFailed, Reason: outcome.Abort.Error()}
		return &result
	}
	c.scheduleRetry(t.Spec.TaskID, outcome.Delay)
	return nil
}

// handleInputError retries on another host if one remains usable, or
// regenerates the unreachable input's dependency chain otherwise.
func (c *Coordinator) handleInputError(t *core.TaskInfo, res core.TaskResult) *TerminalResult {
	outcome := core.EvaluateInputError(c.state, res.InputID, res.Hosts, c.policy.InputFailureCap)
	if outcome.Retry {
		c.logger.Warn("Input replica failed, retrying on another host", "job", c.jobName, "task_id", t.Spec.TaskID, "input", res.InputID)
		c.scheduleRetry(t.Spec.TaskID, c.policy.Backoff.Backoff(1, c.rng))
		return nil
	}

	c.logger.Warn("Input unreachable on every known host, regenerating", "job", c.jobName, "task_id", t.Spec.TaskID, "input", res.InputID)
	failingHosts := make(map[string]struct{}, len(res.Hosts))
	for _, h := range res.Hosts {
		failingHosts[h] = struct{}{}
	}
	c.state.MarkParked(t.Spec.TaskID)
	frontier := core.CollectRunnableDeps(c.state, t.Spec.TaskID, res.InputID.ProducerTaskID, failingHosts)
	if len(frontier) > 0 {
		c.doSubmitTasks(core.ReRun, frontier)
	}
	return nil
}

// taskComplete marks a task done, wakes any waiters it unblocks, and
// advances the stage if it was the last task to finish.
func (c *Coordinator) taskComplete(taskID int64, host string, outputs []core.TaskOutput) *TerminalResult {
	waiters := c.state.MarkDone(taskID, host, outputs)
	c.logger.Info("Task done", "job", c.jobName, "task_id", taskID, "host", host)
	c.eventSink.TaskEvent(taskID, "done", map[string]any{"host": host})

	if len(waiters) > 0 {
		c.doSubmitTasks(core.ReRun, waiters)
	}

	stage, closed := c.state.StageClosed(taskID)
	if closed {
		return c.doStageDone(stage)
	}
	return nil
}

// scheduleRetry runs the backoff sleep in a detached goroutine gated on
// c.done, so an abandoned retry cannot leak or block forever once the
// coordinator has exited.
func (c *Coordinator) scheduleRetry(taskID int64, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.Send(SubmitTasksMsg{Mode: core.ReRun, TaskIDs: []int64{taskID}})
		case <-c.done:
		}
	}()
}

// onSubmitFailure is the Dispatcher's failure hook: an exhausted
// submission retry (the BoundedRetryScheduler decorator has already
// tried and failed a bounded number of times by the time this fires) is
// treated as fatal to the coordinator.
func (c *Coordinator) onSubmitFailure(spec core.TaskSpec, run core.TaskRun, err error) {
	c.Send(TaskDoneMsg{
		TaskID: spec.TaskID,
		Host:   run.Host,
		Result: core.TaskResult{Kind: core.ResultFatal, Reason: fmt.Sprintf("submission failed: %v", err)},
	})
}

// onTaskTimeout treats a stalled running task as a synthetic error
// outcome. It is only ever called from run()'s own ticker case, so
// touching state directly here is safe.
func (c *Coordinator) onTaskTimeout(taskID int64) {
	if _, ok := c.state.Task(taskID); !ok {
		return
	}
	c.Send(TaskDoneMsg{
		TaskID: taskID,
		Result: core.TaskResult{Kind: core.ResultError, Reason: "task timed out"},
	})
}
