package core

import (
	"context"
	"time"
)

// SubmitMode distinguishes a stage's bulk initial submission from a
// resubmission of a task that already ran once.
type SubmitMode string

const (
	// FirstRun is a task's first submission, scheduled on its group's
	// preferred host.
	FirstRun SubmitMode = "first_run"
	// ReRun is a resubmission after a retry, a regeneration wakeup, or a
	// timeout; the scheduler is free to place it on any host.
	ReRun SubmitMode = "re_run"
)

// BuildRun constructs one submission attempt for spec: a fresh run-id,
// host selection by submit mode, a snapshot of each input's known
// locations, and the task's failed-hosts carried over so the scheduler
// can avoid them. The snapshot drops only hosts whose failure count has
// reached the input's location count plus one; BuildRun is not given
// the policy's input-failure cap.
func BuildRun(s *State, spec TaskSpec, mode SubmitMode) TaskRun {
	t, _ := s.Task(spec.TaskID)

	host := ""
	if mode == FirstRun {
		host = spec.Group.PreferredHost
	}

	inputs := make([]ResolvedInput, 0, len(spec.InputIDs))
	for _, id := range spec.InputIDs {
		d, ok := s.Data(id)
		if !ok {
			inputs = append(inputs, ResolvedInput{InputID: id})
			continue
		}
		inputs = append(inputs, ResolvedInput{
			InputID: id,
			Data: DataInput{
				Source: d.Source,
				Hosts:  d.usableHosts(len(d.Locations) + 1),
			},
		})
	}

	failedHosts := make(map[string]struct{}, len(t.FailedHosts))
	for h := range t.FailedHosts {
		failedHosts[h] = struct{}{}
	}

	return TaskRun{
		RunID:       s.AllocateRunID(),
		TaskID:      spec.TaskID,
		Host:        host,
		Inputs:      inputs,
		FailedHosts: failedHosts,
	}
}

// Dispatcher is a priority queue feeding a bounded pool of workers that
// call into Scheduler, draining pending submissions with re-runs ahead
// of first-runs.
type Dispatcher struct {
	queue     *dispatchQueue
	pool      *submissionPool
	scheduler Scheduler
	timeout   time.Duration
	done      chan struct{}
	onFailure func(spec TaskSpec, run TaskRun, err error)
}

// NewDispatcher starts a Dispatcher with numWorkers concurrent
// submission slots against scheduler. onFailure, if non-nil, is called
// whenever a submission exhausts scheduler's own retry budget (if any)
// and still fails; the coordinator agent's hook treats that as fatal to
// the job.
// Call Close when the job is done.
func NewDispatcher(scheduler Scheduler, numWorkers int, submitTimeout time.Duration, onFailure func(spec TaskSpec, run TaskRun, err error)) *Dispatcher {
	d := &Dispatcher{
		queue:     newDispatchQueue(),
		pool:      newSubmissionPool(numWorkers),
		scheduler: scheduler,
		timeout:   submitTimeout,
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
	d.pool.start()
	go d.loop()
	return d
}

// Enqueue submits spec/run for dispatch under mode's priority tier.
func (d *Dispatcher) Enqueue(spec TaskSpec, run TaskRun, mode SubmitMode) {
	priority := priorityFirstRun
	if mode == ReRun {
		priority = priorityReRun
	}
	d.queue.push(dispatchItem{spec: spec, run: run, mode: mode}, priority)
}

// loop continuously drains the queue in priority order, handing each
// item to the bounded worker pool so a burst of stage submissions never
// exceeds numWorkers concurrent scheduler RPCs.
func (d *Dispatcher) loop() {
	for {
		item, ok := d.queue.pop(d.done)
		if !ok {
			return
		}
		d.pool.submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := d.scheduler.NewTask(ctx, item.spec, item.run, d.timeout); err != nil && d.onFailure != nil {
				d.onFailure(item.spec, item.run, err)
			}
		})
	}
}

// Close stops accepting new work and waits for in-flight submissions to
// drain.
func (d *Dispatcher) Close() {
	close(d.done)
	d.pool.close()
}
