package core

import (
	"context"
	"fmt"
	"time"
)

// BoundedRetryScheduler decorates a Scheduler with a bounded number of
// immediate attempts and a short exponential backoff between them,
// since a transient scheduler RPC failure is a different failure mode
// than a worker reporting a task result and should not burn the task's
// own retry budget. After maxAttempts failures it gives up and returns
// the last error, which the Dispatcher hands to its onFailure hook; the
// coordinator agent's hook reports it as a fatal task-done that aborts
// the job.
type BoundedRetryScheduler struct {
	inner       Scheduler
	maxAttempts int
	baseDelay   time.Duration
	clock       Clock
}

// NewBoundedRetryScheduler wraps inner with up to maxAttempts submission
// attempts, doubling baseDelay between each. maxAttempts <= 0 defaults
// to 3, matching the coordinator's own default retry budget.
func NewBoundedRetryScheduler(inner Scheduler, maxAttempts int, baseDelay time.Duration, clock Clock) *BoundedRetryScheduler {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if clock == nil {
		clock = RealClock
	}
	return &BoundedRetryScheduler{inner: inner, maxAttempts: maxAttempts, baseDelay: baseDelay, clock: clock}
}

func (b *BoundedRetryScheduler) NewJob(ctx context.Context, jobName string, handle CoordinatorHandle, timeout time.Duration) error {
	return b.inner.NewJob(ctx, jobName, handle, timeout)
}

func (b *BoundedRetryScheduler) NewTask(ctx context.Context, spec TaskSpec, run TaskRun, timeout time.Duration) error {
	var lastErr error
	delay := b.baseDelay
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		lastErr = b.inner.NewTask(ctx, spec, run, timeout)
		if lastErr == nil {
			return nil
		}
		if attempt == b.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b.clock.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("submitting task %d (run %d) after %d attempts: %w", spec.TaskID, run.RunID, b.maxAttempts, lastErr)
}
