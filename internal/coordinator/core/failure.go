package core

import (
	"math/rand"
	"sort"
	"time"
)

// RetryOutcome is the result of evaluating a task's transient failure
// against the retry budget.
type RetryOutcome struct {
	// Abort is set when the task's failure budget is exhausted; the
	// caller must kill the job with Abort's reason.
	Abort *FatalJobError
	// Delay is the backoff to wait before re-submitting, when Abort is nil.
	Delay time.Duration
}

// EvaluateRetry checks a failed task's retry budget and, if it is not
// exhausted, returns the backoff to wait before resubmitting. It mutates
// t's FailedCount/FailedHosts synchronously with the caller; the actual
// re-submission is left to the caller, which must schedule it after
// Delay.
func EvaluateRetry(t *TaskInfo, host string, reason string, policy BackoffPolicy, rng *rand.Rand) RetryOutcome {
	failCount := t.FailedCount + 1
	if failCount > policy.MaxFailureRate {
		return RetryOutcome{Abort: NewRetryBudgetExceededError(failCount, reason, policy.MaxFailureRate)}
	}
	t.FailedCount = failCount
	if host != "" {
		t.FailedHosts[host] = struct{}{}
	}
	return RetryOutcome{Delay: policy.Backoff(failCount, rng)}
}

// InputErrorOutcome is the result of evaluating an input_error report
// against the per-host-per-input failure cap.
type InputErrorOutcome struct {
	// Retry is true when at least one host remains usable: the task
	// should simply be retried (same mechanism as a generic error, but
	// not counted against the task's own retry budget).
	Retry bool
	// Regenerate is true when no host remains usable: the caller must
	// run CollectRunnableDeps and submit the resulting frontier.
	Regenerate bool
}

// EvaluateInputError increments the failure count of every reported host
// for the given input, then checks whether any host is still under the
// per-input failure cap.
func EvaluateInputError(s *State, inputID InputID, failedHosts []string, inputFailureCap int) InputErrorOutcome {
	d, ok := s.Data(inputID)
	if !ok {
		// Nothing recorded for this input-id; treat conservatively as
		// retryable rather than attempting to regenerate an input the
		// coordinator never installed.
		return InputErrorOutcome{Retry: true}
	}
	for _, h := range failedHosts {
		d.Failures[h]++
	}
	usable := d.usableHosts(inputFailureCap)
	if len(usable) > 0 {
		return InputErrorOutcome{Retry: true}
	}
	return InputErrorOutcome{Regenerate: true}
}

// CollectRunnableDeps walks the task dependency DAG rooted at genTaskID
// backward (via each task's input-ids to producing task-ids), returning
// the runnable frontier: ancestor tasks that can be re-run immediately
// because at least one of their inputs still has a location outside
// failingHosts. Every non-runnable task visited is recorded as a waiter
// of its unreachable producers, so that a completion anywhere along the
// chain automatically re-submits the next link.
//
// waiterTaskID is the task that is ultimately parked pending this
// regeneration — typically the consumer that reported the input_error.
// It is registered as a waiter of genTaskID itself; deeper ancestors
// register the task immediately downstream of them as their waiter, so
// the wakeup propagates link by link as each ancestor completes.
//
// This is an explicit iterative BFS with a visited set, not recursion,
// so a long pipeline cannot blow the stack walking its dependency chain.
func CollectRunnableDeps(s *State, waiterTaskID int64, genTaskID int64, failingHosts map[string]struct{}) []int64 {
	type queued struct {
		taskID int64
		waiter int64
	}

	visited := make(map[int64]bool)
	var frontier []int64
	queue := []queued{{genTaskID, waiterTaskID}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if t, ok := s.Task(item.taskID); ok {
			t.Waiters[item.waiter] = struct{}{}
		}

		if visited[item.taskID] {
			continue
		}
		visited[item.taskID] = true

		t, ok := s.Task(item.taskID)
		if !ok {
			continue
		}

		// A task with no inputs at all (e.g. a stage seeded purely from
		// job configuration) has nothing blocking it.
		runnable := len(t.Spec.InputIDs) == 0
		var unreachableProducers []int64
		for _, inID := range t.Spec.InputIDs {
			if inID.ProducerTaskID == InputProducerID {
				// No generating task exists for the job's initial
				// inputs; they cannot be regenerated, so they never
				// block the walk.
				runnable = true
				continue
			}
			d, ok := s.Data(inID)
			if !ok {
				runnable = true
				continue
			}
			if hasLocationOutside(d, failingHosts) {
				runnable = true
				continue
			}
			unreachableProducers = append(unreachableProducers, inID.ProducerTaskID)
		}

		if runnable {
			frontier = append(frontier, item.taskID)
			continue
		}
		for _, p := range unreachableProducers {
			queue = append(queue, queued{p, item.taskID})
		}
	}

	sort.Slice(frontier, func(i, j int) bool {
		si, sj := stageIndexOf(s, frontier[i]), stageIndexOf(s, frontier[j])
		if si != sj {
			return si < sj
		}
		return frontier[i] < frontier[j]
	})
	return frontier
}

func hasLocationOutside(d *DataInfo, failingHosts map[string]struct{}) bool {
	for h := range d.Locations {
		if _, failing := failingHosts[h]; !failing {
			return true
		}
	}
	return false
}

func stageIndexOf(s *State, taskID int64) int {
	name, ok := s.StageOf(taskID)
	if !ok {
		return len(s.stageOrder)
	}
	return s.StageIndex(name)
}
