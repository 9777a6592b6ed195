package core

import (
	"context"
	"time"
)

// Scheduler is the cluster-wide task scheduler contract. It
// is the coordinator's only way to get a task onto a worker; everything
// about worker assignment and execution lives on the other side of this
// interface.
type Scheduler interface {
	// NewJob registers the job with the scheduler so task submissions
	// under jobName are accepted.
	NewJob(ctx context.Context, jobName string, handle CoordinatorHandle, timeout time.Duration) error

	// NewTask admits one (spec, run) pair for execution. run.Host is the
	// preferred host on a first_run submission, or "" ("any") on a
	// re_run submission.
	NewTask(ctx context.Context, spec TaskSpec, run TaskRun, timeout time.Duration) error
}

// CoordinatorHandle is whatever opaque token the scheduler/event-sink use
// to address this coordinator's mailbox. The coordinator agent supplies
// its own concrete handle; core only needs to pass it through.
type CoordinatorHandle interface {
	JobName() string
}

// TaskReporter is the subset of CoordinatorHandle a Scheduler that runs
// tasks itself, rather than handing them off to a separate worker fleet,
// type-asserts for: there is no wire boundary to carry a task_done call
// back across, so the scheduler reports straight into the coordinator's
// mailbox through the same handle it was given at NewJob time.
type TaskReporter interface {
	CoordinatorHandle
	ReportTaskDone(taskID int64, host string, result TaskResult)
}

// EventSink is the best-effort event/log channel. Every
// call may be silently dropped; the coordinator must not rely on an
// event being observed.
type EventSink interface {
	NewJob(prefix string, handle CoordinatorHandle) (jobName string, err error)
	TaskEvent(taskID int64, event string, fields map[string]any)
	Event(event string, fields map[string]any)
}

// Clock abstracts time.Now/time.Sleep so the backoff worker and timeout
// monitor are deterministically testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time      { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}
