package core

import (
	"context"
	"time"

	"github.com/gomr/coordinator/internal/shared/logging"
)

// TaskTimeoutMonitor periodically sweeps a job's running tasks for ones
// that have exceeded their stage's configured timeout, treating each as
// a synthetic error task-done so it re-enters the normal retry path —
// generalized from "worker hasn't heartbeat" to "task hasn't reported
// done in time".
type TaskTimeoutMonitor struct {
	state         *State
	stageTimeouts map[string]time.Duration
	checkInterval time.Duration
	clock         Clock
	onTimeout     func(taskID int64)
	logger        logging.Logger
}

// NewTaskTimeoutMonitor builds a monitor over state. stageTimeouts maps
// a stage name to its configured timeout (CoordinatorPolicyConfig's
// MapTimeout / ReduceTimeout, keyed "map" / "reduce" by the service
// registry); a stage absent from the map is never swept. onTimeout
// is invoked once per stalled task per sweep — callers are expected to
// de-duplicate via the task's own status (a task already past running
// won't be returned by StalledTasks again).
func NewTaskTimeoutMonitor(
	state *State,
	stageTimeouts map[string]time.Duration,
	checkInterval time.Duration,
	clock Clock,
	onTimeout func(taskID int64),
	logger logging.Logger,
) *TaskTimeoutMonitor {
	if clock == nil {
		clock = RealClock
	}
	return &TaskTimeoutMonitor{
		state:         state,
		stageTimeouts: stageTimeouts,
		checkInterval: checkInterval,
		clock:         clock,
		onTimeout:     onTimeout,
		logger:        logger,
	}
}

// Start blocks, sweeping every checkInterval until ctx is done. It is
// meant for a monitor run against a State no other goroutine mutates;
// the coordinator agent instead drives sweeps itself via Sweep, on its
// own goroutine, since State is single-owner.
func (m *TaskTimeoutMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Interval is the configured checkInterval, so a caller driving its own
// ticker (the coordinator agent) can size it without reaching into the
// monitor's fields.
func (m *TaskTimeoutMonitor) Interval() time.Duration {
	return m.checkInterval
}

// Sweep runs one timeout pass. The caller is responsible for calling it
// only from the goroutine that owns the State it was built with.
func (m *TaskTimeoutMonitor) Sweep() {
	m.sweep()
}

func (m *TaskTimeoutMonitor) sweep() {
	now := m.clock.Now()
	for stage, timeout := range m.stageTimeouts {
		for _, taskID := range m.state.StalledTasks(stage, timeout, now) {
			m.logger.Warn("Task exceeded stage timeout", "task_id", taskID, "stage", stage, "timeout", timeout.String())
			m.onTimeout(taskID)
		}
	}
}
