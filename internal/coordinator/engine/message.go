package engine

import "github.com/gomr/coordinator/internal/coordinator/core"

// Message is the closed sum of messages a Coordinator's mailbox accepts
//. Each concrete type below is one variant; Coordinator's
// run loop dispatches on the type via a switch.
type Message interface{}

// SubmitTasksMsg submits each of TaskIDs under Mode.
type SubmitTasksMsg struct {
	Mode    core.SubmitMode
	TaskIDs []int64
}

// StageDoneMsg signals that Stage's last task completed, or bootstraps
// the pipeline for the synthetic "input" stage.
type StageDoneMsg struct {
	Stage string
}

// TaskDoneMsg is a worker-reported result for TaskID's currently running
// attempt, proxied through the scheduler.
type TaskDoneMsg struct {
	TaskID int64
	Host   string
	Result core.TaskResult
}

// PipelineDoneMsg terminates the coordinator normally.
type PipelineDoneMsg struct{}

// KillJobMsg terminates the coordinator with Reason.
type KillJobMsg struct {
	Reason string
}

// snapshotMsg is an internal request for a point-in-time progress read,
// round-tripped through the mailbox so it observes the same serial
// ordering as every other message.
type snapshotMsg struct {
	reply chan core.JobProgress
}
