// Package core holds the job coordinator's state model and the pure
// algorithms — stage building, failure handling, backoff, dispatch — that
// the coordinator agent in internal/coordinator/engine drives.
package core

import (
	"time"

	"github.com/google/uuid"
)

// InputProducerID is the sentinel producer task-id for a job's initial
// inputs. No task generates these; they are installed directly from the
// job-pack by the stage builder's synthetic "input" stage.
const InputProducerID int64 = -1

// InputStageName is the synthetic completed stage that seeds the pipeline
// with the job's initial inputs.
const InputStageName = "input"

// InputID names one piece of data in the job: the task that produced it,
// and its position within that task's outputs.
type InputID struct {
	ProducerTaskID int64
	Position       int
}

// Job is the coordinator's own record of the job it was spawned for.
// Its identity for every out-of-scope collaborator (scheduler, event
// sink, intake) is Name, the job-name string used as the entity's
// identity; ID is an internal uuid correlation handle, not used for
// addressing.
type Job struct {
	ID           uuid.UUID
	Name         string
	Pipeline     Pipeline
	Schedule     SchedulePolicy
	Env          JobEnv
	JobFilePath  string
	Status       JobStatus
	StartedAt    time.Time
	EndedAt      time.Time
	Errors       []JobError
}

// JobStatus is the terminal/non-terminal status of a job as a whole.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusKilled    JobStatus = "KILLED"
)

// TaskStatus is a task's place in its submission/completion state machine.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "PENDING"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusStopped TaskStatus = "STOPPED"
	TaskStatusParked  TaskStatus = "PARKED"
	TaskStatusDone    TaskStatus = "DONE"
)

// Group is the bucket key a grouping assigns to one task: a label for
// logging plus the preferred host used on first-run scheduling.
type Group struct {
	Label         string
	PreferredHost string
}

// DataInput is an opaque descriptor of one piece of data as the pipeline
// library sees it; the coordinator never interprets it beyond asking the
// pipeline library for its candidate host locations.
type DataInput struct {
	Source string
	Hosts  []string
}

// TaskOutput is one artifact produced by a task, identified by position.
type TaskOutput struct {
	Position int
	Label    string
	Host     string
	URL      string
	Handle   any // optional in-memory handle; nil unless host-local
}

// JobEnv carries whatever a task needs to locate the job's code and
// environment; the coordinator only threads it through unopened.
type JobEnv struct {
	JobName string
	Worker  string
	Vars    map[string]string
}

// SchedulePolicy is opaque configuration handed to the scheduler contract
// verbatim, as returned by the pipeline library's JobScheduleOption.
type SchedulePolicy map[string]any

// Grouping buckets a flattened list of (input-id, data-input) pairs from
// the previous stage's outputs into the tasks of the next stage. It is
// supplied by the out-of-scope pipeline-shape library.
type Grouping func(inputs []GroupableInput) []Bucket

// GroupableInput is one input as seen by a Grouping function.
type GroupableInput struct {
	InputID InputID
	Data    DataInput
}

// Bucket is one grouping result: the task's group key plus its inputs.
type Bucket struct {
	Key    Group
	Inputs []GroupableInput
}

// PipelineStage is one (stage-name, grouping) pair in the ordered pipeline.
type PipelineStage struct {
	Name     string
	Grouping Grouping
}

// Pipeline is the ordered sequence of stages a job's tasks flow through.
type Pipeline struct {
	Stages []PipelineStage
}

// NextStage returns the stage following stageName, or ok=false if
// stageName was the last stage (the pipeline is exhausted).
func (p Pipeline) NextStage(stageName string) (next PipelineStage, ok bool) {
	if stageName == InputStageName {
		if len(p.Stages) == 0 {
			return PipelineStage{}, false
		}
		return p.Stages[0], true
	}
	for i, s := range p.Stages {
		if s.Name == stageName {
			if i+1 < len(p.Stages) {
				return p.Stages[i+1], true
			}
			return PipelineStage{}, false
		}
	}
	return PipelineStage{}, false
}

// StageInfo tracks one started stage's task accounting. All must equal
// len(Done)+len(Running)+len(Stopped) at all times after the stage is
// started.
type StageInfo struct {
	Name      string
	All       int
	Done      []int64
	Running   map[int64]struct{}
	Stopped   map[int64]struct{}
	StartedAt time.Time
	EndedAt   time.Time
}

func newStageInfo(name string, all int) *StageInfo {
	return &StageInfo{
		Name:      name,
		All:       all,
		Running:   make(map[int64]struct{}),
		Stopped:   make(map[int64]struct{}),
		StartedAt: time.Now(),
	}
}

// removeDone drops taskID from Done, if present. Used when a previously
// completed task is regenerated and re-enters running, so it is not
// double-counted once it completes again.
func (s *StageInfo) removeDone(taskID int64) {
	for i, id := range s.Done {
		if id == taskID {
			s.Done = append(s.Done[:i], s.Done[i+1:]...)
			return
		}
	}
}

// hasDone reports whether taskID is already recorded in Done.
func (s *StageInfo) hasDone(taskID int64) bool {
	for _, id := range s.Done {
		if id == taskID {
			return true
		}
	}
	return false
}

// closed reports whether every task of the stage has reached Done.
func (s *StageInfo) closed() bool {
	return len(s.Done) == s.All
}

// TaskSpec is the immutable description of one task, as built by the
// stage builder.
type TaskSpec struct {
	TaskID   int64
	JobID    string
	Stage    string
	Group    Group
	InputIDs []InputID
	Env      JobEnv
	Grouping Grouping
	Schedule SchedulePolicy
}

// TaskInfo is the coordinator's mutable record of one task across its
// lifetime: its spec, its outputs once done, and its failure bookkeeping.
type TaskInfo struct {
	Spec        TaskSpec
	Status      TaskStatus
	Outputs     []TaskOutput
	FailedCount int
	FailedHosts map[string]struct{}
	Waiters     map[int64]struct{}
	// RunningSince is set by MarkRunning and cleared by any transition
	// away from running; the timeout monitor reads it
	// to detect a run that has stalled past its stage's configured
	// timeout.
	RunningSince time.Time
}

func newTaskInfo(spec TaskSpec) *TaskInfo {
	return &TaskInfo{
		Spec:        spec,
		Status:      TaskStatusPending,
		FailedHosts: make(map[string]struct{}),
		Waiters:     make(map[int64]struct{}),
	}
}

// TaskRun is one ephemeral submission attempt of a task.
type TaskRun struct {
	RunID       int64
	TaskID      int64
	Host        string // "" means "any": scheduler picks
	Inputs      []ResolvedInput
	FailedHosts map[string]struct{}
}

// ResolvedInput is a snapshot of one input's usable locations at the
// moment a run is submitted.
type ResolvedInput struct {
	InputID InputID
	Data    DataInput
}

// DataInfo is the coordinator's record of one input-id: where it can be
// found, and how many times each host has failed to serve it.
type DataInfo struct {
	Source    string
	Locations map[string]string // host -> data reference (URL/path)
	Failures  map[string]int
}

func newDataInfo(d DataInput) *DataInfo {
	locs := make(map[string]string, len(d.Hosts))
	fails := make(map[string]int, len(d.Hosts))
	for _, h := range d.Hosts {
		locs[h] = d.Source
		fails[h] = 0
	}
	return &DataInfo{
		Source:    d.Source,
		Locations: locs,
		Failures:  fails,
	}
}

// usableHosts returns the hosts of d that have not yet reached cap
// failures, sorted for deterministic iteration.
func (d *DataInfo) usableHosts(cap int) []string {
	hosts := make([]string, 0, len(d.Locations))
	for h := range d.Locations {
		if d.Failures[h] < cap {
			hosts = append(hosts, h)
		}
	}
	sortStrings(hosts)
	return hosts
}

// JobProgress is a point-in-time read-only summary of a job's stages.
type JobProgress struct {
	Stages map[string]StageProgress
}

// StageProgress mirrors StageInfo's accounting in plain counts.
type StageProgress struct {
	Total     int
	Running   int
	Stopped   int
	Completed int
}

// JobError is one recorded task failure, kept for the job's error log.
type JobError struct {
	TaskID    int64
	Attempt   int
	Error     string
	Timestamp time.Time
}
