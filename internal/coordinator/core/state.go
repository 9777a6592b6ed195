package core

import (
	"sort"
	"time"
)

// State is the job coordinator's exclusive, in-memory model: three
// maps (sorted at the points where iteration order matters) and two
// monotonic counters. Nothing outside the
// coordinator agent's single goroutine ever calls these methods
// concurrently — the agent is the sole mutator, so no locks are needed
// on the coordinator's maps.
type State struct {
	JobID string

	// Clock is consulted for RunningSince timestamps; nil means
	// RealClock. Tests that exercise the timeout monitor set it to a
	// fake clock before driving MarkRunning.
	Clock Clock

	tasks     map[int64]*TaskInfo
	dataMap   map[InputID]*DataInfo
	stageInfo map[string]*StageInfo

	// stageOrder preserves the order stages were started in, so stage
	// accounting and regeneration-frontier output stay deterministic.
	stageOrder []string

	nextTaskID int64
	nextRunID  int64
}

// NewState creates an empty state store for jobID.
func NewState(jobID string) *State {
	return &State{
		JobID:     jobID,
		tasks:     make(map[int64]*TaskInfo),
		dataMap:   make(map[InputID]*DataInfo),
		stageInfo: make(map[string]*StageInfo),
	}
}

// AllocateTaskID returns the next strictly monotonic task-id.
func (s *State) AllocateTaskID() int64 {
	id := s.nextTaskID
	s.nextTaskID++
	return id
}

// AllocateRunID returns the next strictly monotonic run-id.
func (s *State) AllocateRunID() int64 {
	id := s.nextRunID
	s.nextRunID++
	return id
}

// AddTask installs a freshly built TaskSpec as a pending TaskInfo.
func (s *State) AddTask(spec TaskSpec) *TaskInfo {
	info := newTaskInfo(spec)
	s.tasks[spec.TaskID] = info
	return info
}

// Task looks up a task by id.
func (s *State) Task(id int64) (*TaskInfo, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// StartStage installs stage_info[name] with All set and empty
// done/running/stopped sets. Returns false if the
// stage was already started, so callers can implement an idempotent
// "not yet started" check.
func (s *State) StartStage(name string, all int) (*StageInfo, bool) {
	if _, exists := s.stageInfo[name]; exists {
		return nil, false
	}
	info := newStageInfo(name, all)
	s.stageInfo[name] = info
	s.stageOrder = append(s.stageOrder, name)
	return info, true
}

// StageStarted reports whether name has already been started.
func (s *State) StageStarted(name string) bool {
	_, ok := s.stageInfo[name]
	return ok
}

// Stage looks up a started stage's accounting by name.
func (s *State) Stage(name string) (*StageInfo, bool) {
	st, ok := s.stageInfo[name]
	return st, ok
}

// StageOf returns the stage name a task belongs to.
func (s *State) StageOf(taskID int64) (string, bool) {
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.Spec.Stage, true
}

// StageIndex returns the position of stage name in pipeline submission
// order, used by the regeneration frontier to keep earlier stages first.
func (s *State) StageIndex(name string) int {
	for i, n := range s.stageOrder {
		if n == name {
			return i
		}
	}
	return len(s.stageOrder)
}

// MarkRunning transitions a task into the running set of its stage. A
// regenerated task may already be recorded in Done from an earlier
// completion; removing it here keeps All == |done|+|running|+|stopped|
// once it completes again instead of counting it twice.
func (s *State) MarkRunning(taskID int64) {
	t := s.tasks[taskID]
	t.Status = TaskStatusRunning
	t.RunningSince = s.clock().Now()
	st := s.stageInfo[t.Spec.Stage]
	delete(st.Stopped, taskID)
	st.removeDone(taskID)
	st.Running[taskID] = struct{}{}
}

// clock defaults to RealClock; tests override it by setting the Clock
// field.
func (s *State) clock() Clock {
	if s.Clock == nil {
		return RealClock
	}
	return s.Clock
}

// MarkStopped transitions a task out of running into the transient
// stopped set.
func (s *State) MarkStopped(taskID int64) {
	t := s.tasks[taskID]
	t.Status = TaskStatusStopped
	t.RunningSince = time.Time{}
	st := s.stageInfo[t.Spec.Stage]
	delete(st.Running, taskID)
	st.Stopped[taskID] = struct{}{}
}

// MarkParked transitions a task into the parked status, pending
// regeneration of an unreachable ancestor input.
func (s *State) MarkParked(taskID int64) {
	t := s.tasks[taskID]
	t.Status = TaskStatusParked
	t.RunningSince = time.Time{}
}

// MarkDone closes a task: records its outputs, refreshes the data map
// entries its outputs produce, clears the succeeding host from
// FailedHosts, empties its waiters, and returns the waiter task-ids
// that must be woken.
func (s *State) MarkDone(taskID int64, host string, outputs []TaskOutput) []int64 {
	t := s.tasks[taskID]
	t.Status = TaskStatusDone
	t.Outputs = outputs
	t.RunningSince = time.Time{}
	delete(t.FailedHosts, host)

	st := s.stageInfo[t.Spec.Stage]
	delete(st.Running, taskID)
	delete(st.Stopped, taskID)
	if !st.hasDone(taskID) {
		st.Done = append(st.Done, taskID)
	}

	// A regenerated task's outputs replace whatever locations were
	// previously recorded for the input-ids it produces: the old host
	// is stale (that's why regeneration ran), so it must not continue
	// to appear as a usable location for any consumer still parked on
	// it.
	for _, out := range outputs {
		id := InputID{ProducerTaskID: taskID, Position: out.Position}
		d := DataInput{Source: out.URL, Hosts: []string{out.Host}}
		if existing, ok := s.dataMap[id]; ok {
			existing.Source = d.Source
			existing.Locations = map[string]string{out.Host: out.URL}
			existing.Failures = map[string]int{out.Host: 0}
		} else {
			s.dataMap[id] = newDataInfo(d)
		}
	}

	waiters := make([]int64, 0, len(t.Waiters))
	for w := range t.Waiters {
		waiters = append(waiters, w)
	}
	t.Waiters = make(map[int64]struct{})
	sort.Slice(waiters, func(i, j int) bool { return waiters[i] < waiters[j] })
	return waiters
}

// StageClosed reports whether the stage a task belongs to has every
// task done.
func (s *State) StageClosed(taskID int64) (string, bool) {
	t := s.tasks[taskID]
	st := s.stageInfo[t.Spec.Stage]
	return st.Name, st.closed()
}

// InstallData records a fresh input-id's locations and zeroed failure
// counts.
func (s *State) InstallData(id InputID, d DataInput) *DataInfo {
	info := newDataInfo(d)
	s.dataMap[id] = info
	return info
}

// Data looks up a previously installed input-id.
func (s *State) Data(id InputID) (*DataInfo, bool) {
	d, ok := s.dataMap[id]
	return d, ok
}

// StalledTasks returns the task-ids of every running task in stage whose
// RunningSince predates now.Add(-timeout), sorted for deterministic
// iteration. Used by the timeout monitor.
func (s *State) StalledTasks(stage string, timeout time.Duration, now time.Time) []int64 {
	st, ok := s.stageInfo[stage]
	if !ok || timeout <= 0 {
		return nil
	}
	var stalled []int64
	for taskID := range st.Running {
		t := s.tasks[taskID]
		if !t.RunningSince.IsZero() && now.Sub(t.RunningSince) >= timeout {
			stalled = append(stalled, taskID)
		}
	}
	sort.Slice(stalled, func(i, j int) bool { return stalled[i] < stalled[j] })
	return stalled
}

// Progress renders the current state as a read-only snapshot.
func (s *State) Progress() JobProgress {
	stages := make(map[string]StageProgress, len(s.stageInfo))
	for name, st := range s.stageInfo {
		stages[name] = StageProgress{
			Total:     st.All,
			Running:   len(st.Running),
			Stopped:   len(st.Stopped),
			Completed: len(st.Done),
		}
	}
	return JobProgress{Stages: stages}
}
