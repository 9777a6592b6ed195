package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/shared/logging"
)

// fakeScheduler stands in for the out-of-scope cluster scheduler: it
// records every submission and lets a test fail specific task-ids on
// demand.
type fakeScheduler struct {
	mu          sync.Mutex
	submissions []core.TaskSpec
	failAlways  map[int64]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{failAlways: map[int64]bool{}}
}

func (f *fakeScheduler) NewJob(ctx context.Context, jobName string, handle core.CoordinatorHandle, timeout time.Duration) error {
	return nil
}

func (f *fakeScheduler) NewTask(ctx context.Context, spec core.TaskSpec, run core.TaskRun, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlways[spec.TaskID] {
		return assert.AnError
	}
	f.submissions = append(f.submissions, spec)
	return nil
}

func (f *fakeScheduler) submittedTaskIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, len(f.submissions))
	for i, s := range f.submissions {
		ids[i] = s.TaskID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// fakeEventSink stands in for the best-effort event_server.
type fakeEventSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEventSink) NewJob(prefix string, handle core.CoordinatorHandle) (string, error) {
	return prefix, nil
}

func (f *fakeEventSink) TaskEvent(taskID int64, event string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventSink) Event(event string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func perInputGrouping(inputs []core.GroupableInput) []core.Bucket {
	buckets := make([]core.Bucket, 0, len(inputs))
	for _, in := range inputs {
		host := ""
		if len(in.Data.Hosts) > 0 {
			host = in.Data.Hosts[0]
		}
		buckets = append(buckets, core.Bucket{
			Key:    core.Group{Label: in.Data.Source, PreferredHost: host},
			Inputs: []core.GroupableInput{in},
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Key.Label < buckets[j].Key.Label })
	return buckets
}

func allToOneGrouping(inputs []core.GroupableInput) []core.Bucket {
	if len(inputs) == 0 {
		return nil
	}
	return []core.Bucket{{Key: core.Group{Label: "reduce"}, Inputs: inputs}}
}

func mapReducePipeline() core.Pipeline {
	return core.Pipeline{Stages: []core.PipelineStage{
		{Name: "map", Grouping: perInputGrouping},
		{Name: "reduce", Grouping: allToOneGrouping},
	}}
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError + 4) // quiet: above every level this test cares about
}

func fastPolicy() core.Policy {
	return core.Policy{
		Backoff: core.BackoffPolicy{
			MaxFailureRate: 2,
			MinPause:       time.Millisecond,
			MaxPause:       5 * time.Millisecond,
		},
		InputFailureCap: 3,
	}
}

func waitForSubmissions(t *testing.T, sched *fakeScheduler, n int) {
	require.Eventually(t, func() bool {
		return len(sched.submittedTaskIDs()) >= n
	}, time.Second, 2*time.Millisecond)
}

func waitForDone(t *testing.T, c *Coordinator) TerminalResult {
	select {
	case <-c.Done():
		return c.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not terminate")
		return TerminalResult{}
	}
}

func TestCoordinator_ScenarioA_TwoStagePipelineCompletes(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	ctx := context.Background()
	c, err := Spawn(ctx, Config{
		JobPrefix: "job",
		Pipeline:  mapReducePipeline(),
		InitialInputs: []core.DataInput{
			{Source: "i0", Hosts: []string{"h1"}},
			{Source: "i1", Hosts: []string{"h2"}},
		},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        fastPolicy(),
		SubmitWorkers: 2,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 2)
	mapTaskIDs := sched.submittedTaskIDs()
	require.Len(t, mapTaskIDs, 2)

	c.Send(TaskDoneMsg{
		TaskID: mapTaskIDs[0], Host: "h1",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h1", URL: "out0"}}},
	})
	c.Send(TaskDoneMsg{
		TaskID: mapTaskIDs[1], Host: "h2",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h2", URL: "out1"}}},
	})

	waitForSubmissions(t, sched, 3)
	reduceTaskID := sched.submittedTaskIDs()[2]

	c.Send(TaskDoneMsg{
		TaskID: reduceTaskID, Host: "h3",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h3", URL: "final"}}},
	})

	result := waitForDone(t, c)
	assert.Equal(t, TerminalCompleted, result.Status)
}

func TestCoordinator_ScenarioC_RetryBudgetExceededKillsJob(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      core.Pipeline{Stages: []core.PipelineStage{{Name: "map", Grouping: perInputGrouping}}},
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        fastPolicy(), // MaxFailureRate: 2
		SubmitWorkers: 1,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 1)
	taskID := sched.submittedTaskIDs()[0]

	waitRunningAgain := func() {
		require.Eventually(t, func() bool {
			p, ok := c.Snapshot()
			return ok && p.Stages["map"].Running == 1
		}, time.Second, 2*time.Millisecond)
	}

	c.Send(TaskDoneMsg{TaskID: taskID, Host: "h1", Result: core.TaskResult{Kind: core.ResultError, Reason: "E"}})
	waitRunningAgain()

	c.Send(TaskDoneMsg{TaskID: taskID, Host: "h1", Result: core.TaskResult{Kind: core.ResultError, Reason: "E"}})
	waitRunningAgain()

	c.Send(TaskDoneMsg{TaskID: taskID, Host: "h1", Result: core.TaskResult{Kind: core.ResultError, Reason: "E"}})

	result := waitForDone(t, c)
	assert.Equal(t, TerminalFailed, result.Status)
	assert.Equal(t, "Task failed 3 times (due to E). At most 2 failures are allowed.", result.Reason)
}

func TestCoordinator_ScenarioD_InputErrorRetriesWhileHostRemainsUsable(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix: "job",
		Pipeline:  mapReducePipeline(),
		InitialInputs: []core.DataInput{
			{Source: "i0", Hosts: []string{"h1"}},
			{Source: "i1", Hosts: []string{"h2"}},
		},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        core.Policy{Backoff: core.BackoffPolicy{MaxFailureRate: 2, MinPause: time.Millisecond, MaxPause: 5 * time.Millisecond}, InputFailureCap: 3},
		SubmitWorkers: 2,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 2)
	mapTaskIDs := sched.submittedTaskIDs()
	for _, id := range mapTaskIDs {
		c.Send(TaskDoneMsg{
			TaskID: id, Host: "h1",
			Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h1", URL: "out"}}},
		})
	}

	waitForSubmissions(t, sched, 3)
	reduceTaskID := sched.submittedTaskIDs()[2]

	// Only one failure report against a cap of 3: the host stays usable,
	// so the task should simply be retried, not regenerated or killed.
	c.Send(TaskDoneMsg{
		TaskID: reduceTaskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultInputError, InputID: core.InputID{ProducerTaskID: mapTaskIDs[0], Position: 0}, Hosts: []string{"h1"}},
	})

	require.Eventually(t, func() bool {
		p, ok := c.Snapshot()
		return ok && p.Stages["reduce"].Running == 1
	}, time.Second, 2*time.Millisecond)

	select {
	case <-c.Done():
		t.Fatal("job terminated; expected it to still be running after a retryable input error")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCoordinator_ScenarioE_InputErrorRegeneratesUpstreamTask(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      mapReducePipeline(),
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     sched,
		EventSink:     sink,
		// InputFailureCap of 1: a single failure report already exceeds
		// the cap on the only known host, forcing regeneration.
		Policy:        core.Policy{Backoff: core.BackoffPolicy{MaxFailureRate: 2, MinPause: time.Millisecond, MaxPause: 5 * time.Millisecond}, InputFailureCap: 1},
		SubmitWorkers: 2,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 1)
	mapTaskID := sched.submittedTaskIDs()[0]

	c.Send(TaskDoneMsg{
		TaskID: mapTaskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h1", URL: "out0"}}},
	})

	waitForSubmissions(t, sched, 2)
	reduceTaskID := sched.submittedTaskIDs()[1]

	c.Send(TaskDoneMsg{
		TaskID: reduceTaskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultInputError, InputID: core.InputID{ProducerTaskID: mapTaskID, Position: 0}, Hosts: []string{"h1"}},
	})

	// The map task must be re-submitted (re_run) to regenerate the
	// unreachable output, without killing the job.
	waitForSubmissions(t, sched, 3)
	assert.Contains(t, sched.submittedTaskIDs(), mapTaskID)

	select {
	case <-c.Done():
		t.Fatal("job terminated; expected regeneration, not termination")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCoordinator_ScenarioF_ExhaustedSubmissionRetryIsFatal(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	retrying := core.NewBoundedRetryScheduler(sched, 2, time.Millisecond, nil)

	// The job's only task is deterministically allocated id 0; mark it
	// failing before Spawn so the very first submission attempt already
	// fails, avoiding a race against the dispatcher's own goroutine.
	sched.failAlways[0] = true

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      core.Pipeline{Stages: []core.PipelineStage{{Name: "map", Grouping: perInputGrouping}}},
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     retrying,
		EventSink:     sink,
		Policy:        fastPolicy(),
		SubmitWorkers: 1,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	result := waitForDone(t, c)
	assert.Equal(t, TerminalFailed, result.Status)
	assert.Contains(t, result.Reason, "submission failed")
}

func TestCoordinator_DuplicateTaskDoneIsIgnored(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      core.Pipeline{Stages: []core.PipelineStage{{Name: "map", Grouping: perInputGrouping}}},
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        fastPolicy(),
		SubmitWorkers: 1,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 1)
	taskID := sched.submittedTaskIDs()[0]

	c.Send(TaskDoneMsg{
		TaskID: taskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h1", URL: "out"}}},
	})

	result := waitForDone(t, c)
	assert.Equal(t, TerminalCompleted, result.Status)

	// A second, stale report for the same (already-done) task must not
	// panic or re-enter the pipeline; the coordinator has already
	// exited, so Send silently drops it.
	c.Send(TaskDoneMsg{
		TaskID: taskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultFatal, Reason: "late duplicate"},
	})
}

func TestCoordinator_KillJobMsg_TerminatesWithReason(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      mapReducePipeline(),
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        fastPolicy(),
		SubmitWorkers: 1,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 1)
	c.Send(KillJobMsg{Reason: "operator requested cancellation"})

	result := waitForDone(t, c)
	assert.Equal(t, TerminalKilled, result.Status)
	assert.Equal(t, "operator requested cancellation", result.Reason)
}

func TestCoordinator_WaiterWakeup_RegeneratedTaskResubmitsExactlyOnce(t *testing.T) {
	sched := newFakeScheduler()
	sink := &fakeEventSink{}

	c, err := Spawn(context.Background(), Config{
		JobPrefix:     "job",
		Pipeline:      mapReducePipeline(),
		InitialInputs: []core.DataInput{{Source: "i0", Hosts: []string{"h1"}}},
		Scheduler:     sched,
		EventSink:     sink,
		Policy:        core.Policy{Backoff: core.BackoffPolicy{MaxFailureRate: 2, MinPause: time.Millisecond, MaxPause: 5 * time.Millisecond}, InputFailureCap: 1},
		SubmitWorkers: 2,
		SubmitTimeout: time.Second,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	waitForSubmissions(t, sched, 1)
	mapTaskID := sched.submittedTaskIDs()[0]

	c.Send(TaskDoneMsg{
		TaskID: mapTaskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h1", URL: "out0"}}},
	})

	waitForSubmissions(t, sched, 2)
	reduceTaskID := sched.submittedTaskIDs()[1]

	c.Send(TaskDoneMsg{
		TaskID: reduceTaskID, Host: "h1",
		Result: core.TaskResult{Kind: core.ResultInputError, InputID: core.InputID{ProducerTaskID: mapTaskID, Position: 0}, Hosts: []string{"h1"}},
	})

	// The map task is re-submitted once to regenerate its output.
	waitForSubmissions(t, sched, 3)

	// Completing the regenerated map run must wake the parked reduce
	// task exactly once more — not zero times, not twice.
	c.Send(TaskDoneMsg{
		TaskID: mapTaskID, Host: "h2",
		Result: core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: "h2", URL: "out0b"}}},
	})

	waitForSubmissions(t, sched, 4)
	require.Eventually(t, func() bool {
		return len(sched.submittedTaskIDs()) == 4
	}, 200*time.Millisecond, 5*time.Millisecond)

	// reduceTaskID was submitted once on the stage's initial build and
	// exactly once more on wakeup -- never a second wakeup for the same
	// completion.
	counts := map[int64]int{}
	for _, id := range sched.submittedTaskIDs() {
		counts[id]++
	}
	assert.Equal(t, 2, counts[reduceTaskID])
	assert.Equal(t, 2, counts[mapTaskID])
}
