package localrun

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/shared/logging"
	mr "github.com/gomr/coordinator/pkg/core"
	"github.com/gomr/coordinator/pkg/jobs"
	"github.com/gomr/coordinator/pkg/local"
)

// LocalScheduler implements core.Scheduler by running every admitted
// task in its own goroutine within this process, instead of one
// monolithic Run() call over a fixed NumMappers/NumReducers: each
// NewTask call admits exactly one (spec, run) pair, and the result is
// reported back asynchronously once that one task finishes, through the
// core.TaskReporter the coordinator registered at NewJob time.
type LocalScheduler struct {
	mu      sync.Mutex
	handles map[string]core.CoordinatorHandle

	logger logging.Logger
}

// NewLocalScheduler returns a LocalScheduler that logs through logger.
func NewLocalScheduler(logger logging.Logger) *LocalScheduler {
	return &LocalScheduler{
		handles: make(map[string]core.CoordinatorHandle),
		logger:  logger,
	}
}

func (s *LocalScheduler) NewJob(ctx context.Context, jobName string, handle core.CoordinatorHandle, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[jobName] = handle
	return nil
}

func (s *LocalScheduler) NewTask(ctx context.Context, spec core.TaskSpec, run core.TaskRun, timeout time.Duration) error {
	s.mu.Lock()
	handle, ok := s.handles[spec.JobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("localrun: unknown job %q", spec.JobID)
	}
	reporter, ok := handle.(core.TaskReporter)
	if !ok {
		return fmt.Errorf("localrun: handle for job %q does not accept task reports", spec.JobID)
	}

	go s.execute(reporter, spec, run)
	return nil
}

// execute runs one task to completion and reports its result. It never
// returns an error to the dispatcher: a task that fails to read or
// write its own files reports ResultError/ResultInputError instead, so
// it flows through the coordinator's normal retry path
// rather than the submission-failure path.
func (s *LocalScheduler) execute(reporter core.TaskReporter, spec core.TaskSpec, run core.TaskRun) {
	var result core.TaskResult
	switch spec.Stage {
	case "map":
		result = s.runMapTask(spec, run)
	case "reduce":
		result = s.runReduceTask(spec, run)
	default:
		result = core.TaskResult{Kind: core.ResultFatal, Reason: fmt.Sprintf("localrun: unknown stage %q", spec.Stage)}
	}
	s.logger.Debug("Task executed", "job", spec.JobID, "task_id", spec.TaskID, "stage", spec.Stage, "result", result.Kind)
	reporter.ReportTaskDone(spec.TaskID, localHost, result)
}

// runMapTask reads every assigned input file, maps each line, partitions
// the mapped pairs by pkg/core.Partition, and writes one shuffle file
// per reduce partition.
func (s *LocalScheduler) runMapTask(spec core.TaskSpec, run core.TaskRun) core.TaskResult {
	job, numReducers, _, shuffleDir, err := parseJobEnv(spec.Env)
	if err != nil {
		return core.TaskResult{Kind: core.ResultFatal, Reason: err.Error()}
	}

	var lines []local.Line
	for _, in := range run.Inputs {
		fileLines, err := local.ReadLines(in.Data.Source)
		if err != nil {
			return core.TaskResult{Kind: core.ResultInputError, InputID: in.InputID, Hosts: []string{localHost}, Reason: err.Error()}
		}
		lines = append(lines, fileLines...)
	}

	partitioned := make(map[int][]mr.KeyValue)
	for _, line := range lines {
		for _, kv := range job.Map(fmt.Sprintf("%s:%d", line.Filename, line.Number), line.Text) {
			p := mr.Partition(kv.Key, numReducers)
			partitioned[p] = append(partitioned[p], kv)
		}
	}

	mapDir := filepath.Join(shuffleDir, fmt.Sprintf("map-%016d", spec.TaskID))
	outputs := make([]core.TaskOutput, numReducers)
	for p := 0; p < numReducers; p++ {
		path := filepath.Join(mapDir, fmt.Sprintf("part-%016d.tsv", p))
		if err := writePartition(path, partitioned[p]); err != nil {
			return core.TaskResult{Kind: core.ResultError, Reason: err.Error()}
		}
		outputs[p] = core.TaskOutput{Position: p, Host: localHost, URL: path}
	}

	return core.TaskResult{Kind: core.ResultDone, Outputs: outputs}
}

// runReduceTask reads every mapper's shuffle file for this task's
// partition, sorts by key, runs the registered ReduceFunc over each
// key's grouped values, and writes the final partition file.
func (s *LocalScheduler) runReduceTask(spec core.TaskSpec, run core.TaskRun) core.TaskResult {
	job, _, output, _, err := parseJobEnv(spec.Env)
	if err != nil {
		return core.TaskResult{Kind: core.ResultFatal, Reason: err.Error()}
	}
	if len(run.Inputs) == 0 {
		return core.TaskResult{Kind: core.ResultDone}
	}

	var all []mr.KeyValue
	for _, in := range run.Inputs {
		kvs, err := readPartition(in.Data.Source)
		if err != nil {
			return core.TaskResult{Kind: core.ResultInputError, InputID: in.InputID, Hosts: []string{localHost}, Reason: err.Error()}
		}
		all = append(all, kvs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	var results []mr.KeyValue
	for i := 0; i < len(all); {
		key := all[i].Key
		var values []string
		for i < len(all) && all[i].Key == key {
			values = append(values, all[i].Value)
			i++
		}
		results = append(results, job.Reduce(key, values))
	}

	// Every input of a reduce task shares the same partition index by
	// construction of byPartitionGrouping.
	reducerID := run.Inputs[0].InputID.Position
	outPath := filepath.Join(output, fmt.Sprintf("part-%016d.tsv", reducerID))
	if err := writePartition(outPath, results); err != nil {
		return core.TaskResult{Kind: core.ResultError, Reason: err.Error()}
	}

	return core.TaskResult{Kind: core.ResultDone, Outputs: []core.TaskOutput{{Position: 0, Host: localHost, URL: outPath}}}
}

func parseJobEnv(env core.JobEnv) (jobs.Job, int, string, string, error) {
	job, err := jobs.Get(env.Vars[varJob])
	if err != nil {
		return jobs.Job{}, 0, "", "", err
	}
	numReducers, err := strconv.Atoi(env.Vars[varNumReducers])
	if err != nil {
		return jobs.Job{}, 0, "", "", fmt.Errorf("localrun: invalid num_reducers %q: %w", env.Vars[varNumReducers], err)
	}
	return job, numReducers, env.Vars[varOutput], env.Vars[varShuffleDir], nil
}
