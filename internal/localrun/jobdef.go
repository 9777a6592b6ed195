// Package localrun is the single-process demo Scheduler/EventSink pair:
// it runs every task of a registered pkg/jobs map/reduce job in its own
// goroutine instead of handing it to a remote worker fleet, driven
// through the coordinator's per-task Scheduler contract instead of one
// monolithic Run() call.
package localrun

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/pkg/jobs"
)

const (
	varJob         = "job"
	varNumReducers = "num_reducers"
	varOutput      = "output"
	varShuffleDir  = "shuffle_dir"

	// localHost is the single pseudo-host every task in this package
	// runs on; there is only one process, so there is nothing to
	// schedule across.
	localHost = "local"
)

// JobSpec is everything needed to drive one registered pkg/jobs
// map/reduce job through a LocalScheduler.
type JobSpec struct {
	// JobName is the name a wordcount/grep-style job was registered
	// under via pkg/jobs.Register.
	JobName string
	// Input is the set of glob patterns (per core.FindLocalFiles) that
	// make up the job's initial input files.
	Input []string
	// Output is the directory final reduce partitions are written to.
	Output string
	// NumReducers is the fixed number of reduce tasks the job's single
	// reduce stage fans into.
	NumReducers int
	// ShuffleDir, if set, is used instead of a freshly created temp
	// directory for intermediate map output.
	ShuffleDir string
}

// Build resolves spec's input files into the pieces engine.Spawn needs:
// the two-stage map/reduce pipeline, the job's initial inputs, and the
// JobEnv every task of the job carries its filesystem layout in — the
// coordinator threads Env through unopened; localrun is the one place
// that actually reads it.
func (spec JobSpec) Build() (core.Pipeline, []core.DataInput, core.JobEnv, error) {
	if _, err := jobs.Get(spec.JobName); err != nil {
		return core.Pipeline{}, nil, core.JobEnv{}, err
	}
	if spec.NumReducers <= 0 {
		return core.Pipeline{}, nil, core.JobEnv{}, fmt.Errorf("localrun: num reducers must be positive, got %d", spec.NumReducers)
	}

	files, err := core.FindLocalFiles(spec.Input)
	if err != nil {
		return core.Pipeline{}, nil, core.JobEnv{}, err
	}
	if len(files) == 0 {
		return core.Pipeline{}, nil, core.JobEnv{}, fmt.Errorf("localrun: no input files matched %v", spec.Input)
	}

	shuffleDir := spec.ShuffleDir
	if shuffleDir == "" {
		shuffleDir, err = core.CreateLocalShuffleDir(uuid.New())
		if err != nil {
			return core.Pipeline{}, nil, core.JobEnv{}, err
		}
	}

	inputs := make([]core.DataInput, len(files))
	for i, f := range files {
		inputs[i] = core.DataInput{Source: f, Hosts: []string{localHost}}
	}

	env := core.JobEnv{
		JobName: spec.JobName,
		Vars: map[string]string{
			varJob:         spec.JobName,
			varNumReducers: strconv.Itoa(spec.NumReducers),
			varOutput:      spec.Output,
			varShuffleDir:  shuffleDir,
		},
	}

	pipeline := core.Pipeline{Stages: []core.PipelineStage{
		{Name: "map", Grouping: perFileGrouping},
		{Name: "reduce", Grouping: byPartitionGrouping},
	}}

	return pipeline, inputs, env, nil
}
