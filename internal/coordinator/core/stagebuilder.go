package core

import "sort"

// BuiltStage is the result of materializing one pipeline stage: the
// specs to submit plus the StageInfo already installed in state.
type BuiltStage struct {
	Stage     string
	TaskSpecs []TaskSpec
	Empty     bool
}

// BuildStage materializes one pipeline stage: gather the previous
// stage's outputs, apply the next stage's grouping, allocate one task
// per resulting bucket, and install each bucket's inputs into the data
// map.
//
// prevOutputs is the flattened (input-id, data-input) view of every
// completed task in the previous stage, in task-id order — the stage
// builder itself does not care how prevOutputs was assembled; see
// CollectStageOutputs.
func BuildStage(s *State, jobID string, stage PipelineStage, prevOutputs []GroupableInput, env JobEnv, schedule SchedulePolicy) (BuiltStage, error) {
	buckets := stage.Grouping(prevOutputs)

	specs := make([]TaskSpec, 0, len(buckets))
	for _, bucket := range buckets {
		for _, in := range bucket.Inputs {
			if _, exists := s.Data(in.InputID); !exists {
				s.InstallData(in.InputID, in.Data)
			}
		}

		taskID := s.AllocateTaskID()
		inputIDs := make([]InputID, 0, len(bucket.Inputs))
		for _, in := range bucket.Inputs {
			inputIDs = append(inputIDs, in.InputID)
		}

		spec := TaskSpec{
			TaskID:   taskID,
			JobID:    jobID,
			Stage:    stage.Name,
			Group:    bucket.Key,
			InputIDs: inputIDs,
			Env:      env,
			Grouping: stage.Grouping,
			Schedule: schedule,
		}
		s.AddTask(spec)
		specs = append(specs, spec)
	}

	s.StartStage(stage.Name, len(specs))

	return BuiltStage{
		Stage:     stage.Name,
		TaskSpecs: specs,
		Empty:     len(specs) == 0,
	}, nil
}

// CollectStageOutputs flattens every completed task's outputs in stage
// into (input-id, data-input) pairs, in ascending task-id order so the
// resulting task-ids of the next stage stay deterministic for identical
// inputs.
func CollectStageOutputs(s *State, stageName string) []GroupableInput {
	st, ok := s.Stage(stageName)
	if !ok {
		return nil
	}
	done := make([]int64, len(st.Done))
	copy(done, st.Done)
	sort.Slice(done, func(i, j int) bool { return done[i] < done[j] })

	var out []GroupableInput
	for _, taskID := range done {
		t, ok := s.Task(taskID)
		if !ok {
			continue
		}
		for _, o := range t.Outputs {
			out = append(out, GroupableInput{
				InputID: InputID{ProducerTaskID: taskID, Position: o.Position},
				Data:    DataInput{Source: o.URL, Hosts: []string{o.Host}},
			})
		}
	}
	return out
}

// InitialInputs builds the GroupableInput view of a job's initial inputs
// (the synthetic "input" stage), keyed under InputProducerID.
func InitialInputs(inputs []DataInput) []GroupableInput {
	out := make([]GroupableInput, 0, len(inputs))
	for i, d := range inputs {
		out = append(out, GroupableInput{
			InputID: InputID{ProducerTaskID: InputProducerID, Position: i},
			Data:    d,
		})
	}
	return out
}
