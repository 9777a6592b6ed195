package rest

import (
	"github.com/gomr/coordinator/internal/coordinator/service"
	"github.com/gomr/coordinator/internal/localrun"
)

func (req *SubmitJobRequest) ToJobSpec() localrun.JobSpec {
	return localrun.JobSpec{
		JobName:     req.JobName,
		Input:       req.Input,
		Output:      req.Output,
		NumReducers: req.NumReducers,
	}
}

func ToJobResponse(view service.JobStatusView) JobResponse {
	var stages map[string]StageProgress
	if view.Progress.Stages != nil {
		stages = make(map[string]StageProgress, len(view.Progress.Stages))
		for name, sp := range view.Progress.Stages {
			stages[name] = StageProgress{
				Total:     sp.Total,
				Running:   sp.Running,
				Stopped:   sp.Stopped,
				Completed: sp.Completed,
			}
		}
	}

	return JobResponse{
		JobID:  view.Name,
		Status: view.Status,
		Reason: view.Reason,
		Live:   view.Live,
		Stages: stages,
	}
}

func ToJobSummary(view service.JobStatusView) JobSummary {
	return JobSummary{
		JobID:  view.Name,
		Status: view.Status,
		Live:   view.Live,
	}
}
