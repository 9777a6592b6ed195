package localrun

import (
	"github.com/google/uuid"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/shared/logging"
)

// LocalEventSink is the demo EventSink: it assigns each job
// a unique name derived from its prefix and logs every event through
// logging.Logger instead of forwarding to an external event bus.
type LocalEventSink struct {
	logger logging.Logger
}

// NewLocalEventSink returns a LocalEventSink that logs through logger.
func NewLocalEventSink(logger logging.Logger) *LocalEventSink {
	return &LocalEventSink{logger: logger}
}

func (s *LocalEventSink) NewJob(prefix string, handle core.CoordinatorHandle) (string, error) {
	jobName := prefix + "-" + uuid.New().String()[:8]
	s.logger.Info("Job registered", "job", jobName)
	return jobName, nil
}

func (s *LocalEventSink) TaskEvent(taskID int64, event string, fields map[string]any) {
	s.logger.Debug("Task event", "task_id", taskID, "event", event, "fields", fields)
}

func (s *LocalEventSink) Event(event string, fields map[string]any) {
	s.logger.Info("Job event", "event", event, "fields", fields)
}
