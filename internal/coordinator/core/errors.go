package core

import "fmt"

// FatalJobError is returned by the failure handler when a task's own
// failure budget is exhausted, or when a worker reports a fatal result.
// The coordinator agent treats it as "kill the job with this reason".
type FatalJobError struct {
	Reason string
}

func (e *FatalJobError) Error() string {
	return e.Reason
}

// NewRetryBudgetExceededError formats the retry-cap message for a task
// that has exhausted its failure budget.
func NewRetryBudgetExceededError(failCount int, reason string, maxFailureRate int) *FatalJobError {
	return &FatalJobError{
		Reason: fmt.Sprintf(
			"Task failed %d times (due to %s). At most %d failures are allowed.",
			failCount, reason, maxFailureRate,
		),
	}
}
