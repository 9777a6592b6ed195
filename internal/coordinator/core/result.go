package core

// ResultKind is the closed set of outcomes a worker can report through
// task_done.
type ResultKind string

const (
	ResultDone       ResultKind = "done"
	ResultError      ResultKind = "error"
	ResultFatal      ResultKind = "fatal"
	ResultInputError ResultKind = "input_error"
)

// TaskResult is the payload of a task_done message.
type TaskResult struct {
	Kind ResultKind

	// Outputs is set when Kind == ResultDone.
	Outputs []TaskOutput

	// Reason is set when Kind is ResultError or ResultFatal.
	Reason string

	// InputID/Hosts are set when Kind == ResultInputError: the input
	// that could not be read, and the hosts that failed to serve it on
	// this attempt.
	InputID InputID
	Hosts   []string
}
