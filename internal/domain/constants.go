package domain

// Status is the lifecycle state of a job record held by the broker
type Status string

// Job status constants
const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// DefaultModule is the job module used when a descriptor does not name one
const DefaultModule = "jobs"

// DefaultQueue is the queue a worker listens on when none is configured
const DefaultQueue = "default"

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a forward transition.
// queued -> started -> finished|failed; nothing leaves a terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusStarted
	case StatusStarted:
		return next == StatusFinished || next == StatusFailed
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStarted, StatusFinished, StatusFailed:
		return true
	}
	return false
}
