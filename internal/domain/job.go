package domain

import (
	"time"
)

// Request is built per inbound dispatch call from a descriptor and the
// extracted payload values
type Request struct {
	Descriptor Descriptor
	Arguments  map[string]any
	Queue      string
}

// NewRequest binds payload against the descriptor and builds a Request
func NewRequest(d Descriptor, payload map[string]any, queue string) (Request, error) {
	args, err := d.Bind(payload)
	if err != nil {
		return Request{}, err
	}
	return Request{Descriptor: d, Arguments: args, Queue: queue}, nil
}

// Validate checks that every declared parameter is present in Arguments
func (r Request) Validate() error {
	if r.Descriptor.IsZero() {
		return NewConfigurationError("request has no job descriptor")
	}
	if r.Queue == "" {
		return NewConfigurationError("request has no queue name")
	}
	for _, name := range r.Descriptor.parameters {
		if _, ok := r.Arguments[name]; !ok {
			return &ValidationError{Field: name}
		}
	}
	return nil
}

// Handle is returned to the dispatcher after a successful enqueue
type Handle struct {
	JobID       string    `json:"job_id"`
	Queue       string    `json:"queue"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Job is the unit handed to the broker and delivered to a worker
type Job struct {
	ID         string
	Queue      string
	Function   string // "module.function"
	Arguments  map[string]any
	EnqueuedAt time.Time
}

// Record is the broker-held state of one job. Only the worker mutates it.
type Record struct {
	JobID       string
	Queue       string
	Function    string
	Status      Status
	Result      any
	Error       string
	WorkerID    string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	HeartbeatAt *time.Time
}
