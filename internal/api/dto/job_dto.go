package dto

import "github.com/cuongbtq/jobrelay/internal/domain"

// Polling statuses reported to clients
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusError   = "error"
)

// DispatchResponse is returned with 202 Accepted after a job is enqueued
type DispatchResponse struct {
	JobID string `json:"job_id"`
	URL   string `json:"url"`
}

// PendingResponse reports a queued or started job
type PendingResponse struct {
	Status string `json:"status"`
}

// DoneResponse reports a finished job. Result is always present, even when null.
type DoneResponse struct {
	Status string `json:"status"`
	Result any    `json:"result"`
}

// FailedResponse reports a failed job
type FailedResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// StatusResponse decodes any of the polling responses on the client side
type StatusResponse struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every 4xx/5xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Broker  string `json:"broker"`
}

// FromRecord maps a job record to its polling response
func FromRecord(rec *domain.Record) any {
	switch rec.Status {
	case domain.StatusFinished:
		return DoneResponse{Status: StatusDone, Result: rec.Result}
	case domain.StatusFailed:
		return FailedResponse{Status: StatusError, Error: rec.Error}
	default:
		return PendingResponse{Status: StatusPending}
	}
}
