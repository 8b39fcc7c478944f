package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobrelay/internal/domain"
	"github.com/cuongbtq/jobrelay/internal/metrics"
)

// JobQueue is the queue client surface the handlers use
type JobQueue interface {
	Enqueue(ctx context.Context, req domain.Request) (domain.Handle, error)
	FetchStatus(ctx context.Context, jobID string) (*domain.Record, error)
	Ping(ctx context.Context) error
}

// RateLimit bounds dispatch requests per client IP. Zero disables it.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Queue       JobQueue
	Metrics     *metrics.Collector
	ServiceName string
	BasePath    string // e.g. /api/v1
	PublicURL   string // scheme://host used in polling URLs; derived from the request when empty
	RateLimit   RateLimit
}

// View declares one dispatch/status endpoint pair. Each view is built
// explicitly at startup; there is no global view registry.
type View struct {
	Name       string
	Path       string // relative to BasePath, e.g. "images/digest"
	Queue      string
	Descriptor domain.Descriptor
}

// Validate rejects views that could never enqueue
func (v View) Validate() error {
	if v.Name == "" {
		return domain.NewConfigurationError("view name is required")
	}
	if strings.Trim(v.Path, "/") == "" {
		return domain.NewConfigurationError("view %s: path is required", v.Name)
	}
	if v.Queue == "" {
		return domain.NewConfigurationError("view %s: queue is required", v.Name)
	}
	if v.Descriptor.IsZero() {
		return domain.NewConfigurationError("view %s: job descriptor is required", v.Name)
	}
	return nil
}

// JobHandler serves the dispatch and status endpoints of one view
type JobHandler struct {
	logger    *slog.Logger
	queue     JobQueue
	view      View
	basePath  string
	publicURL string
}

// NewJobHandler creates a new JobHandler for view
func NewJobHandler(deps *Dependencies, view View) (*JobHandler, error) {
	if err := view.Validate(); err != nil {
		return nil, err
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("view %s: queue client is required", view.Name)
	}

	view.Path = strings.Trim(view.Path, "/")
	return &JobHandler{
		logger:    deps.Logger.With(slog.String("view", view.Name)),
		queue:     deps.Queue,
		view:      view,
		basePath:  "/" + strings.Trim(deps.BasePath, "/"),
		publicURL: strings.TrimRight(deps.PublicURL, "/"),
	}, nil
}

// Route returns the view path under the base path, e.g. /api/v1/images/digest
func (h *JobHandler) Route() string {
	if h.basePath == "/" {
		return "/" + h.view.Path
	}
	return h.basePath + "/" + h.view.Path
}
