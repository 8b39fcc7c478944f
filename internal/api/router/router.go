package router

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobrelay/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with one dispatch and
// status route set per view
func SetupRouter(deps *handler.Dependencies, views []handler.View) (*gin.Engine, error) {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", handler.NewHealthHandler(deps).Health)

	// Prometheus metrics
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	limit := RateLimitMiddleware(deps.RateLimit)

	for _, view := range views {
		h, err := handler.NewJobHandler(deps, view)
		if err != nil {
			return nil, err
		}

		route := h.Route()

		// POST <route> - dispatch a job
		r.POST(route, limit, h.Dispatch)

		// GET <route>?id=<job_id> - poll a job
		r.GET(route, h.Status)

		// GET <route>/:job_id - poll a job
		r.GET(route+"/:job_id", h.Status)

		deps.Logger.Info("View registered",
			slog.String("view", view.Name),
			slog.String("route", route),
			slog.String("job", view.Descriptor.Key()),
			slog.String("queue", view.Queue),
		)
	}

	return r, nil
}
