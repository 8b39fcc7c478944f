package handler

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/cuongbtq/jobrelay/internal/api/dto"
	"github.com/cuongbtq/jobrelay/internal/domain"
)

// Dispatch handles POST <base>/<view path>
// Binds the declared parameters from the JSON body and enqueues a job
func (h *JobHandler) Dispatch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.logger.Error("Failed to read request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body"})
		return
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := binding.JSON.BindBody(body, &payload); err != nil {
			h.logger.Warn("Invalid request body", slog.Any("error", err))
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "request body must be a JSON object"})
			return
		}
	}

	req, err := domain.NewRequest(h.view.Descriptor, payload, h.view.Queue)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: ve.Error(), Field: ve.Field})
			return
		}
		h.logger.Error("Failed to build job request", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to build job request"})
		return
	}

	handle, err := h.queue.Enqueue(c.Request.Context(), req)
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: ve.Error(), Field: ve.Field})
		case errors.Is(err, domain.ErrBrokerUnavailable):
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "broker unavailable, try again later"})
		default:
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to enqueue job"})
		}
		return
	}

	url := h.statusURL(c, handle.JobID)
	c.Header("Content-Location", url)
	c.JSON(http.StatusAccepted, dto.DispatchResponse{
		JobID: handle.JobID,
		URL:   url,
	})
}

// Status handles GET <base>/<view path>/:job_id and GET <base>/<view path>?id=<job_id>
// Reports the job state without changing it
func (h *JobHandler) Status(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		jobID = c.Query("id")
	}
	if jobID == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "id query parameter is required", Field: "id"})
		return
	}

	rec, err := h.queue.FetchStatus(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		case errors.Is(err, domain.ErrBrokerUnavailable):
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: "broker unavailable, try again later"})
		default:
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "failed to fetch job status"})
		}
		return
	}

	// a view only reports jobs from its own queue
	if rec.Queue != h.view.Queue {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
		return
	}

	c.JSON(http.StatusOK, dto.FromRecord(rec))
}

// statusURL builds the fully qualified polling URL of jobID
func (h *JobHandler) statusURL(c *gin.Context, jobID string) string {
	origin := h.publicURL
	if origin == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
		}
		origin = scheme + "://" + c.Request.Host
	}
	return origin + h.Route() + "/" + jobID
}
