package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"analyzer-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the jobs service and orchestrator.
type Handler struct {
	Svc *Service
	Orc *Orchestrator
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, orc *Orchestrator) *Handler {
	return &Handler{Svc: svc, Orc: orc}
}

// RegisterRoutes attaches job routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyze", h.submitJob)
	rg.GET("/jobs/:id/status", h.getStatus)
	rg.GET("/jobs/:id/result", h.getResult)
	rg.DELETE("/jobs/:id", h.cancelJob)
	rg.GET("/queue/stats", h.queueStats)
}

func (h *Handler) submitJob(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	defer file.Close()

	query := c.PostForm("query")

	job, err := h.Svc.Submit(c.Request.Context(), header.Filename, query, file)
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueUnavailable):
			respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "job queue is unavailable, try again later", nil)
		case errors.Is(err, ErrDuplicate):
			respond.Error(c, http.StatusConflict, "duplicate_job", "a job with this id already exists", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to submit job", nil)
		}
		return
	}

	c.Set("jobId", job.JobID)
	c.Set("statusTransition", "->queued")
	respond.JSON(c, http.StatusAccepted, gin.H{
		"job_id":    job.JobID,
		"status":    job.Status,
		"query":     job.Query,
		"file_name": job.Filename,
		"message":   "Document analysis job queued",
		"endpoints": gin.H{
			"status": "/api/v1/jobs/" + job.JobID + "/status",
			"result": "/api/v1/jobs/" + job.JobID + "/result",
		},
	})
}

func (h *Handler) getStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}

	view, err := h.Orc.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			h.jobNotFound(c, jobID)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job status", nil)
		}
		return
	}

	c.Set("jobId", jobID)
	respond.JSON(c, http.StatusOK, view)
}

func (h *Handler) getResult(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}

	view, err := h.Orc.GetResult(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			h.jobNotFound(c, jobID)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch job result", nil)
		}
		return
	}

	c.Set("jobId", jobID)
	if view.Status == StatusFailed {
		c.JSON(http.StatusInternalServerError, view)
		return
	}
	respond.JSON(c, http.StatusOK, view)
}

func (h *Handler) cancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "job id is required", nil)
		return
	}

	if err := h.Svc.Cancel(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			h.jobNotFound(c, jobID)
		case errors.Is(err, ErrNotCancellable):
			respond.Error(c, http.StatusBadRequest, "not_cancellable", "job already started or finished", nil)
		case errors.Is(err, ErrQueueUnavailable):
			respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "job queue is unavailable, try again later", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to cancel job", nil)
		}
		return
	}

	c.Set("jobId", jobID)
	c.Set("statusTransition", "->cancelled")
	respond.JSON(c, http.StatusOK, gin.H{
		"job_id":  jobID,
		"status":  StatusCancelled,
		"message": "Job cancelled",
	})
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.Svc.Stats(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, ErrQueueUnavailable):
			respond.Error(c, http.StatusServiceUnavailable, "queue_unavailable", "job queue is unavailable", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch queue stats", nil)
		}
		return
	}
	respond.JSON(c, http.StatusOK, stats)
}

// jobNotFound keeps the not-found body shaped like a status payload so
// pollers can treat it uniformly.
func (h *Handler) jobNotFound(c *gin.Context, jobID string) {
	c.JSON(http.StatusNotFound, gin.H{
		"job_id":  jobID,
		"status":  "not_found",
		"message": "No job found with this id. It may have expired or never existed.",
	})
}
