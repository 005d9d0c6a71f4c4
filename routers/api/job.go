package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ltx2-video-server/models"
	"ltx2-video-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobCanceler stops a pending or running job.
type JobCanceler interface {
	CancelJob(ctx context.Context, jobID string) (*models.Job, error)
}

// Handler serves the job API.
type Handler struct {
	Jobs     models.Repository
	Queue    service.Enqueuer
	Runner   service.JobRunner
	Canceler JobCanceler
	Stats    HealthChecker
	Log      *zap.Logger

	// WatchInterval is how often the progress socket re-reads the job row.
	WatchInterval time.Duration
}

func bindInput(c *gin.Context) (models.JobInput, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return models.JobInput{}, err
	}
	return models.ParseJobRequest(raw)
}

func badInput(c *gin.Context, problems []string) {
	c.JSON(http.StatusBadRequest, gin.H{"status": "error", "errors": problems})
}

// CreateJob: POST /v1/api/jobs
func (h *Handler) CreateJob(c *gin.Context) {
	in, err := bindInput(c)
	if err != nil {
		badInput(c, []string{"invalid json body: " + err.Error()})
		return
	}
	if problems := models.ValidateInput(in); len(problems) > 0 {
		badInput(c, problems)
		return
	}

	job := models.Job{
		ID:      uuid.NewString(),
		Status:  models.JobStatusPending,
		Message: "waiting for a worker",
		Input:   in,
	}
	if err := h.Jobs.Create(&job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create job failed: " + err.Error()})
		return
	}
	if err := h.Queue.EnqueueJob(job.ID); err != nil {
		h.Log.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		_ = h.Jobs.UpdateStatus(&job, models.JobStatusFailed, nil, "enqueue failed: "+err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enqueue failed: " + err.Error(), "job_id": job.ID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
}

// RunJob: POST /v1/api/jobs/run. The job runs inside the request and is not persisted.
func (h *Handler) RunJob(c *gin.Context) {
	in, err := bindInput(c)
	if err != nil {
		badInput(c, []string{"invalid json body: " + err.Error()})
		return
	}
	jobID := uuid.NewString()
	result, err := h.Runner.Process(c.Request.Context(), jobID, in, service.Hooks{})
	if err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			badInput(c, ve.Problems)
			return
		}
		h.Log.Error("synchronous job failed", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "error", "job_id": jobID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetJob: GET /v1/api/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Jobs.Get(c.Param("job_id"))
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListJobs: GET /v1/api/jobs?limit=
func (h *Handler) ListJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a number"})
		return
	}
	jobs, err := h.Jobs.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list jobs failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// CancelJob: DELETE /v1/api/jobs/:job_id
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.Canceler.CancelJob(c.Request.Context(), c.Param("job_id"))
	if errors.Is(err, service.ErrJobFinished) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "job": job})
		return
	}
	if err != nil {
		h.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *Handler) jobError(c *gin.Context, err error) {
	if errors.Is(err, models.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
