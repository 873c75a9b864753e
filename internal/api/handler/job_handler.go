package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/dto"
	"github.com/cuongbtq/remote-scheduler/internal/api/model"
	"github.com/cuongbtq/remote-scheduler/internal/api/storage"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var jobStatuses = map[string]bool{
	domain.JobStatusPending:     true,
	domain.JobStatusDispatching: true,
	domain.JobStatusDispatched:  true,
	domain.JobStatusRunning:     true,
	domain.JobStatusCompleted:   true,
	domain.JobStatusFailed:      true,
}

// CreateJob handles POST /api/v1/jobs
// Stores a dispatch record and hands it to the dispatch service
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	connection := strings.TrimSpace(req.Connection)
	if connection == "" {
		connection = h.defaultConnection
	}
	if !h.connections[connection] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown connection: " + connection,
		})
		return
	}

	now := h.now().UTC()
	startAt := now.Add(time.Duration(req.DelaySeconds) * time.Second)
	if req.StartAt != "" {
		if req.DelaySeconds > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "start_at and delay_seconds are mutually exclusive",
			})
			return
		}
		t, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "start_at must be an RFC 3339 timestamp",
			})
			return
		}
		startAt = t.UTC()
	}

	data := "null"
	if len(req.Data) > 0 {
		data = string(req.Data)
	}

	queue := strings.TrimSpace(req.Queue)
	if queue == "" {
		queue = domain.DefaultQueue
	}

	job := model.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: sql.NullString{String: req.IdempotencyKey, Valid: req.IdempotencyKey != ""},
		Handler:        req.Handler,
		Data:           data,
		Connection:     connection,
		Queue:          queue,
		Label:          strings.TrimSpace(req.Label),
		StartAt:        startAt,
		Status:         domain.JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx := c.Request.Context()
	created, err := h.jobs.CreateJob(ctx, &job)
	if err != nil {
		h.logger.Error("Failed to create job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if !created {
		h.logger.Info("Duplicate job request",
			slog.String("job_id", job.JobID),
			slog.String("idempotency_key", req.IdempotencyKey),
			slog.String("status", job.Status),
		)
		// a PENDING duplicate may never have reached the queue; the worker's
		// claim drops any second message for the same job
		if job.Status == domain.JobStatusPending && !h.enqueue(c, job.JobID) {
			return
		}
		c.JSON(http.StatusOK, toJobDTO(job))
		return
	}

	if !h.enqueue(c, job.JobID) {
		return
	}

	h.logger.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("handler", job.Handler),
		slog.String("connection", job.Connection),
		slog.Time("start_at", job.StartAt),
	)

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// enqueue publishes the dispatch message and writes the error response on failure
func (h *JobHandler) enqueue(c *gin.Context, jobID string) bool {
	if err := h.publisher.PublishJSON(c.Request.Context(), dto.JobMessage{JobID: jobID}); err != nil {
		h.logger.Error("Failed to publish job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Failed to enqueue job",
			"job_id": jobID,
		})
		return false
	}
	return true
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(*job))
}

// ListJobs handles GET /api/v1/jobs
// Lists dispatch records newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !jobStatuses[req.Status] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status: " + req.Status,
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), storage.JobFilter{
		Handler:    req.Handler,
		Status:     req.Status,
		Connection: req.Connection,
		PageSize:   req.PageSize,
		Cursor:     cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// QueueSize handles GET /api/v1/queues/:connection/size
func (h *JobHandler) QueueSize(c *gin.Context) {
	connection := c.Param("connection")
	if !h.connections[connection] {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown connection: " + connection,
		})
		return
	}

	size, err := h.queues.QueueSize(c.Request.Context(), connection)
	if err != nil {
		h.logger.Error("Failed to fetch queue size",
			slog.String("connection", connection),
			slog.Any("error", err),
		)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrDispatch) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"error": "Failed to fetch queue size",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueSizeResponse{
		Connection: connection,
		Size:       size,
	})
}

func toJobDTO(job model.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey.String,
		Handler:        job.Handler,
		Connection:     job.Connection,
		Queue:          job.Queue,
		Label:          job.Label,
		StartAt:        job.StartAt.Format(time.RFC3339),
		Status:         job.Status,
		EnvelopeUUID:   job.EnvelopeUUID,
		RemoteID:       job.RemoteID,
		Error:          job.ErrorMessage,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Data != "" {
		out.Data = json.RawMessage(job.Data)
	}
	if job.Result.Valid {
		out.Result = json.RawMessage(job.Result.String)
	}
	if job.DispatchedAt.Valid {
		out.DispatchedAt = job.DispatchedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return out
}
