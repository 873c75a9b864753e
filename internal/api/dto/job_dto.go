package dto

import "encoding/json"

type CreateJobRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Handler        string          `json:"handler" binding:"required"`
	Data           json.RawMessage `json:"data"`
	DelaySeconds   int             `json:"delay_seconds" binding:"gte=0"`
	StartAt        string          `json:"start_at"`
	Connection     string          `json:"connection"`
	Queue          string          `json:"queue"`
	Label          string          `json:"label"`
}

type ListJobsRequest struct {
	Handler    string `form:"handler"`
	Status     string `form:"status"`
	Connection string `form:"connection"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Handler        string          `json:"handler"`
	Data           json.RawMessage `json:"data"`
	Connection     string          `json:"connection"`
	Queue          string          `json:"queue"`
	Label          string          `json:"label,omitempty"`
	StartAt        string          `json:"start_at"`
	Status         string          `json:"status"`
	EnvelopeUUID   string          `json:"envelope_uuid,omitempty"`
	RemoteID       string          `json:"remote_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	DispatchedAt   string          `json:"dispatched_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

type QueueSizeResponse struct {
	Connection string `json:"connection"`
	Size       int    `json:"size"`
}

// JobMessage is published to RabbitMQ for the dispatch service
type JobMessage struct {
	JobID string `json:"job_id"`
}
