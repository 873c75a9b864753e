package model

import (
	"database/sql"
	"time"
)

// Job is one dispatch record: a handler invocation the API accepted and the
// dispatch service submits to the remote scheduler.
type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Handler        string         `db:"handler"`
	Data           string         `db:"data"`
	Connection     string         `db:"connection"`
	Queue          string         `db:"queue"`
	Label          string         `db:"label"`
	StartAt        time.Time      `db:"start_at"`
	Status         string         `db:"status"`
	EnvelopeUUID   string         `db:"envelope_uuid"`
	RemoteID       string         `db:"remote_id"`
	ErrorMessage   string         `db:"error_message"`
	Result         sql.NullString `db:"result"`
	DispatchedAt   sql.NullTime   `db:"dispatched_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
