package domain

import "time"

// Job is a claimed dispatch record
type Job struct {
	JobID      string    `db:"job_id"`
	Handler    string    `db:"handler"`
	Data       string    `db:"data"`
	Connection string    `db:"connection"`
	Queue      string    `db:"queue"`
	Label      string    `db:"label"`
	StartAt    time.Time `db:"start_at"`
}

// Acknowledger settles a RabbitMQ delivery
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID    string       `json:"job_id"`
	Delivery Acknowledger `json:"-"`
}
