// Package queue is a durable at-least-once task queue backed by SQLite, with a
// bounded worker pool, retry with exponential backoff and lease heartbeats.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a task row.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AllStatuses lists statuses in display order.
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusActive, StatusCompleted, StatusFailed}
}

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrLeaseLost is returned when a worker touches a task it no longer holds.
	ErrLeaseLost = errors.New("task lease lost")
)

// Task is the queue's unit of work backing one job.
type Task struct {
	ID          string
	JobID       string
	Kind        string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	RunAt       time.Time
	ClaimedBy   string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time

	// Reclaimed is set on a claim that took over an expired lease.
	Reclaimed bool
}

// Exhausted reports whether no attempts remain after the current one.
func (t Task) Exhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// NewTask describes a task to enqueue. Zero MaxAttempts uses the scheduler default.
type NewTask struct {
	JobID       string
	Kind        string
	Payload     json.RawMessage
	MaxAttempts int
	Delay       time.Duration
}
