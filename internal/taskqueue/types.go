// Package taskqueue is a local delayed-task scheduler for deployments without
// Cloud Tasks. Stop tasks are persisted in SQLite and POSTed to their URL by
// a Dispatcher when due.
package taskqueue

import (
	"time"

	"github.com/mattjoyce/runnerctl/internal/lifecycle"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
	StatusSuperseded Status = "superseded"
)

// ErrTaskNotFound is lifecycle.ErrTaskNotFound, so errors.Is works against
// either name.
var ErrTaskNotFound = lifecycle.ErrTaskNotFound

type Task struct {
	ID          string
	DedupeKey   string
	VMName      string
	VMZone      string
	URL         string
	Headers     map[string]string
	Body        []byte
	ScheduledAt time.Time
	Status      Status
	Attempt     int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
