package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/runnerctl/internal/clock"
	"github.com/mattjoyce/runnerctl/internal/lifecycle"
)

const defaultMaxAttempts = 3

// Store persists stop tasks. It implements lifecycle.TaskScheduler.
type Store struct {
	db          *sql.DB
	clock       clock.Clock
	maxAttempts int
}

var _ lifecycle.TaskScheduler = (*Store)(nil)

func NewStore(db *sql.DB, clk clock.Clock, maxAttempts int) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Store{db: db, clock: clk, maxAttempts: maxAttempts}
}

func (s *Store) nowString() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// Schedule replaces any pending task for task.Key in one transaction.
func (s *Store) Schedule(ctx context.Context, task lifecycle.StopTask) error {
	if task.Key == "" {
		return fmt.Errorf("dedupe key is empty")
	}
	headers, err := json.Marshal(task.Headers())
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM stop_task
WHERE dedupe_key = ? AND status = ?;
`, task.Key, StatusPending); err != nil {
		return fmt.Errorf("replace pending task: %w", err)
	}

	now := s.nowString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO stop_task(
  id, dedupe_key, vm_name, vm_zone, url, headers, body, scheduled_at, status,
  attempt, max_attempts, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
`, uuid.NewString(), task.Key, task.Target.Name, task.Target.Zone, task.URL, string(headers), task.Body(),
		task.At.Unix(), StatusPending, s.maxAttempts, now, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Cancel deletes the pending task for key.
func (s *Store) Cancel(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM stop_task
WHERE dedupe_key = ? AND status = ?;
`, key, StatusPending)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cancel %s: %w", key, ErrTaskNotFound)
	}
	return nil
}

const taskColumns = `id, dedupe_key, vm_name, vm_zone, url, headers, body, scheduled_at, status,
  attempt, max_attempts, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		headers     string
		scheduledAt int64
		status      string
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(
		&t.ID, &t.DedupeKey, &t.VMName, &t.VMZone, &t.URL, &headers, &t.Body, &scheduledAt, &status,
		&t.Attempt, &t.MaxAttempts, &lastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
	if lastError.Valid {
		t.LastError = lastError.String
	}
	if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of task %s: %w", t.ID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

// ClaimDue marks the earliest due pending task running and returns it.
// Returns (nil, nil) when nothing is due.
func (s *Store) ClaimDue(ctx context.Context) (*Task, error) {
	now := s.clock.Now()
	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM stop_task
  WHERE status = ? AND scheduled_at <= ?
  ORDER BY scheduled_at ASC, rowid ASC
  LIMIT 1
)
UPDATE stop_task
SET status = ?, attempt = attempt + 1, updated_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+taskColumns+`;
`, StatusPending, now.Unix(), StatusRunning, now.UTC().Format(time.RFC3339Nano))

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due task: %w", err)
	}
	return t, nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM stop_task WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Pending returns the pending task for key.
func (s *Store) Pending(ctx context.Context, key string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM stop_task WHERE dedupe_key = ? AND status = ?;`, key, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending %s: %w", key, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending task: %w", err)
	}
	return t, nil
}

// Complete marks a running task delivered.
func (s *Store) Complete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE stop_task
SET status = ?, last_error = NULL, updated_at = ?
WHERE id = ? AND status = ?;
`, StatusDone, s.nowString(), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

// Fail records a failed delivery and decides the task's next state: pending
// again at retryAt, dead once attempts are exhausted, or superseded when a
// newer task for the same key is already pending.
func (s *Store) Fail(ctx context.Context, id, lastError string, retryAt time.Time) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status, err := s.requeueTx(ctx, tx, id, lastError, retryAt)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return status, nil
}

func (s *Store) requeueTx(ctx context.Context, tx *sql.Tx, id, lastError string, retryAt time.Time) (Status, error) {
	var (
		key         string
		attempt     int
		maxAttempts int
	)
	if err := tx.QueryRowContext(ctx, `
SELECT dedupe_key, attempt, max_attempts
FROM stop_task
WHERE id = ? AND status = ?;
`, id, StatusRunning).Scan(&key, &attempt, &maxAttempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("fail %s: %w", id, ErrTaskNotFound)
		}
		return "", fmt.Errorf("load task for retry: %w", err)
	}

	var newer int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM stop_task WHERE dedupe_key = ? AND status = ?;
`, key, StatusPending).Scan(&newer); err != nil {
		return "", fmt.Errorf("check newer task: %w", err)
	}

	next := StatusPending
	switch {
	case newer > 0:
		next = StatusSuperseded
	case attempt >= maxAttempts:
		next = StatusDead
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE stop_task
SET status = ?, scheduled_at = ?, last_error = ?, updated_at = ?
WHERE id = ?;
`, next, retryAt.Unix(), lastError, s.nowString(), id); err != nil {
		return "", fmt.Errorf("update task for retry: %w", err)
	}
	return next, nil
}

// RecoverRunning returns tasks left running by a crashed process to the
// queue. Each recovered task keeps the attempt it was claimed with.
func (s *Store) RecoverRunning(ctx context.Context) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM stop_task WHERE status = ?;`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("find running tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan running task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		status, err := s.Fail(ctx, id, "interrupted by restart", s.clock.Now())
		if err != nil {
			return out, err
		}
		out[id] = status
	}
	return out, nil
}

// List returns tasks in the given statuses (all when empty), pending first
// then most recently updated, up to limit rows (no limit when <= 0).
func (s *Store) List(ctx context.Context, statuses []Status, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM stop_task`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY CASE status WHEN 'pending' THEN 0 WHEN 'running' THEN 1 ELSE 2 END, scheduled_at ASC, updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}
