package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/mediajobs/internal/database"
)

// Backend persists tasks. The SQLite implementation is used in production;
// tests may substitute a fake.
type Backend interface {
	Insert(ctx context.Context, t *Task) error
	// Claim atomically leases the oldest runnable task to workerID. A task is
	// runnable when queued with run_at <= now, or active with a heartbeat older
	// than stalledBefore. It returns (nil, nil) when nothing is runnable.
	Claim(ctx context.Context, workerID string, now, stalledBefore time.Time) (*Task, error)
	Heartbeat(ctx context.Context, id, workerID string, now time.Time) error
	Complete(ctx context.Context, id, workerID string, now time.Time) error
	Retry(ctx context.Context, id, workerID, lastErr string, runAt, now time.Time) error
	Fail(ctx context.Context, id, workerID, lastErr string, now time.Time) error
	// Release returns a leased task to the queue without consuming an attempt.
	Release(ctx context.Context, id, workerID string, now time.Time) error
	Get(ctx context.Context, id string) (*Task, error)
	Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
	Stats(ctx context.Context) (map[Status]int, error)
}

// SQLiteBackend stores tasks in the tasks table of the shared database.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

const taskColumns = `id, job_id, kind, payload, status, attempts, max_attempts, last_error, run_at,
	claimed_by, heartbeat_at, created_at, updated_at, finished_at, reclaimed`

func (b *SQLiteBackend) Insert(ctx context.Context, t *Task) error {
	return database.RetryOnBusy(ctx, func() error {
		_, err := b.db.ExecContext(ctx, `INSERT INTO tasks (id, job_id, kind, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.JobID, t.Kind, nullText(string(t.Payload)), string(t.Status), t.Attempts, t.MaxAttempts,
			ms(t.RunAt), ms(t.CreatedAt), ms(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

func (b *SQLiteBackend) Claim(ctx context.Context, workerID string, now, stalledBefore time.Time) (*Task, error) {
	var task *Task
	err := database.RetryOnBusy(ctx, func() error {
		// SET expressions see the pre-update row, so reclaimed records whether
		// this claim took over an expired lease.
		row := b.db.QueryRowContext(ctx, `UPDATE tasks
			SET status = 'active',
				attempts = attempts + 1,
				reclaimed = CASE WHEN status = 'active' THEN 1 ELSE 0 END,
				claimed_by = ?,
				heartbeat_at = ?,
				updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE (status = 'queued' AND run_at <= ?)
				   OR (status = 'active' AND heartbeat_at < ?)
				ORDER BY run_at, created_at
				LIMIT 1
			)
			RETURNING `+taskColumns,
			workerID, ms(now), ms(now), ms(now), ms(stalledBefore))
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			task = nil
			return nil
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

func (b *SQLiteBackend) Heartbeat(ctx context.Context, id, workerID string, now time.Time) error {
	return b.leased(ctx, "heartbeat", `UPDATE tasks SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`, ms(now), ms(now), id, workerID)
}

func (b *SQLiteBackend) Complete(ctx context.Context, id, workerID string, now time.Time) error {
	return b.leased(ctx, "complete", `UPDATE tasks SET status = 'completed', last_error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`, ms(now), ms(now), id, workerID)
}

func (b *SQLiteBackend) Retry(ctx context.Context, id, workerID, lastErr string, runAt, now time.Time) error {
	return b.leased(ctx, "retry", `UPDATE tasks SET status = 'queued', last_error = ?, run_at = ?, claimed_by = NULL,
		heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`, lastErr, ms(runAt), ms(now), id, workerID)
}

func (b *SQLiteBackend) Fail(ctx context.Context, id, workerID, lastErr string, now time.Time) error {
	return b.leased(ctx, "fail", `UPDATE tasks SET status = 'failed', last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`, lastErr, ms(now), ms(now), id, workerID)
}

func (b *SQLiteBackend) Release(ctx context.Context, id, workerID string, now time.Time) error {
	return b.leased(ctx, "release", `UPDATE tasks SET status = 'queued', attempts = MAX(attempts - 1, 0), run_at = ?,
		claimed_by = NULL, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'active' AND claimed_by = ?`, ms(now), ms(now), id, workerID)
}

// leased runs a lease-guarded update; zero affected rows means the lease was lost.
func (b *SQLiteBackend) leased(ctx context.Context, op, query string, args ...any) error {
	return database.RetryOnBusy(ctx, func() error {
		res, err := b.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s task: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%s task: %w", op, err)
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	})
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(b.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (b *SQLiteBackend) Purge(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	var total int64
	err := database.RetryOnBusy(ctx, func() error {
		res, err := b.db.ExecContext(ctx, `DELETE FROM tasks
			WHERE (status = 'completed' AND finished_at < ?)
			   OR (status = 'failed' AND finished_at < ?)`, ms(completedBefore), ms(failedBefore))
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		total, err = res.RowsAffected()
		return err
	})
	return total, err
}

func (b *SQLiteBackend) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	var payload, lastErr, claimedBy sql.NullString
	var runAt, createdAt, updatedAt int64
	var heartbeat, finished sql.NullInt64
	var reclaimed int
	if err := row.Scan(&t.ID, &t.JobID, &t.Kind, &payload, &status, &t.Attempts, &t.MaxAttempts, &lastErr, &runAt,
		&claimedBy, &heartbeat, &createdAt, &updatedAt, &finished, &reclaimed); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if payload.Valid && payload.String != "" {
		t.Payload = []byte(payload.String)
	}
	t.LastError = lastErr.String
	t.ClaimedBy = claimedBy.String
	t.RunAt = fromMS(runAt)
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	if heartbeat.Valid {
		hb := fromMS(heartbeat.Int64)
		t.HeartbeatAt = &hb
	}
	if finished.Valid {
		f := fromMS(finished.Int64)
		t.FinishedAt = &f
	}
	t.Reclaimed = reclaimed == 1
	return &t, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
