package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/mediajobs/internal/database"
)

// SQLiteStore persists jobs in the shared SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an opened database (see database.Open).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const jobColumns = `id, kind, video_id, language, style_json, download_ttl_ms, status, progress, attempt,
	error_kind, error_message, result_json, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("job.Kind %q is invalid", job.Kind)
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	style, err := marshalOptional(job.Style)
	if err != nil {
		return fmt.Errorf("marshal style: %w", err)
	}
	result, err := marshalOptional(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	err = database.RetryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, string(job.Kind), job.VideoID, job.Language, style, job.DownloadTTL.Milliseconds(),
			string(job.Status), job.Progress, job.Attempt, nullString(job.ErrorKind), nullString(job.Error), result,
			database.FormatTime(job.CreatedAt), database.FormatTime(job.UpdatedAt),
			formatOptionalTime(job.StartedAt), formatOptionalTime(job.CompletedAt),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// Update runs fn on the current row inside an immediate transaction and writes
// the result back. If fn returns an error nothing is written and the error is
// returned together with the unmodified job.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var out *Job
	var fnErr error
	err := database.RetryOnBusy(ctx, func() error {
		out, fnErr = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		working := *current
		if err := fn(&working); err != nil {
			out, fnErr = current, err
			return nil
		}
		if working.UpdatedAt.Equal(current.UpdatedAt) {
			working.UpdatedAt = time.Now().UTC()
		}
		if err := writeJob(ctx, tx, &working); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = &working
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update job: %w", err)
	}
	return out, fnErr
}

func writeJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	style, err := marshalOptional(job.Style)
	if err != nil {
		return fmt.Errorf("marshal style: %w", err)
	}
	result, err := marshalOptional(job.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs
		SET style_json = ?, download_ttl_ms = ?, status = ?, progress = ?, attempt = ?, error_kind = ?,
			error_message = ?, result_json = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		style, job.DownloadTTL.Milliseconds(), string(job.Status), job.Progress, job.Attempt,
		nullString(job.ErrorKind), nullString(job.Error), result, database.FormatTime(job.UpdatedAt),
		formatOptionalTime(job.StartedAt), formatOptionalTime(job.CompletedAt), job.ID,
	)
	return err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var kind, status string
	var ttlMS int64
	var style, errKind, errMsg, result, created, updated, started, completed sql.NullString

	if err := row.Scan(
		&job.ID,
		&kind,
		&job.VideoID,
		&job.Language,
		&style,
		&ttlMS,
		&status,
		&job.Progress,
		&job.Attempt,
		&errKind,
		&errMsg,
		&result,
		&created,
		&updated,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.DownloadTTL = time.Duration(ttlMS) * time.Millisecond
	job.ErrorKind = errKind.String
	job.Error = errMsg.String
	job.CreatedAt = database.ParseTime(created)
	job.UpdatedAt = database.ParseTime(updated)
	if t := database.ParseTime(started); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := database.ParseTime(completed); !t.IsZero() {
		job.CompletedAt = &t
	}
	if style.Valid && style.String != "" {
		var st Style
		if err := json.Unmarshal([]byte(style.String), &st); err != nil {
			return nil, fmt.Errorf("decode style: %w", err)
		}
		job.Style = &st
	}
	if result.Valid && result.String != "" {
		var res Result
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	return &job, nil
}

func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: database.FormatTime(*t), Valid: true}
}
