package jobs

import (
	"context"
	"errors"
	"time"
)

// Store is the single source of truth for job state.
//
// Update is the only mutation path after creation: fn runs against a fresh copy
// inside a transaction and its changes are written atomically.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)
	Close() error
}

// Attempt is a worker's handle on the queue attempt running a job.
type Attempt interface {
	// Progress reports percent complete.
	Progress(percent int)
	// Hold fails once the attempt no longer owns its task. Workers call it
	// right before writing results.
	Hold(ctx context.Context) error
}

// ProgressFunc is an Attempt that always holds its task.
type ProgressFunc func(percent int)

func (f ProgressFunc) Progress(percent int)       { f(percent) }
func (f ProgressFunc) Hold(context.Context) error { return nil }

// SaveResult marks a processing job completed with res.
func SaveResult(ctx context.Context, s Store, id string, res Result) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		return j.Complete(res, time.Now().UTC())
	})
}

// SaveError marks a job failed. A job already terminal is left untouched.
func SaveError(ctx context.Context, s Store, id, kind, msg string) (*Job, error) {
	job, err := s.Update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrUnchanged
		}
		return j.Fail(kind, msg, time.Now().UTC())
	})
	if errors.Is(err, ErrUnchanged) {
		return job, nil
	}
	return job, err
}

// SaveProgress records progress for the running attempt; stale values are ignored.
func SaveProgress(ctx context.Context, s Store, id string, pct int) (*Job, error) {
	job, err := s.Update(ctx, id, func(j *Job) error {
		return j.ReportProgress(pct, time.Now().UTC())
	})
	if errors.Is(err, ErrUnchanged) {
		return job, nil
	}
	return job, err
}
