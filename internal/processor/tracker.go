package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/queue"
)

// Tracker implements queue.Listener by writing each lifecycle event to the
// job it belongs to. The store is the source of truth, so write failures are
// logged and the queue carries on.
type Tracker struct {
	log   *slog.Logger
	store jobs.Store
}

var _ queue.Listener = (*Tracker)(nil)

func NewTracker(log *slog.Logger, store jobs.Store) *Tracker {
	return &Tracker{log: log, store: store}
}

// TaskStarted moves the job into processing for a fresh attempt. A job left
// processing by a stalled worker is cycled through pending so the attempt
// counter and progress reset.
func (t *Tracker) TaskStarted(ctx context.Context, task queue.Task) {
	t.update(ctx, task, "start attempt", func(j *jobs.Job) error {
		now := time.Now().UTC()
		switch j.Status {
		case jobs.StatusProcessing:
			if err := j.Transition(jobs.StatusPending, now); err != nil {
				return err
			}
		case jobs.StatusCompleted, jobs.StatusFailed:
			return jobs.ErrUnchanged
		}
		return j.Transition(jobs.StatusProcessing, now)
	})
}

func (t *Tracker) TaskProgress(ctx context.Context, task queue.Task, percent int) {
	if _, err := jobs.SaveProgress(ctx, t.store, task.JobID, percent); err != nil {
		t.log.Debug("progress not recorded", "job_id", task.JobID, "percent", percent, "err", err)
	}
}

func (t *Tracker) TaskRetrying(ctx context.Context, task queue.Task, err error, runAt time.Time) {
	t.update(ctx, task, "requeue", func(j *jobs.Job) error {
		if j.Status != jobs.StatusProcessing {
			return jobs.ErrUnchanged
		}
		return j.Transition(jobs.StatusPending, time.Now().UTC())
	})
}

func (t *Tracker) TaskCompleted(ctx context.Context, task queue.Task) {
	job, err := t.store.GetJob(ctx, task.JobID)
	if err != nil {
		t.log.Warn("load completed job failed", "job_id", task.JobID, "err", err)
		return
	}
	if !job.Status.Terminal() {
		t.log.Error("task completed but job not finished", "job_id", job.ID, "status", job.Status)
	}
}

func (t *Tracker) TaskFailed(ctx context.Context, task queue.Task, err error) {
	kind := failure.KindOf(err)
	if _, serr := jobs.SaveError(ctx, t.store, task.JobID, string(kind), Message(err)); serr != nil {
		t.log.Error("record job failure failed", "job_id", task.JobID, "err", serr)
	}
}

func (t *Tracker) TaskStalled(ctx context.Context, task queue.Task) {
	t.log.Warn("job attempt stalled", "job_id", task.JobID, "attempt", task.Attempts)
}

func (t *Tracker) update(ctx context.Context, task queue.Task, op string, fn func(*jobs.Job) error) {
	_, err := t.store.Update(ctx, task.JobID, fn)
	if err != nil && !errors.Is(err, jobs.ErrUnchanged) {
		t.log.Warn("job state update failed", "job_id", task.JobID, "op", op, "err", err)
	}
}

// Message is the text recorded for a failed job: the classified error
// without the dispatch prefix, or the full text for unclassified errors.
func Message(err error) string {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return err.Error()
}
