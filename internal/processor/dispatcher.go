// Package processor connects the task queue to the job workers: it routes
// leased tasks to the worker for their job kind and mirrors queue lifecycle
// events onto job state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/queue"
)

// Runner executes one attempt of a job, reporting progress through att.
type Runner interface {
	Run(ctx context.Context, job *jobs.Job, att jobs.Attempt) error
}

// Dispatcher implements queue.Handler.
type Dispatcher struct {
	log     *slog.Logger
	store   jobs.Store
	runners map[jobs.Kind]Runner
}

// Ensure Dispatcher implements queue.Handler
var _ queue.Handler = (*Dispatcher)(nil)

func NewDispatcher(log *slog.Logger, store jobs.Store, runners map[jobs.Kind]Runner) *Dispatcher {
	return &Dispatcher{log: log, store: store, runners: runners}
}

func (d *Dispatcher) Handle(ctx context.Context, lease *queue.Lease) error {
	task := lease.Task()
	job, err := d.store.GetJob(ctx, task.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return failure.Newf(failure.KindInternal, false, "dispatch", "job %s not found", task.JobID)
	}
	if err != nil {
		return failure.Transient(failure.KindStorage, "load job", err)
	}
	if job.Status.Terminal() {
		lease.Logger().Info("job already terminal; skipping", "status", job.Status)
		return nil
	}
	r, ok := d.runners[job.Kind]
	if !ok {
		return failure.Newf(failure.KindInternal, false, "dispatch", "no worker for job kind %q", job.Kind)
	}
	if err := r.Run(ctx, job, leaseAttempt{ctx: ctx, lease: lease}); err != nil {
		return fmt.Errorf("%s job %s: %w", job.Kind, job.ID, err)
	}
	return nil
}

// leaseAttempt exposes a queue lease to workers.
type leaseAttempt struct {
	ctx   context.Context
	lease *queue.Lease
}

func (a leaseAttempt) Progress(pct int) { a.lease.Progress(a.ctx, pct) }

func (a leaseAttempt) Hold(ctx context.Context) error {
	if err := a.lease.Hold(ctx); err != nil {
		return failure.Transient(failure.KindStorage, "confirm lease", err)
	}
	return nil
}
