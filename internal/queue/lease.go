package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Lease is a worker's hold on one task attempt. Once another worker reclaims
// the task the lease is lost: the attempt's context is cancelled and nothing
// more is reported for it.
type Lease struct {
	task     Task
	workerID string
	s        *Scheduler
	log      *slog.Logger
	cancel   context.CancelFunc

	lost atomic.Bool

	mu      sync.Mutex
	percent int
}

// Task returns a copy of the leased task.
func (l *Lease) Task() Task {
	return l.task
}

// Logger returns a logger annotated with the task and job ids.
func (l *Lease) Logger() *slog.Logger {
	return l.log
}

// Progress reports percent complete for this attempt and renews the lease.
// Values not above the last reported one are dropped, so observers only
// ever see progress increase within an attempt.
func (l *Lease) Progress(ctx context.Context, percent int) {
	if percent > 100 {
		percent = 100
	}
	l.mu.Lock()
	if percent <= l.percent {
		l.mu.Unlock()
		return
	}
	l.percent = percent
	l.mu.Unlock()

	if err := l.renew(ctx); err != nil && !errors.Is(err, ErrLeaseLost) {
		l.log.Debug("heartbeat on progress failed", "err", err)
	}
	if l.Lost() {
		return
	}
	l.s.listener.TaskProgress(ctx, l.task, percent)
}

// Hold renews the lease and reports ErrLeaseLost when the task now belongs to
// another worker. Handlers call it right before persisting results.
func (l *Lease) Hold(ctx context.Context) error {
	if l.Lost() {
		return ErrLeaseLost
	}
	return l.renew(ctx)
}

// Lost reports whether the task was taken over by another worker.
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

func (l *Lease) renew(ctx context.Context) error {
	err := l.s.backend.Heartbeat(ctx, l.task.ID, l.workerID, l.s.now())
	if errors.Is(err, ErrLeaseLost) {
		l.abandon()
	}
	return err
}

func (l *Lease) abandon() {
	if !l.lost.CompareAndSwap(false, true) {
		return
	}
	l.log.Warn("task lease lost; cancelling attempt")
	if l.cancel != nil {
		l.cancel()
	}
}
