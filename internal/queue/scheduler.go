package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/util"
)

// Handler runs one attempt of a task. A returned error is classified with
// failure.IsRetryable to decide between retry and permanent failure.
type Handler interface {
	Handle(ctx context.Context, lease *Lease) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, lease *Lease) error

func (f HandlerFunc) Handle(ctx context.Context, lease *Lease) error { return f(ctx, lease) }

// Listener observes task lifecycle events. Calls are made synchronously from
// the worker goroutine that owns the task.
type Listener interface {
	TaskStarted(ctx context.Context, t Task)
	TaskProgress(ctx context.Context, t Task, percent int)
	TaskRetrying(ctx context.Context, t Task, err error, runAt time.Time)
	TaskCompleted(ctx context.Context, t Task)
	TaskFailed(ctx context.Context, t Task, err error)
	TaskStalled(ctx context.Context, t Task)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) TaskStarted(context.Context, Task)                    {}
func (NopListener) TaskProgress(context.Context, Task, int)              {}
func (NopListener) TaskRetrying(context.Context, Task, error, time.Time) {}
func (NopListener) TaskCompleted(context.Context, Task)                  {}
func (NopListener) TaskFailed(context.Context, Task, error)              {}
func (NopListener) TaskStalled(context.Context, Task)                    {}

// Options tune the scheduler. Zero values fall back to defaults.
type Options struct {
	Workers            int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StallTimeout       time.Duration
	AttemptTimeout     time.Duration
	PurgeInterval      time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	// PurgeLockPath guards housekeeping across processes sharing the database.
	PurgeLockPath string
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = common.DefaultWorkerCount
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = common.DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 2 * time.Minute
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 45 * time.Minute
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = 10 * time.Minute
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = time.Hour
	}
	if o.FailedRetention <= 0 {
		o.FailedRetention = 24 * time.Hour
	}
}

// Scheduler leases tasks from a Backend and runs them on a bounded worker pool.
type Scheduler struct {
	log      *slog.Logger
	backend  Backend
	handler  Handler
	listener Listener
	opts     Options
	now      func() time.Time

	wake       chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// NewScheduler builds a scheduler; Start launches its workers.
func NewScheduler(log *slog.Logger, backend Backend, handler Handler, listener Listener, opts Options) *Scheduler {
	opts.applyDefaults()
	if listener == nil {
		listener = NopListener{}
	}
	return &Scheduler{
		log:      log,
		backend:  backend,
		handler:  handler,
		listener: listener,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(chan struct{}, opts.Workers),
	}
}

// Enqueue persists a task and wakes an idle worker. It never waits for processing.
func (s *Scheduler) Enqueue(ctx context.Context, nt NewTask) (*Task, error) {
	if nt.JobID == "" || nt.Kind == "" {
		return nil, errors.New("task jobID and kind are required")
	}
	maxAttempts := nt.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.opts.MaxAttempts
	}
	now := s.now()
	t := &Task{
		ID:          util.NewID(),
		JobID:       nt.JobID,
		Kind:        nt.Kind,
		Payload:     nt.Payload,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(nt.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.backend.Insert(ctx, t); err != nil {
		return nil, err
	}
	s.log.Debug("task enqueued", "task_id", t.ID, "job_id", t.JobID, "kind", t.Kind)
	s.signal()
	return t, nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stats counts tasks per status.
func (s *Scheduler) Stats(ctx context.Context) (map[Status]int, error) {
	return s.backend.Stats(ctx)
}

// Start launches the worker goroutines and the housekeeping loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.housekeeping(ctx)
	s.started = true
	return nil
}

// Shutdown stops claiming new work and waits up to deadline for running attempts.
// Attempts interrupted by shutdown are released back to the queue.
func (s *Scheduler) Shutdown(deadline time.Duration) {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
		}()
		if deadline <= 0 {
			<-done
			return
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.log.Warn("scheduler shutdown deadline reached; workers may still be running")
		}
	})
}

func (s *Scheduler) worker(ctx context.Context, idx int) {
	defer s.wg.Done()
	workerID := fmt.Sprintf("%s/%d", util.NewID(), idx)
	log := s.log.With("worker", idx)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything runnable before sleeping.
		for ctx.Err() == nil {
			claimed, err := s.claimAndRun(ctx, workerID, log)
			if err != nil {
				log.Error("claim task failed", "err", err)
				break
			}
			if !claimed {
				break
			}
		}
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claimAndRun(ctx context.Context, workerID string, log *slog.Logger) (bool, error) {
	now := s.now()
	task, err := s.backend.Claim(ctx, workerID, now, now.Add(-s.opts.StallTimeout))
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	s.run(ctx, workerID, task, log.With("task_id", task.ID, "job_id", task.JobID, "attempt", task.Attempts))
	return true, nil
}

func (s *Scheduler) run(ctx context.Context, workerID string, task *Task, log *slog.Logger) {
	// Lifecycle events must reach listeners even when shutdown races the attempt.
	evCtx := context.WithoutCancel(ctx)
	if task.Reclaimed {
		log.Warn("task lease expired; reclaimed", "previous_owner_timeout", s.opts.StallTimeout)
		s.listener.TaskStalled(evCtx, *task)
		// The stalled attempt counted; a reclaim past the ceiling fails outright.
		if task.Attempts > task.MaxAttempts {
			task.Attempts = task.MaxAttempts
			s.fail(evCtx, workerID, task, failure.Newf(failure.KindTimeout, false, "lease", "task stalled on its final attempt"), log)
			return
		}
	}

	log.Info("processing task", "kind", task.Kind)
	s.listener.TaskStarted(evCtx, *task)

	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()
	lease := &Lease{task: *task, workerID: workerID, s: s, log: log, cancel: cancel}
	stopHeartbeat := s.heartbeat(attemptCtx, lease, log)

	start := time.Now()
	err := s.invoke(attemptCtx, lease)
	stopHeartbeat()

	if lease.Lost() {
		// The task belongs to another worker now; its outcome is theirs to report.
		log.Warn("attempt abandoned after losing its lease", "err", err, "duration", time.Since(start))
		return
	}
	if err == nil {
		if cerr := s.backend.Complete(evCtx, task.ID, workerID, s.now()); cerr != nil {
			log.Error("mark task completed failed", "err", cerr)
			return
		}
		log.Info("task completed", "duration", time.Since(start))
		s.listener.TaskCompleted(evCtx, *task)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the attempt; hand it back without charging it.
		// Listeners see the retry before the task becomes claimable again.
		rctx, rcancel := context.WithTimeout(evCtx, 5*time.Second)
		defer rcancel()
		s.listener.TaskRetrying(rctx, *task, err, s.now())
		if rerr := s.backend.Release(rctx, task.ID, workerID, s.now()); rerr != nil {
			log.Warn("release task on shutdown failed", "err", rerr)
			return
		}
		log.Info("task released on shutdown")
		return
	}
	if attemptCtx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = failure.Transient(failure.KindTimeout, "attempt", fmt.Errorf("%w: %w", context.DeadlineExceeded, err))
	}

	if failure.IsRetryable(err) && !task.Exhausted() {
		delay := Backoff(s.opts.BackoffBase, s.opts.BackoffMax, task.Attempts)
		runAt := s.now().Add(delay)
		s.listener.TaskRetrying(evCtx, *task, err, runAt)
		if rerr := s.backend.Retry(evCtx, task.ID, workerID, err.Error(), runAt, s.now()); rerr != nil {
			log.Error("schedule retry failed", "err", rerr)
			return
		}
		log.Warn("task attempt failed; retrying", "err", err, "error_kind", failure.KindOf(err), "retry_in", delay,
			"max_attempts", task.MaxAttempts, "duration", time.Since(start))
		return
	}
	s.fail(evCtx, workerID, task, err, log)
}

func (s *Scheduler) fail(ctx context.Context, workerID string, task *Task, err error, log *slog.Logger) {
	if ferr := s.backend.Fail(ctx, task.ID, workerID, err.Error(), s.now()); ferr != nil {
		log.Error("mark task failed failed", "err", ferr)
		return
	}
	log.Error("task failed", "err", err, "error_kind", failure.KindOf(err), "attempts", task.Attempts)
	s.listener.TaskFailed(ctx, *task, err)
}

func (s *Scheduler) invoke(ctx context.Context, lease *Lease) (err error) {
	defer func() {
		if r := recover(); r != nil {
			lease.log.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = failure.Newf(failure.KindInternal, true, "handle", "panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, lease)
}

// heartbeat renews the lease until stopped. Losing the lease cancels the attempt.
func (s *Scheduler) heartbeat(ctx context.Context, lease *Lease, log *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.renew(ctx); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						return
					}
					log.Warn("heartbeat failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Backoff returns base * 2^(attempts-1), capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Scheduler) housekeeping(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				s.log.Warn("task purge failed", "err", err)
			}
		}
	}
}

// Purge deletes finished task records past their retention window. It never
// touches jobs. When another process holds the purge lock it does nothing.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	if s.opts.PurgeLockPath != "" {
		lock := flock.New(s.opts.PurgeLockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return 0, fmt.Errorf("acquire purge lock: %w", err)
		}
		if !ok {
			s.log.Debug("purge skipped; lock held elsewhere", "lock", s.opts.PurgeLockPath)
			return 0, nil
		}
		defer func() { _ = lock.Unlock() }()
	}
	now := s.now()
	n, err := s.backend.Purge(ctx, now.Add(-s.opts.CompletedRetention), now.Add(-s.opts.FailedRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged finished tasks", "count", n)
	}
	return n, nil
}
