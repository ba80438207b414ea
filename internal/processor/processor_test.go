package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/mediajobs/internal/config"
	"github.com/jo-hoe/mediajobs/internal/database"
	"github.com/jo-hoe/mediajobs/internal/engine/mock"
	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/notify"
	"github.com/jo-hoe/mediajobs/internal/queue"
	"github.com/jo-hoe/mediajobs/internal/transcribe"
	"github.com/jo-hoe/mediajobs/internal/util"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopCompressor struct{}

func (noopCompressor) Compress(ctx context.Context, in, out string, b media.Bitrates) error {
	return os.WriteFile(out, []byte("x"), 0o600)
}

type runnerFunc func(ctx context.Context, job *jobs.Job, att jobs.Attempt) error

func (f runnerFunc) Run(ctx context.Context, job *jobs.Job, att jobs.Attempt) error {
	return f(ctx, job, att)
}

type harness struct {
	dir    string
	hub    *notify.Hub
	jobs   jobs.Store
	videos *videos.SQLiteStore
	sched  *queue.Scheduler
}

func newHarness(t *testing.T, runners func(h *harness) map[jobs.Kind]Runner) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "mediajobs.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{dir: dir, hub: notify.NewHub(testLogger(), 256)}
	h.jobs = notify.ObserveStore(jobs.NewSQLiteStore(db), h.hub)
	h.videos = videos.NewSQLiteStore(db)

	log := testLogger()
	h.sched = queue.NewScheduler(log, queue.NewSQLiteBackend(db), NewDispatcher(log, h.jobs, runners(h)), NewTracker(log, h.jobs), queue.Options{
		Workers:           2,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		StallTimeout:      time.Minute,
		AttemptTimeout:    5 * time.Second,
		PurgeInterval:     time.Hour,
		PurgeLockPath:     filepath.Join(dir, "purge.lock"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		h.sched.Shutdown(2 * time.Second)
		h.hub.Close()
	})
	return h
}

// submit creates the job and returns every update published until it is terminal.
func (h *harness) submit(t *testing.T, job *jobs.Job) []jobs.View {
	t.Helper()
	job.ID = util.NewID()
	sub, err := h.hub.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if err := Submit(context.Background(), h.jobs, h.sched, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var views []jobs.View
	timeout := time.After(10 * time.Second)
	for {
		select {
		case v, ok := <-sub.Updates():
			if !ok {
				t.Fatalf("subscription closed early after %d updates", len(views))
			}
			views = append(views, v)
			if v.Status.Terminal() {
				return views
			}
		case <-timeout:
			t.Fatalf("job did not finish; updates: %+v", views)
		}
	}
}

func statusSequence(views []jobs.View) []jobs.Status {
	var out []jobs.Status
	for _, v := range views {
		if len(out) == 0 || out[len(out)-1] != v.Status {
			out = append(out, v.Status)
		}
	}
	return out
}

func TestUnreachableSourceFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(h *harness) map[jobs.Kind]Runner {
		w := transcribe.New(testLogger(), h.jobs, h.videos, media.NewFetcher(testLogger(), nil), noopCompressor{},
			mock.New(config.MockSettings{}), transcribe.Options{
				ScratchDir:    filepath.Join(h.dir, "scratch"),
				FetchTimeout:  time.Second,
				EngineTimeout: time.Second,
				SizeCeiling:   1 << 20,
				DesiredCap:    1 << 20,
			})
		return map[jobs.Kind]Runner{jobs.KindTranscription: w}
	})
	ctx := context.Background()
	if err := h.videos.CreateVideo(ctx, &videos.Video{ID: "vid-1", SourceURL: "http://127.0.0.1:1/missing.mp4", Language: "en"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	views := h.submit(t, &jobs.Job{Kind: jobs.KindTranscription, VideoID: "vid-1", Language: "en"})

	want := []jobs.Status{
		jobs.StatusPending, jobs.StatusProcessing,
		jobs.StatusPending, jobs.StatusProcessing,
		jobs.StatusPending, jobs.StatusProcessing,
		jobs.StatusFailed,
	}
	got := statusSequence(views)
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
	last := views[len(views)-1]
	if last.ErrorKind != string(failure.KindFetch) || last.Error == "" || last.Attempt != 3 {
		t.Fatalf("unexpected final view: %+v", last)
	}
	if last.Result != nil {
		t.Fatal("failed job exposes a result")
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls int
	h := newHarness(t, func(*harness) map[jobs.Kind]Runner {
		return map[jobs.Kind]Runner{jobs.KindExport: runnerFunc(func(ctx context.Context, job *jobs.Job, att jobs.Attempt) error {
			calls++
			return failure.Newf(failure.KindCaptionsUnavailable, false, "resolve captions", "no track for %s", job.Language)
		})}
	})

	views := h.submit(t, &jobs.Job{Kind: jobs.KindExport, VideoID: "vid-1", Language: "de"})
	last := views[len(views)-1]
	if last.Status != jobs.StatusFailed || last.ErrorKind != string(failure.KindCaptionsUnavailable) {
		t.Fatalf("unexpected final view: %+v", last)
	}
	if calls != 1 || last.Attempt != 1 {
		t.Fatalf("calls = %d attempt = %d, want a single attempt", calls, last.Attempt)
	}
}

func TestProgressIsMonotonicAndEndsAt100(t *testing.T) {
	h := newHarness(t, func(h *harness) map[jobs.Kind]Runner {
		return map[jobs.Kind]Runner{jobs.KindTranscription: runnerFunc(func(ctx context.Context, job *jobs.Job, att jobs.Attempt) error {
			for _, p := range []int{10, 40, 30, 40, 80} {
				att.Progress(p)
			}
			if err := att.Hold(ctx); err != nil {
				return err
			}
			_, err := jobs.SaveResult(ctx, h.jobs, job.ID, jobs.Result{Text: "hi", Language: "en"})
			return err
		})}
	})

	views := h.submit(t, &jobs.Job{Kind: jobs.KindTranscription, VideoID: "vid-1", Language: "en"})
	last := -1
	for _, v := range views {
		if v.Status != jobs.StatusProcessing {
			continue
		}
		if v.Progress < last {
			t.Fatalf("progress went backwards: %+v", views)
		}
		last = v.Progress
	}
	final := views[len(views)-1]
	if final.Status != jobs.StatusCompleted || final.Progress != 100 || final.Result == nil || final.Result.Text != "hi" {
		t.Fatalf("unexpected final view: %+v", final)
	}
}

func TestDispatcherSkipsTerminalJobs(t *testing.T) {
	var called atomic.Bool
	h := newHarness(t, func(*harness) map[jobs.Kind]Runner {
		return map[jobs.Kind]Runner{jobs.KindExport: runnerFunc(func(context.Context, *jobs.Job, jobs.Attempt) error {
			called.Store(true)
			return nil
		})}
	})
	ctx := context.Background()
	job := &jobs.Job{ID: util.NewID(), Kind: jobs.KindExport, VideoID: "v", Language: "en"}
	if err := h.jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := jobs.SaveError(ctx, h.jobs, job.ID, string(failure.KindInternal), "cancelled"); err != nil {
		t.Fatalf("SaveError: %v", err)
	}
	task, err := h.sched.Enqueue(ctx, queue.NewTask{JobID: job.ID, Kind: string(job.Kind)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats, err := h.sched.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats[queue.StatusCompleted] == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if called.Load() {
		t.Fatalf("runner invoked for terminal job (task %s)", task.ID)
	}
	got, err := h.jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.StatusFailed || got.Error != "cancelled" {
		t.Fatalf("terminal job was modified: %+v", got)
	}
}

func TestSubmitFailsJobWhenQueueRejects(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "mediajobs.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := jobs.NewSQLiteStore(db)
	job := &jobs.Job{Kind: jobs.KindTranscription, VideoID: "v", Language: "en"}

	err = Submit(context.Background(), store, rejectingQueue{}, job)
	if err == nil {
		t.Fatal("expected error")
	}
	got, gerr := store.GetJob(context.Background(), job.ID)
	if gerr != nil {
		t.Fatalf("GetJob: %v", gerr)
	}
	if got.Status != jobs.StatusFailed || got.ErrorKind != string(failure.KindStorage) {
		t.Fatalf("unexpected job: %+v", got)
	}
}

type rejectingQueue struct{}

func (rejectingQueue) Enqueue(context.Context, queue.NewTask) (*queue.Task, error) {
	return nil, errors.New("disk full")
}

func TestMessageStripsDispatchPrefix(t *testing.T) {
	inner := failure.Newf(failure.KindFetch, true, "fetch", "connection refused")
	wrapped := errors.Join(errors.New("context"), inner)
	if got := Message(wrapped); got != inner.Error() {
		t.Fatalf("Message = %q, want %q", got, inner.Error())
	}
	plain := errors.New("boom")
	if Message(plain) != "boom" {
		t.Fatalf("Message(plain) = %q", Message(plain))
	}
}

func TestShutdownReturnsRunningJobToPending(t *testing.T) {
	running := make(chan struct{})
	h := newHarness(t, func(*harness) map[jobs.Kind]Runner {
		return map[jobs.Kind]Runner{jobs.KindExport: runnerFunc(func(ctx context.Context, _ *jobs.Job, att jobs.Attempt) error {
			att.Progress(20)
			close(running)
			<-ctx.Done()
			return ctx.Err()
		})}
	})
	ctx := context.Background()
	job := &jobs.Job{ID: util.NewID(), Kind: jobs.KindExport, VideoID: "vid-1", Language: "en"}
	if err := Submit(ctx, h.jobs, h.sched, job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}
	h.sched.Shutdown(2 * time.Second)

	got, err := h.jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.StatusPending || got.Result != nil || got.ErrorKind != "" {
		t.Fatalf("job after shutdown = %+v, want pending", got)
	}
	stats, err := h.sched.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[queue.StatusQueued] != 1 {
		t.Fatalf("queue stats = %v, want the task queued again", stats)
	}
}
