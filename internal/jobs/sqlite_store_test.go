package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/mediajobs/internal/database"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	store := NewSQLiteStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	job := &Job{ID: "job-1", Kind: KindTranscription, VideoID: "vid-1", Language: "en"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusPending || got.Progress != 0 || got.Result != nil {
		t.Fatalf("unexpected initial job: %+v", got)
	}

	if _, err := store.Update(ctx, job.ID, func(j *Job) error {
		return j.Transition(StatusProcessing, time.Now().UTC())
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := SaveProgress(ctx, store, job.ID, 50); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}
	// A stale value is ignored.
	if _, err := SaveProgress(ctx, store, job.ID, 25); err != nil {
		t.Fatalf("SaveProgress stale: %v", err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Progress != 50 || got.Attempt != 1 || got.StartedAt == nil {
		t.Fatalf("unexpected running job: %+v", got)
	}

	res := Result{
		Text:     "hello world",
		Language: "en",
		Segments: []subtitle.Segment{{Text: "hello world", Start: 0, End: 1.5}},
	}
	if _, err := SaveResult(ctx, store, job.ID, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != StatusCompleted || got.Progress != 100 || got.CompletedAt == nil {
		t.Fatalf("job not completed: %+v", got)
	}
	if got.Result == nil || got.Result.Text != "hello world" || len(got.Result.Segments) != 1 {
		t.Fatalf("result not persisted: %+v", got.Result)
	}

	// Terminal jobs ignore late failures.
	if _, err := SaveError(ctx, store, job.ID, "Timeout", "late"); err != nil {
		t.Fatalf("SaveError on terminal: %v", err)
	}
	got, _ = store.GetJob(ctx, job.ID)
	if got.Status != StatusCompleted || got.Error != "" {
		t.Fatalf("terminal job changed: %+v", got)
	}
}

func TestSQLiteStore_FailRecordsKindAndMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.CreateJob(ctx, &Job{ID: "job-2", Kind: KindTranscription, VideoID: "v", Language: "en"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := SaveError(ctx, store, "job-2", "FetchError", "FetchError: fetch: status 404"); err != nil {
		t.Fatalf("SaveError: %v", err)
	}
	got, err := store.GetJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorKind != "FetchError" || got.Error != "FetchError: fetch: status 404" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("failed job has result: %+v", got.Result)
	}
}

func TestSQLiteStore_ExportFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	style := Style{FontSizePt: 24, PrimaryColor: "#FF0000", VerticalPosition: 0.9}
	job := &Job{
		ID:          "exp-1",
		Kind:        KindExport,
		VideoID:     "vid",
		Language:    "de",
		Style:       &style,
		DownloadTTL: 2 * time.Hour,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Style == nil || *got.Style != style {
		t.Fatalf("style mismatch: %+v", got.Style)
	}
	if got.DownloadTTL != 2*time.Hour {
		t.Fatalf("ttl mismatch: %v", got.DownloadTTL)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob err = %v, want ErrNotFound", err)
	}
	_, err := store.Update(ctx, "missing", func(j *Job) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpdateErrorSkipsWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.CreateJob(ctx, &Job{ID: "j", Kind: KindExport, VideoID: "v", Language: "en"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	boom := errors.New("boom")
	job, err := store.Update(ctx, "j", func(j *Job) error {
		j.Progress = 77
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if job == nil || job.Progress != 0 {
		t.Fatalf("expected unmodified job, got %+v", job)
	}
	got, _ := store.GetJob(ctx, "j")
	if got.Progress != 0 {
		t.Fatalf("write not skipped: %+v", got)
	}
}

func TestSQLiteStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		job := &Job{ID: id, Kind: KindTranscription, VideoID: "v", Language: "en", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}
	if _, err := SaveError(ctx, store, "b", "InternalError", "x"); err != nil {
		t.Fatalf("SaveError: %v", err)
	}

	all, err := store.ListJobs(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	failed, err := store.ListJobs(ctx, ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("unexpected failed list: %v", ids(failed))
	}

	limited, _ := store.ListJobs(ctx, ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %v", ids(limited))
	}
}

func TestSQLiteStore_ConcurrentProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.CreateJob(ctx, &Job{ID: "p", Kind: KindExport, VideoID: "v", Language: "en"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := store.Update(ctx, "p", func(j *Job) error {
		return j.Transition(StatusProcessing, time.Now().UTC())
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for pct := 1; pct <= 20; pct++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = SaveProgress(ctx, store, "p", p*5)
		}(pct)
	}
	wg.Wait()

	got, _ := store.GetJob(ctx, "p")
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want the maximum reported value 100", got.Progress)
	}
}

func ids(list []*Job) []string {
	out := make([]string, 0, len(list))
	for _, j := range list {
		out = append(out, j.ID)
	}
	return out
}
