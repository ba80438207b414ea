package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/mediajobs/internal/database"
	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/storage"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

type fakeFetcher struct{ err error }

func (f fakeFetcher) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 5, os.WriteFile(dest, []byte("video"), 0o600)
}

type fakeCompositor struct {
	calls int
	req   media.BurnRequest
	srt   string
	err   error
}

func (c *fakeCompositor) Burn(ctx context.Context, req media.BurnRequest, progress func(int)) error {
	c.calls++
	c.req = req
	b, err := os.ReadFile(req.Subtitles)
	if err != nil {
		return err
	}
	c.srt = string(b)
	if c.err != nil {
		return c.err
	}
	progress(40)
	progress(100)
	return os.WriteFile(req.Output, []byte("burned"), 0o600)
}

type fixture struct {
	jobs    *jobs.SQLiteStore
	videos  *videos.SQLiteStore
	objects *storage.LocalStore
	scratch string
	objDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "mediajobs.db"))
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	fx := &fixture{
		jobs:    jobs.NewSQLiteStore(db),
		videos:  videos.NewSQLiteStore(db),
		scratch: filepath.Join(dir, "scratch"),
		objDir:  filepath.Join(dir, "objects"),
	}
	fx.objects = storage.NewLocalStore(fx.objDir, "http://localhost:8080", storage.NewSigner("secret"))
	if err := fx.videos.CreateVideo(ctx, &videos.Video{ID: "vid-1", SourceURL: "http://example.com/v.mp4", Language: "en"}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return fx
}

func (fx *fixture) newJob(t *testing.T, id, lang string, style *jobs.Style) *jobs.Job {
	t.Helper()
	job := &jobs.Job{ID: id, Kind: jobs.KindExport, VideoID: "vid-1", Language: lang, Style: style, DownloadTTL: time.Hour}
	if err := fx.jobs.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := fx.jobs.Update(context.Background(), id, func(j *jobs.Job) error {
		return j.Transition(jobs.StatusProcessing, time.Now().UTC())
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	return job
}

func (fx *fixture) worker(f Fetcher, c Compositor) *Worker {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), fx.jobs, fx.videos, fx.objects, f, c, Options{
		ScratchDir:   fx.scratch,
		FetchTimeout: time.Second,
		Timeout:      time.Second,
		FontScale:    DefaultFontScale,
		DefaultTTL:   24 * time.Hour,
	})
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestWorker_MissingCaptionsSkipsCompositor(t *testing.T) {
	fx := newFixture(t)
	job := fx.newJob(t, "job-1", "fr", nil)
	comp := &fakeCompositor{}

	err := fx.worker(fakeFetcher{}, comp).Run(context.Background(), job, jobs.ProgressFunc(func(int) {}))
	if !failure.Is(err, failure.KindCaptionsUnavailable) || failure.IsRetryable(err) {
		t.Fatalf("err = %v, want permanent CaptionsUnavailable", err)
	}
	if comp.calls != 0 {
		t.Fatal("compositor must not run without captions")
	}
	assertScratchEmpty(t, fx.scratch)
}

func TestWorker_ExportsTranslatedTrack(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	segs := []subtitle.Segment{{Text: "Bonjour", Start: 0, End: 1.5}}
	if err := fx.videos.PutTrack(ctx, videos.Track{VideoID: "vid-1", Language: "fr", Segments: segs}); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	job := fx.newJob(t, "job-2", "fr", &jobs.Style{FontSizePt: 20, PrimaryColor: "#FF0000", VerticalPosition: 0.8})
	comp := &fakeCompositor{}

	var progress []int
	if err := fx.worker(fakeFetcher{}, comp).Run(ctx, job, jobs.ProgressFunc(func(p int) { progress = append(progress, p) })); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(comp.srt, "Bonjour") || !strings.Contains(comp.srt, "00:00:01,500") {
		t.Fatalf("unexpected subtitles: %q", comp.srt)
	}
	if !strings.Contains(comp.req.ForceStyle, "PrimaryColour=&H000000FF") || !strings.Contains(comp.req.ForceStyle, "MarginV=58") {
		t.Fatalf("unexpected force style: %q", comp.req.ForceStyle)
	}
	for _, p := range progress {
		if p > 99 {
			t.Fatalf("worker reported %d before completion", p)
		}
	}

	got, err := fx.jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != jobs.StatusCompleted || got.Result == nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	wantKey := ObjectKey("job-2", "vid-1", "fr")
	if got.Result.ObjectKey != wantKey || !strings.Contains(got.Result.DownloadURL, "token=") {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if got.Result.ExpiresAt == nil || time.Until(*got.Result.ExpiresAt) > time.Hour {
		t.Fatalf("expiry should follow the job ttl: %v", got.Result.ExpiresAt)
	}
	f, _, err := fx.objects.Open(wantKey)
	if err != nil {
		t.Fatalf("exported object missing: %v", err)
	}
	_ = f.Close()
	assertScratchEmpty(t, fx.scratch)
}

func TestWorker_BaseCaptionsForSourceLanguage(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	if err := fx.videos.SetBaseCaptions(ctx, "vid-1", "en", "Hello", []subtitle.Segment{{Text: "Hello", Start: 0, End: 1}}); err != nil {
		t.Fatalf("SetBaseCaptions: %v", err)
	}
	job := fx.newJob(t, "job-3", "en", nil)
	comp := &fakeCompositor{}
	if err := fx.worker(fakeFetcher{}, comp).Run(ctx, job, jobs.ProgressFunc(func(int) {})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(comp.srt, "Hello") || !strings.Contains(comp.req.ForceStyle, "FontSize=16") {
		t.Fatalf("default style or captions not applied: %q / %q", comp.srt, comp.req.ForceStyle)
	}
}

func TestWorker_CompositorFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	if err := fx.videos.SetBaseCaptions(ctx, "vid-1", "en", "Hello", []subtitle.Segment{{Text: "Hello", Start: 0, End: 1}}); err != nil {
		t.Fatalf("SetBaseCaptions: %v", err)
	}
	job := fx.newJob(t, "job-4", "en", nil)
	comp := &fakeCompositor{err: failure.Newf(failure.KindSubprocess, true, "burn", "ffmpeg exited 1")}

	err := fx.worker(fakeFetcher{}, comp).Run(ctx, job, jobs.ProgressFunc(func(int) {}))
	if !failure.Is(err, failure.KindSubprocess) {
		t.Fatalf("err = %v, want SubprocessError", err)
	}
	got, _ := fx.jobs.GetJob(ctx, job.ID)
	if got.Status == jobs.StatusCompleted || got.Result != nil {
		t.Fatalf("failed export must not complete: %+v", got)
	}
	if _, _, err := fx.objects.Open(ObjectKey("job-4", "vid-1", "en")); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Open err = %v, want ErrObjectNotFound", err)
	}
	assertScratchEmpty(t, fx.scratch)
}

type releasedAttempt struct{}

func (releasedAttempt) Progress(int)               {}
func (releasedAttempt) Hold(context.Context) error { return errors.New("task lease lost") }

func TestWorker_DoesNotCompleteWithoutHoldingTask(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	if err := fx.videos.PutTrack(ctx, videos.Track{VideoID: "vid-1", Language: "fr", Segments: []subtitle.Segment{{Text: "Salut", Start: 0, End: 1}}}); err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	job := fx.newJob(t, "job-9", "fr", nil)

	if err := fx.worker(fakeFetcher{}, &fakeCompositor{}).Run(ctx, job, releasedAttempt{}); err == nil {
		t.Fatal("expected an error once the task is no longer held")
	}
	got, _ := fx.jobs.GetJob(ctx, job.ID)
	if got.Status != jobs.StatusProcessing || got.Result != nil {
		t.Fatalf("job completed without holding the task: %+v", got)
	}
	assertScratchEmpty(t, fx.scratch)
}
