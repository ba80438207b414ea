// Package export burns caption tracks into videos and publishes the result.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/storage"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

const outputFile = "output.mp4"

// Fetcher downloads the source media.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destPath string) (int64, error)
}

// Compositor burns subtitles into a video, reporting percent complete.
type Compositor interface {
	Burn(ctx context.Context, req media.BurnRequest, progress func(int)) error
}

// Options bound each stage of an export.
type Options struct {
	ScratchDir   string
	FetchTimeout time.Duration
	Timeout      time.Duration // compositor wall clock
	FontScale    float64
	DefaultTTL   time.Duration
}

// Worker runs export jobs.
type Worker struct {
	log        *slog.Logger
	jobs       jobs.Store
	videos     videos.Store
	objects    storage.ObjectStore
	fetcher    Fetcher
	compositor Compositor
	opts       Options
}

func New(log *slog.Logger, js jobs.Store, vs videos.Store, objects storage.ObjectStore, f Fetcher, c Compositor, opts Options) *Worker {
	return &Worker{
		log:        log,
		jobs:       js,
		videos:     vs,
		objects:    objects,
		fetcher:    f,
		compositor: c,
		opts:       opts,
	}
}

// ObjectKey is where the rendered video for a job is stored.
func ObjectKey(jobID, videoID, lang string) string {
	return fmt.Sprintf("%s/%s/%s-%s.mp4", common.ExportsPrefix, jobID, videoID, lang)
}

// Run executes one export attempt. Every attempt starts from scratch; temp
// files are removed on every path.
func (w *Worker) Run(ctx context.Context, job *jobs.Job, att jobs.Attempt) error {
	log := w.log.With("job_id", job.ID, "video_id", job.VideoID, "language", job.Language)
	att.Progress(0)

	segments, err := w.resolveCaptions(ctx, job)
	if err != nil {
		return err
	}
	style := jobs.DefaultStyle
	if job.Style != nil {
		style = *job.Style
	}
	ass, err := MapStyle(style, w.opts.FontScale)
	if err != nil {
		return failure.Permanent(failure.KindInternal, "map style", err)
	}
	video, err := w.videos.GetVideo(ctx, job.VideoID)
	if err != nil {
		return failure.Transient(failure.KindStorage, "resolve video", err)
	}

	if err := os.MkdirAll(w.opts.ScratchDir, 0o750); err != nil {
		return failure.Transient(failure.KindStorage, "ensure scratch dir", err)
	}
	tmpDir, err := os.MkdirTemp(w.opts.ScratchDir, "export-"+job.ID+"-")
	if err != nil {
		return failure.Transient(failure.KindStorage, "create temp dir", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn("cleanup temp dir failed", "dir", tmpDir, "err", err)
		}
	}()

	subPath := filepath.Join(tmpDir, common.SubtitleFile)
	if err := subtitle.WriteFile(subPath, segments); err != nil {
		return failure.Transient(failure.KindStorage, "write subtitles", err)
	}

	source := filepath.Join(tmpDir, common.SourceMediaFile)
	fetchCtx, cancelFetch := withTimeout(ctx, w.opts.FetchTimeout)
	_, err = w.fetcher.Fetch(fetchCtx, video.SourceURL, source)
	cancelFetch()
	if err != nil {
		return err
	}

	output := filepath.Join(tmpDir, outputFile)
	burnCtx, cancelBurn := withTimeout(ctx, w.opts.Timeout)
	err = w.compositor.Burn(burnCtx, media.BurnRequest{
		Input:      source,
		Subtitles:  subPath,
		Output:     output,
		ForceStyle: ass.ForceStyle(),
	}, func(pct int) {
		if pct > 99 {
			pct = 99
		}
		att.Progress(pct)
	})
	burnErr := burnCtx.Err()
	cancelBurn()
	if err != nil {
		if errors.Is(burnErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return failure.Transient(failure.KindTimeout, "compose", fmt.Errorf("compositor exceeded %s: %w", w.opts.Timeout, err))
		}
		return err
	}

	key := ObjectKey(job.ID, job.VideoID, job.Language)
	if _, err := w.objects.PutFile(ctx, key, output); err != nil {
		return failure.Transient(failure.KindStorage, "upload export", err)
	}
	ttl := job.DownloadTTL
	if ttl <= 0 {
		ttl = w.opts.DefaultTTL
	}
	url, expires, err := w.objects.SignedURL(key, ttl)
	if err != nil {
		return failure.Transient(failure.KindStorage, "sign download url", err)
	}
	res := jobs.Result{DownloadURL: url, ObjectKey: key, ExpiresAt: &expires}
	if err := att.Hold(ctx); err != nil {
		return err
	}
	if _, err := jobs.SaveResult(ctx, w.jobs, job.ID, res); err != nil {
		return failure.Transient(failure.KindStorage, "save result", err)
	}
	log.Info("export completed", "object_key", key, "expires_at", expires)
	return nil
}

func (w *Worker) resolveCaptions(ctx context.Context, job *jobs.Job) ([]subtitle.Segment, error) {
	segs, err := videos.Captions(ctx, w.videos, job.VideoID, job.Language)
	switch {
	case err == nil:
		return segs, nil
	case errors.Is(err, videos.ErrNotFound):
		return nil, failure.Newf(failure.KindCaptionsUnavailable, false, "resolve captions", "video %s not found", job.VideoID)
	case errors.Is(err, videos.ErrTrackNotFound):
		return nil, failure.Newf(failure.KindCaptionsUnavailable, false, "resolve captions",
			"no transcript or translation for language %q", job.Language)
	default:
		return nil, failure.Transient(failure.KindStorage, "resolve captions", err)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
