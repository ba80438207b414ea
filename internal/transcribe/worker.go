// Package transcribe turns a source video into timed caption segments.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/mediajobs/internal/common"
	"github.com/jo-hoe/mediajobs/internal/engine"
	"github.com/jo-hoe/mediajobs/internal/failure"
	"github.com/jo-hoe/mediajobs/internal/jobs"
	"github.com/jo-hoe/mediajobs/internal/media"
	"github.com/jo-hoe/mediajobs/internal/subtitle"
	"github.com/jo-hoe/mediajobs/internal/videos"
)

// Progress milestones reported while a transcription runs.
const (
	ProgressStarted    = 0
	ProgressFetched    = 25
	ProgressCompressed = 50
	ProgressEngineDone = 90
)

const compressedFile = "compressed.mp4"

// Fetcher downloads the source media.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, destPath string) (int64, error)
}

// Compressor re-encodes media to a bitrate budget.
type Compressor interface {
	Compress(ctx context.Context, input, output string, b media.Bitrates) error
}

// Options bound each stage of a transcription.
type Options struct {
	ScratchDir         string
	FetchTimeout       time.Duration
	EngineTimeout      time.Duration
	SizeCeiling        int64
	DesiredCap         int64
	AssumedMaxDuration time.Duration
}

// Worker runs transcription jobs.
type Worker struct {
	log        *slog.Logger
	jobs       jobs.Store
	videos     videos.Store
	fetcher    Fetcher
	compressor Compressor
	engine     engine.Client
	opts       Options
}

func New(log *slog.Logger, js jobs.Store, vs videos.Store, f Fetcher, c Compressor, e engine.Client, opts Options) *Worker {
	return &Worker{
		log:        log,
		jobs:       js,
		videos:     vs,
		fetcher:    f,
		compressor: c,
		engine:     e,
		opts:       opts,
	}
}

// Run executes one attempt for job. On success the job is completed with the
// transcript and the segments become the video's base captions. Errors are
// classified for the queue's retry policy; nothing is persisted on failure.
func (w *Worker) Run(ctx context.Context, job *jobs.Job, att jobs.Attempt) error {
	log := w.log.With("job_id", job.ID, "video_id", job.VideoID)
	att.Progress(ProgressStarted)

	video, err := w.videos.GetVideo(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			return failure.Newf(failure.KindFetch, false, "resolve video", "video %s not found", job.VideoID)
		}
		return failure.Transient(failure.KindStorage, "resolve video", err)
	}
	lang := job.Language
	if lang == "" {
		lang = video.Language
	}

	if err := os.MkdirAll(w.opts.ScratchDir, 0o750); err != nil {
		return failure.Transient(failure.KindStorage, "ensure scratch dir", err)
	}
	tmpDir, err := os.MkdirTemp(w.opts.ScratchDir, "transcribe-"+job.ID+"-")
	if err != nil {
		return failure.Transient(failure.KindStorage, "create temp dir", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			log.Warn("cleanup temp dir failed", "dir", tmpDir, "err", err)
		}
	}()

	source := filepath.Join(tmpDir, common.SourceMediaFile)
	fetchCtx, cancelFetch := withTimeout(ctx, w.opts.FetchTimeout)
	size, err := w.fetcher.Fetch(fetchCtx, video.SourceURL, source)
	cancelFetch()
	if err != nil {
		return err
	}
	att.Progress(ProgressFetched)

	compressed := filepath.Join(tmpDir, compressedFile)
	bitrates := media.TargetBitrate(w.opts.DesiredCap, size, w.opts.AssumedMaxDuration)
	if err := w.compressor.Compress(ctx, source, compressed, bitrates); err != nil {
		return err
	}
	info, err := os.Stat(compressed)
	if err != nil {
		return failure.Transient(failure.KindSubprocess, "stat compressed media", err)
	}
	if info.Size() > w.opts.SizeCeiling {
		return failure.Newf(failure.KindPayloadTooLarge, false, "compress",
			"compressed media is %s, above the %s upload ceiling",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(w.opts.SizeCeiling)))
	}
	log.Debug("media compressed", "input", humanize.IBytes(uint64(size)), "output", humanize.IBytes(uint64(info.Size())))
	att.Progress(ProgressCompressed)

	result, err := w.transcribe(ctx, compressed, lang)
	if err != nil {
		return err
	}
	att.Progress(ProgressEngineDone)

	segments := Normalize(result)
	if issues := subtitle.Validate(segments); len(issues) > 0 {
		log.Warn("engine segments have data-quality issues", "issues", strings.Join(issues, "; "))
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		text = joinText(segments)
	}

	if err := att.Hold(ctx); err != nil {
		return err
	}
	if err := w.storeCaptions(ctx, video, lang, text, segments); err != nil {
		return failure.Transient(failure.KindStorage, "store captions", err)
	}
	if _, err := jobs.SaveResult(ctx, w.jobs, job.ID, jobs.Result{Text: text, Language: lang, Segments: segments}); err != nil {
		return failure.Transient(failure.KindStorage, "save result", err)
	}
	log.Info("transcription completed", "segments", len(segments))
	return nil
}

// storeCaptions keeps a transcription in the video's own language as its base
// captions. Any other language becomes a track so the base is never replaced
// by a different language.
func (w *Worker) storeCaptions(ctx context.Context, video *videos.Video, lang, text string, segments []subtitle.Segment) error {
	if video.Language == "" || sameLanguage(video.Language, lang) {
		return w.videos.SetBaseCaptions(ctx, video.ID, lang, text, segments)
	}
	if len(segments) == 0 {
		w.log.Warn("transcription produced no segments; no track stored", "video_id", video.ID, "language", lang)
		return nil
	}
	return w.videos.PutTrack(ctx, videos.Track{VideoID: video.ID, Language: lang, Segments: segments})
}

func sameLanguage(a, b string) bool {
	na, errA := videos.NormalizeLanguage(a)
	nb, errB := videos.NormalizeLanguage(b)
	return errA == nil && errB == nil && na == nb
}

func (w *Worker) transcribe(ctx context.Context, path, lang string) (*engine.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Transient(failure.KindStorage, "open compressed media", err)
	}
	defer func() { _ = f.Close() }()

	engineCtx, cancel := withTimeout(ctx, w.opts.EngineTimeout)
	defer cancel()
	res, err := w.engine.Transcribe(engineCtx, f, engine.Request{Filename: compressedFile, Language: lang})
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, failure.Transient(failure.KindEngine, "transcribe", err)
	}
	if res == nil {
		return nil, failure.Newf(failure.KindEngine, true, "transcribe", "engine returned no result")
	}
	return res, nil
}

// Normalize converts engine output to caption segments: text is trimmed,
// empty segments dropped, and top-level word timings attached to the segment
// whose span contains the word's midpoint.
func Normalize(res *engine.Result) []subtitle.Segment {
	out := make([]subtitle.Segment, 0, len(res.Segments))
	for _, s := range res.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		seg := subtitle.Segment{Text: text, Start: s.Start, End: s.End}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, toWord(w))
		}
		out = append(out, seg)
	}
	if len(res.Words) == 0 {
		return out
	}
	for i := range out {
		if len(out[i].Words) > 0 {
			continue
		}
		for _, w := range res.Words {
			mid := (w.Start + w.End) / 2
			if mid >= out[i].Start && mid <= out[i].End {
				out[i].Words = append(out[i].Words, toWord(w))
			}
		}
	}
	return out
}

func toWord(w engine.Word) subtitle.Word {
	return subtitle.Word{Text: strings.TrimSpace(w.Text), Start: w.Start, End: w.End}
}

func joinText(segs []subtitle.Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// String describes the worker's limits for startup logs.
func (o Options) String() string {
	return fmt.Sprintf("ceiling=%s cap=%s assumed=%s", humanize.IBytes(uint64(o.SizeCeiling)),
		humanize.IBytes(uint64(o.DesiredCap)), o.AssumedMaxDuration)
}
