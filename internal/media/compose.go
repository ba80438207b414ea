package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// BurnRequest names the files for one subtitle burn-in.
type BurnRequest struct {
	Input      string
	Subtitles  string
	Output     string
	ForceStyle string // libass override, e.g. "FontSize=16,Alignment=2"
}

// Compositor burns subtitles into video frames with ffmpeg.
type Compositor struct {
	ffmpeg string
	log    *slog.Logger
}

func NewCompositor(log *slog.Logger, ffmpegPath string) *Compositor {
	return &Compositor{ffmpeg: ffmpegPath, log: log}
}

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// Burn runs ffmpeg and reports percent complete (0..99) as it goes. The
// process is killed when ctx ends. A nonzero exit yields a SubprocessError
// carrying the last stderr lines.
func (c *Compositor) Burn(ctx context.Context, req BurnRequest, progress func(percent int)) error {
	if req.Input == "" || req.Subtitles == "" || req.Output == "" {
		return errors.New("burn request needs input, subtitles and output")
	}
	args := BurnArgs(req)
	cmd := commandContext(ctx, c.ffmpeg, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return subprocessError("start compositor", err, "")
	}

	tracker := &progressTracker{report: progress}
	stderr := newTailBuffer(diagnosticLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = scanLines(stderrPipe, func(line string) {
			tracker.observeStderr(line)
			stderr.add(line)
		})
	}()
	scanErr := scanLines(stdout, tracker.observeProgress)
	wg.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("compositor interrupted: %w", ctx.Err())
		}
		c.log.Warn("compositor failed", "err", waitErr, "stderr_tail", stderr.String())
		return subprocessError("compose", waitErr, stderr.String())
	}
	if scanErr != nil {
		return subprocessError("read compositor progress", scanErr, stderr.String())
	}
	return nil
}

// BurnArgs builds the ffmpeg argument list for req.
func BurnArgs(req BurnRequest) []string {
	filter := "subtitles=filename=" + escapeFilterValue(req.Subtitles)
	if req.ForceStyle != "" {
		filter += ":force_style='" + req.ForceStyle + "'"
	}
	return []string{
		"-y",
		"-hide_banner",
		"-nostats",
		"-progress", "pipe:1",
		"-i", req.Input,
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "copy",
		"-movflags", "+faststart",
		req.Output,
	}
}

var filterValueEscaper = strings.NewReplacer(`\`, `/`, `'`, `\'`, `:`, `\:`, `,`, `\,`, `[`, `\[`, `]`, `\]`, `;`, `\;`)

func escapeFilterValue(v string) string {
	return filterValueEscaper.Replace(v)
}

// progressTracker turns ffmpeg's key=value progress stream into percentages.
type progressTracker struct {
	report func(int)

	mu         sync.Mutex
	durationUS int64
	last       int
}

func (p *progressTracker) observeStderr(line string) {
	m := durationPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.ParseFloat(m[3], 64)
	total := int64((float64(h*3600+mins*60) + secs) * 1e6)
	p.mu.Lock()
	if p.durationUS == 0 && total > 0 {
		p.durationUS = total
	}
	p.mu.Unlock()
}

func (p *progressTracker) observeProgress(line string) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return
	}
	// out_time_ms is also in microseconds; older builds only emit that key.
	if key != "out_time_us" && key != "out_time_ms" {
		return
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return
	}
	p.mu.Lock()
	duration := p.durationUS
	p.mu.Unlock()
	if duration <= 0 {
		return
	}
	p.emit(PercentOf(us, duration))
}

func (p *progressTracker) emit(pct int) {
	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.mu.Unlock()
	if p.report != nil {
		p.report(pct)
	}
}

// PercentOf converts elapsed/total microseconds to a percentage capped at 99;
// only a finished job reports 100.
func PercentOf(elapsedUS, totalUS int64) int {
	if totalUS <= 0 || elapsedUS <= 0 {
		return 0
	}
	pct := int(elapsedUS * 100 / totalUS)
	if pct > 99 {
		pct = 99
	}
	return pct
}
