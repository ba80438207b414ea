package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/mediajobs/internal/failure"
)

const (
	audioBitrate    = 64_000
	minVideoBitrate = 32_000
)

// Bitrates is the encoder budget in bits per second.
type Bitrates struct {
	Total int64
	Video int64
	Audio int64
}

// TargetBitrate spreads min(desiredCap, inputSize) bytes over assumedDuration.
// Duration is not measured, so output size is a best-effort estimate and callers
// must still check it against the hard ceiling.
func TargetBitrate(desiredCap, inputSize int64, assumedDuration time.Duration) Bitrates {
	budget := desiredCap
	if inputSize > 0 && inputSize < budget {
		budget = inputSize
	}
	secs := assumedDuration.Seconds()
	if secs < 1 {
		secs = 1
	}
	total := int64(float64(budget) * 8 / secs)
	video := total - audioBitrate
	if video < minVideoBitrate {
		video = minVideoBitrate
	}
	return Bitrates{Total: total, Video: video, Audio: audioBitrate}
}

// Compressor re-encodes media with ffmpeg to fit an upload budget.
type Compressor struct {
	ffmpeg string
	log    *slog.Logger
}

func NewCompressor(log *slog.Logger, ffmpegPath string) *Compressor {
	return &Compressor{ffmpeg: ffmpegPath, log: log}
}

// Compress transcodes input to an H.264/AAC mp4 at the given bitrates.
func (c *Compressor) Compress(ctx context.Context, input, output string, b Bitrates) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", strconv.FormatInt(b.Video, 10),
		"-maxrate", strconv.FormatInt(b.Video, 10),
		"-bufsize", strconv.FormatInt(b.Video*2, 10),
		"-c:a", "aac",
		"-b:a", strconv.FormatInt(b.Audio, 10),
		"-ac", "1",
		"-movflags", "+faststart",
		output,
	}
	c.log.Debug("compressing media", "video_bps", b.Video, "audio_bps", b.Audio,
		"budget", humanize.IBytes(uint64(b.Total/8)))
	cmd := commandContext(ctx, c.ffmpeg, args...) //nolint:gosec
	stderr := newTailBuffer(diagnosticLines)
	out, err := cmd.CombinedOutput()
	if err != nil {
		_ = scanLines(bytes.NewReader(out), stderr.add)
		if ctx.Err() != nil {
			return failure.Transient(failure.KindTimeout, "compress", ctx.Err())
		}
		return subprocessError("compress", err, stderr.String())
	}
	return nil
}

func subprocessError(op string, err error, diagnostics string) error {
	msg := diagnostics
	if msg == "" {
		if exitErr, ok := err.(*exec.ExitError); ok {
			msg = fmt.Sprintf("ffmpeg exited with code %d", exitErr.ExitCode())
		} else {
			msg = err.Error()
		}
	}
	return &failure.Error{Kind: failure.KindSubprocess, Op: op, Msg: msg, Retryable: true, Err: err}
}
