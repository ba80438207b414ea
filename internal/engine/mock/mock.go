// Package mock is a deterministic transcription engine for local runs and tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jo-hoe/mediajobs/internal/config"
	"github.com/jo-hoe/mediajobs/internal/engine"
)

var _ engine.Client = (*Client)(nil)

const (
	defaultText    = "This is a mock transcription. It was produced without calling a real engine."
	secondsPerWord = 0.4
)

// Client returns cfg.Text split into one segment per sentence, with evenly
// spaced word timings.
type Client struct {
	delay time.Duration
	text  string
}

func New(cfg config.MockSettings) *Client {
	text := strings.TrimSpace(cfg.Text)
	if text == "" {
		text = defaultText
	}
	return &Client{delay: cfg.Delay, text: text}
}

func (c *Client) Transcribe(ctx context.Context, r io.Reader, req engine.Request) (*engine.Result, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("media is empty")
	}
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &engine.Result{Text: c.text, Language: req.Language}
	var clock float64
	for _, sentence := range splitSentences(c.text) {
		seg := engine.Segment{Text: sentence, Start: clock}
		for _, w := range strings.Fields(sentence) {
			word := engine.Word{Text: w, Start: clock, End: clock + secondsPerWord}
			seg.Words = append(seg.Words, word)
			res.Words = append(res.Words, word)
			clock += secondsPerWord
		}
		seg.End = clock
		res.Segments = append(res.Segments, seg)
	}
	return res, nil
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
