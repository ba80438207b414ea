package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/mediajobs/internal/config"
	"github.com/jo-hoe/mediajobs/internal/engine"
	"github.com/jo-hoe/mediajobs/internal/failure"
)

var _ engine.Client = (*Client)(nil)

const (
	headerAuthorization = "Authorization"
	headerRetryAfter    = "Retry-After"
	authSchemeBearer    = "Bearer"

	endpointTranscriptions = "v1/audio/transcriptions"

	responseFormatVerbose = "verbose_json"
	defaultModel          = "whisper-1"
	defaultFilename       = "audio.mp4"
	errorSnippetLimit     = 400

	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
)

// Client calls an OpenAI-compatible audio transcription endpoint.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger
	baseURL    string
	apiKey     string
	model      string

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a client from settings. The engine call timeout is applied by the caller's context.
func New(log *slog.Logger, cfg config.OpenAISettings) *Client {
	c := &Client{
		httpClient: &http.Client{},
		log:        log,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		attempts:   cfg.RetryAttempts,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		sleep:      sleepContext,
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.attempts <= 0 {
		c.attempts = defaultRetryAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = defaultRetryBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = defaultRetryMaxDelay
	}
	return c
}

// Transcribe uploads the media and returns segment and word timings. Transient
// failures (network, 429, 5xx) are retried with exponential backoff; other 4xx
// responses fail at once.
func (c *Client) Transcribe(ctx context.Context, r io.Reader, req engine.Request) (*engine.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, failure.Transient(failure.KindEngine, "read media", err)
	}
	if len(data) == 0 {
		return nil, failure.Newf(failure.KindEngine, false, "transcribe", "media is empty")
	}
	u, err := url.JoinPath(c.baseURL, endpointTranscriptions)
	if err != nil {
		return nil, failure.Permanent(failure.KindEngine, "join url", err)
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res, retryAfter, err := c.do(ctx, u, data, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !failure.IsRetryable(err) || ctx.Err() != nil || attempt == c.attempts {
			break
		}
		wait := delay
		if retryAfter > 0 {
			wait = retryAfter
		}
		if wait > c.maxDelay {
			wait = c.maxDelay
		}
		c.log.Warn("transcription request failed; retrying", "attempt", attempt, "max_attempts", c.attempts, "retry_in", wait, "err", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, failure.Transient(failure.KindEngine, "transcribe", err)
		}
		delay *= 2
	}
	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		return nil, failure.Transient(failure.KindEngine, "transcribe", fmt.Errorf("%w: %w", ctx.Err(), lastErr))
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, u string, data []byte, req engine.Request) (*engine.Result, time.Duration, error) {
	body, contentType, err := c.buildForm(data, req)
	if err != nil {
		return nil, 0, failure.Permanent(failure.KindEngine, "build request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, 0, failure.Permanent(failure.KindEngine, "new request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, failure.Transient(failure.KindEngine, "http do", ctx.Err())
		}
		return nil, 0, failure.Transient(failure.KindEngine, "http do", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		e := failure.Newf(failure.KindEngine, retryable, "transcribe", "engine status %d: %s",
			resp.StatusCode, truncate(strings.TrimSpace(string(respBytes)), errorSnippetLimit))
		return nil, parseRetryAfter(resp.Header.Get(headerRetryAfter), time.Now()), e
	}

	var out verboseResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return nil, 0, failure.Transient(failure.KindEngine, "parse response", err)
	}
	return out.toResult(), 0, nil
}

func (c *Client) buildForm(data []byte, req engine.Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	filename := req.Filename
	if filename == "" {
		filename = defaultFilename
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"model", c.model},
		{"response_format", responseFormatVerbose},
		{"timestamp_granularities[]", "word"},
		{"timestamp_granularities[]", "segment"},
	}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", primaryLanguage(req.Language)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// primaryLanguage reduces "en-US" to "en"; the endpoint accepts ISO-639-1 only.
func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
	Words    []verboseWord    `json:"words"`
}

type verboseSegment struct {
	ID               int     `json:"id"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	AvgLogprob       float64 `json:"avg_logprob"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	CompressionRatio float64 `json:"compression_ratio"`
}

type verboseWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (v verboseResponse) toResult() *engine.Result {
	res := &engine.Result{Text: v.Text, Language: v.Language}
	for _, s := range v.Segments {
		res.Segments = append(res.Segments, engine.Segment{Text: s.Text, Start: s.Start, End: s.End})
	}
	for _, w := range v.Words {
		res.Words = append(res.Words, engine.Word{Text: w.Word, Start: w.Start, End: w.End})
	}
	return res
}
