package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/mediajobs/internal/config"
	"github.com/jo-hoe/mediajobs/internal/engine"
	"github.com/jo-hoe/mediajobs/internal/failure"
)

func newTestClient(baseURL string, sleeps *[]time.Duration) *Client {
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), config.OpenAISettings{
		BaseURL:        baseURL,
		APIKey:         "k123",
		Model:          "whisper-1",
		RetryAttempts:  5,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  30 * time.Second,
	})
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c
}

func TestTranscribe_Success(t *testing.T) {
	var seenAuth string
	var seenFields map[string][]string
	var seenFile []byte

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		seenAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		seenFields = r.MultipartForm.Value
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		seenFile, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(verboseResponse{
			Text:     "Hello world",
			Language: "english",
			Segments: []verboseSegment{{ID: 0, Start: 0, End: 2, Text: " Hello world"}},
			Words:    []verboseWord{{Word: "Hello", Start: 0, End: 0.8}, {Word: "world", Start: 0.9, End: 2}},
		})
	}))
	defer ts.Close()

	var sleeps []time.Duration
	c := newTestClient(ts.URL, &sleeps)
	res, err := c.Transcribe(context.Background(), bytes.NewBufferString("media"), engine.Request{Filename: "clip.mp4", Language: "en-US"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Hello world" || len(res.Segments) != 1 || len(res.Words) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("auth header = %q", seenAuth)
	}
	if string(seenFile) != "media" {
		t.Fatalf("file = %q", seenFile)
	}
	if got := seenFields["timestamp_granularities[]"]; len(got) != 2 || got[0] != "word" || got[1] != "segment" {
		t.Fatalf("granularities = %v", got)
	}
	if seenFields["response_format"][0] != "verbose_json" || seenFields["language"][0] != "en" {
		t.Fatalf("fields = %v", seenFields)
	}
	if len(sleeps) != 0 {
		t.Fatalf("unexpected retries: %v", sleeps)
	}
}

func TestTranscribe_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(verboseResponse{Text: "ok"})
	}))
	defer ts.Close()

	var sleeps []time.Duration
	c := newTestClient(ts.URL, &sleeps)
	res, err := c.Transcribe(context.Background(), bytes.NewBufferString("m"), engine.Request{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "ok" || calls.Load() != 3 {
		t.Fatalf("text=%q calls=%d", res.Text, calls.Load())
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("backoff = %v, want [1s 2s]", sleeps)
	}
}

func TestTranscribe_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid file format"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	var sleeps []time.Duration
	c := newTestClient(ts.URL, &sleeps)
	_, err := c.Transcribe(context.Background(), bytes.NewBufferString("m"), engine.Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 || len(sleeps) != 0 {
		t.Fatalf("calls=%d sleeps=%v, want a single attempt", calls.Load(), sleeps)
	}
	if failure.KindOf(err) != failure.KindEngine || failure.IsRetryable(err) {
		t.Fatalf("err = %v, want terminal EngineError", err)
	}
}

func TestTranscribe_HonoursRetryAfterAndExhausts(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	var sleeps []time.Duration
	c := newTestClient(ts.URL, &sleeps)
	_, err := c.Transcribe(context.Background(), bytes.NewBufferString("m"), engine.Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 5 {
		t.Fatalf("calls = %d, want 5", calls.Load())
	}
	for _, d := range sleeps {
		if d != 7*time.Second {
			t.Fatalf("sleeps = %v, want Retry-After 7s", sleeps)
		}
	}
	if !failure.IsRetryable(err) || failure.KindOf(err) != failure.KindEngine {
		t.Fatalf("exhausted err = %v, want retryable EngineError", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("3", now); got != 3*time.Second {
		t.Fatalf("seconds form = %v", got)
	}
	date := now.Add(10 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 10*time.Second {
		t.Fatalf("date form = %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage = %v", got)
	}
}
