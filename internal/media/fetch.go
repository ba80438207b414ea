// Package media downloads source media and drives ffmpeg for compression and
// subtitle burn-in.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/mediajobs/internal/failure"
)

const errorSnippetLimit = 200

// Fetcher downloads source media over HTTP.
type Fetcher struct {
	client *http.Client
	log    *slog.Logger
}

// NewFetcher uses client, or a default client when nil. Timeouts come from the caller's context.
func NewFetcher(log *slog.Logger, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, log: log}
}

// Fetch downloads rawURL into destPath and returns the byte count.
// Failures are FetchError: 4xx responses and bad URLs are permanent, network
// errors, 408, 429 and 5xx are retryable.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destPath string) (int64, error) {
	if err := ValidateSourceURL(rawURL); err != nil {
		return 0, failure.Permanent(failure.KindFetch, "fetch", err)
	}
	u, _ := url.Parse(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, failure.Permanent(failure.KindFetch, "new request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, failure.Transient(failure.KindFetch, "fetch "+u.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		retryable := resp.StatusCode >= http.StatusInternalServerError ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return 0, failure.Newf(failure.KindFetch, retryable, "fetch "+u.Host, "status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, failure.Transient(failure.KindStorage, "create download file", err)
	}
	n, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err != nil {
		return 0, failure.Transient(failure.KindFetch, "download body", err)
	}
	if closeErr != nil {
		return 0, failure.Transient(failure.KindStorage, "close download file", closeErr)
	}
	if n == 0 {
		return 0, failure.Newf(failure.KindFetch, false, "fetch "+u.Host, "source is empty")
	}
	f.log.Debug("source fetched", "host", u.Host, "size", humanize.IBytes(uint64(n)))
	return n, nil
}

// ValidateSourceURL reports whether rawURL can be fetched at all.
func ValidateSourceURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}
