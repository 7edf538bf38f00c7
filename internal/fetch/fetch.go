// Package fetch downloads style images referenced by URL.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ErrTooLarge is returned when the remote body exceeds the configured limit.
var ErrTooLarge = errors.New("remote image exceeds size limit")

// Fetcher downloads images over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewFetcher builds a Fetcher with a per-request timeout and body limit.
func NewFetcher(timeout time.Duration, maxBytes int64, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		logger:   logger.Named("fetch"),
	}
}

// Fetch returns the body of rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid style url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("style url has no host")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	res, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("style download failed", zap.Error(err), zap.String("url", u.Redacted()))
		return nil, fmt.Errorf("error executing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		f.logger.Warn("unexpected status on style download", zap.Int("status", res.StatusCode), zap.String("url", u.Redacted()))
		return nil, fmt.Errorf("unexpected status code on download: %d", res.StatusCode)
	}
	if f.maxBytes > 0 && res.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}

	body := io.Reader(res.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(res.Body, f.maxBytes+1)
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if f.maxBytes > 0 && int64(len(buf)) > f.maxBytes {
		return nil, ErrTooLarge
	}

	f.logger.Debug("downloaded style image", zap.Int("bytes", len(buf)), zap.String("url", u.Redacted()))
	return buf, nil
}
