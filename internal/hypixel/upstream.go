// Package hypixel executes translated requests against the upstream Hypixel
// API. The upstream credential is attached here and nowhere else; it never
// appears in logs, errors, or response bodies.
package hypixel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

// ErrUpstream is returned for any non-200 upstream response. The upstream
// body is discarded; callers map this to a 502 with a generic message.
var ErrUpstream = errors.New("upstream request failed")

// Executor performs authenticated GETs against the upstream API.
type Executor struct {
	client *http.Client
	token  config.RedactedString
	logger *slog.Logger
}

// NewExecutor creates an executor with a connection pool tuned from config.
func NewExecutor(cfg config.HypixelConfig, logger *slog.Logger) *Executor {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle, // the upstream API is a single host
		IdleConnTimeout:       config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Executor{
		client: &http.Client{
			Timeout:   config.ParseDuration(cfg.Timeout, 30*time.Second),
			Transport: transport,
		},
		token:  cfg.Token,
		logger: logger.With("component", "hypixel"),
	}
}

// Fetch GETs the translated URL with the API credential attached. On 200
// the caller receives the body stream and must close it. Any other status
// returns ErrUpstream with the upstream body drained and discarded, so
// upstream error details never reach a caller.
func (e *Executor) Fetch(ctx context.Context, upstreamURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("API-Key", e.token.Value())

	e.logger.Debug("proxying upstream request", "url", upstreamURL)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		e.logger.Warn("upstream returned non-200", "status", resp.StatusCode, "url", upstreamURL)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	return resp.Body, nil
}

// CacheHeaders are attached to every successful proxied response. The
// gateway does not cache; these are advisory for intermediaries.
func CacheHeaders(h http.Header) {
	h.Set("Age", "0")
	h.Set("Cache-Control", "public, s-maxage=60, max-age=300")
	h.Set("Content-Type", "application/json")
}
