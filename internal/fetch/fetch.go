// Package fetch retrieves pages with a plain HTTP GET and escalates to a
// browser session when the site blocks simple requests.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
)

// Fetch strategies.
const (
	StrategyHTTP    = "http"
	StrategyBrowser = "browser"
)

// MaxSettleDelay bounds the post-load pause of a browser fetch.
const MaxSettleDelay = 10 * time.Second

// Response is a fetched page.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Strategy   string
	Duration   time.Duration
}

// Fetcher performs a single plain GET. A non-2xx status is not an error; an
// error means the request itself failed.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Response, error)
}

// Snapshotter stores rendered pages for later inspection.
type Snapshotter interface {
	Save(ctx context.Context, rawURL string, body []byte) (string, error)
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// StatusError reports a terminal non-2xx response that is not escalated.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// Config tunes the engine.
type Config struct {
	SettleDelay time.Duration
}

// Engine implements the escalation policy.
type Engine struct {
	plain     Fetcher
	launcher  browser.Launcher
	settle    time.Duration
	snapshots Snapshotter
	pacer     Waiter
	logger    *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSnapshots stores every browser-rendered page.
func WithSnapshots(s Snapshotter) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithPacer waits on w before every plain request.
func WithPacer(w Waiter) Option {
	return func(e *Engine) { e.pacer = w }
}

// NewEngine builds an Engine. launcher may be nil, in which case blocked
// pages fail instead of escalating.
func NewEngine(cfg Config, plain Fetcher, launcher browser.Launcher, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	settle := cfg.SettleDelay
	if settle > MaxSettleDelay {
		settle = MaxSettleDelay
	}
	e := &Engine{
		plain:    plain,
		launcher: launcher,
		settle:   settle,
		logger:   logger.Named("fetch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch returns the body of rawURL. A 2xx plain response is returned as is. A
// 403 or a request-level failure escalates to exactly one browser session.
// Any other status is a *StatusError.
func (e *Engine) Fetch(ctx context.Context, rawURL string) (Response, error) {
	if e.pacer != nil {
		if err := e.pacer.Wait(ctx, rawURL); err != nil {
			return Response{}, err
		}
	}
	resp, err := e.plain.Fetch(ctx, rawURL)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		}
		metrics.ObserveFetch(StrategyHTTP, "error")
		e.logger.Info("plain fetch failed, escalating", zap.String("url", rawURL), zap.Error(err))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.ObserveFetch(StrategyHTTP, "ok")
		resp.Strategy = StrategyHTTP
		return resp, nil
	case resp.StatusCode == http.StatusForbidden:
		metrics.ObserveFetch(StrategyHTTP, "blocked")
		e.logger.Info("plain fetch blocked, escalating", zap.String("url", rawURL))
	default:
		metrics.ObserveFetch(StrategyHTTP, "status")
		return Response{}, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	if e.launcher == nil {
		if err == nil {
			err = &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		}
		return Response{}, fmt.Errorf("no browser configured: %w", err)
	}
	metrics.ObserveEscalation()
	return e.Render(ctx, rawURL)
}

// Render loads rawURL in a fresh browser session and returns the rendered
// DOM. The session is closed before Render returns.
func (e *Engine) Render(ctx context.Context, rawURL string) (Response, error) {
	if e.launcher == nil {
		return Response{}, errors.New("no browser configured")
	}
	start := time.Now()
	body, err := e.render(ctx, rawURL)
	if err != nil {
		metrics.ObserveFetch(StrategyBrowser, "error")
		return Response{}, err
	}
	metrics.ObserveFetch(StrategyBrowser, "ok")

	if e.snapshots != nil {
		if path, err := e.snapshots.Save(ctx, rawURL, []byte(body)); err != nil {
			e.logger.Warn("snapshot failed", zap.String("url", rawURL), zap.Error(err))
		} else {
			e.logger.Debug("snapshot stored", zap.String("url", rawURL), zap.String("path", path))
		}
	}
	return Response{
		URL:        rawURL,
		StatusCode: http.StatusOK,
		Body:       []byte(body),
		Strategy:   StrategyBrowser,
		Duration:   time.Since(start),
	}, nil
}

func (e *Engine) render(ctx context.Context, rawURL string) (string, error) {
	session, err := e.launcher.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			e.logger.Warn("close browser session", zap.Error(cerr))
		}
	}()

	if err := session.Navigate(ctx, rawURL); err != nil {
		return "", fmt.Errorf("browser fetch %s: %w", rawURL, err)
	}
	if err := Sleep(ctx, e.settle); err != nil {
		return "", fmt.Errorf("browser fetch %s: %w", rawURL, err)
	}
	html, err := session.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("browser fetch %s: %w", rawURL, err)
	}
	return html, nil
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
