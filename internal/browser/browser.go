// Package browser opens exclusively owned browser-automation sessions backed
// by chromedp, either against a hosted provider or a local headless Chrome.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
)

// ErrNoExtractor is returned by ExtractStructured when no model is configured.
var ErrNoExtractor = errors.New("no structured extractor configured")

// Launcher opens browser sessions.
type Launcher interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one browser tab owned by a single caller. Close must always be
// called; it is safe to call more than once.
type Session interface {
	Navigate(ctx context.Context, rawURL string) error
	HTML(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, js string, out any) error
	ExtractStructured(ctx context.Context, instruction string, schema llm.Schema, out any) error
	Close() error
}

// Extractor fills a schema from page HTML.
type Extractor interface {
	Extract(ctx context.Context, html, instruction string, schema llm.Schema, out any) error
}

// Config controls the chromedp launcher.
type Config struct {
	// Endpoint is a DevTools websocket URL of a hosted browser. Empty means a
	// local headless Chrome is started.
	Endpoint          string
	APIKey            string
	UserAgent         string
	MaxParallel       int
	NavigationTimeout time.Duration
	// IdleTimeout bounds the wait for network idle after the body is ready.
	IdleTimeout     time.Duration
	DisableHeadless bool
}

// Chromedp implements Launcher.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	extractor   Extractor
	logger      *zap.Logger
	// startTab attaches the tab to a browser target. Replaced in tests.
	startTab func(tabCtx context.Context) error
}

// New creates a launcher. extractor may be nil.
func New(cfg Config, extractor Extractor, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.Endpoint != "" {
		wsURL, err := remoteURL(cfg.Endpoint, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), wsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", !cfg.DisableHeadless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		extractor:   extractor,
		logger:      logger.Named("browser"),
		startTab:    startTab,
	}, nil
}

// remoteURL appends the provider token to the websocket endpoint.
func remoteURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse browser endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("browser endpoint must be a ws:// or wss:// url")
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("token", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Close cancels the allocator context, stopping a local browser.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// Open reserves a slot and creates a fresh tab. The browser and target are
// started here on the tab context itself; later actions run on timeout
// children of it, whose cancellation must not reach the tab.
func (c *Chromedp) Open(ctx context.Context) (Session, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(c.allocator)
	s := &session{
		parent:  c,
		ctx:     tabCtx,
		cancel:  tabCancel,
		idle:    make(chan struct{}, 1),
		release: c.release,
	}
	chromedp.ListenTarget(tabCtx, s.captureEvent)

	stop := context.AfterFunc(ctx, tabCancel)
	err := c.startTab(tabCtx)
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		c.release()
		return nil, fmt.Errorf("start browser tab: %w", err)
	}
	return s, nil
}

// startTab runs no actions, which allocates the browser and the target on
// the tab context.
func startTab(tabCtx context.Context) error {
	return chromedp.Run(tabCtx)
}

func (c *Chromedp) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

type session struct {
	parent  *Chromedp
	ctx     context.Context
	cancel  context.CancelFunc
	idle    chan struct{}
	release func()
	once    sync.Once
}

func (s *session) captureEvent(ev any) {
	if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (s *session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads rawURL, waits for the body and then for network idle. An
// idle wait that times out is not an error; busy pages are read as they are.
func (s *session) Navigate(ctx context.Context, rawURL string) error {
	select {
	case <-s.idle:
	default:
	}
	err := s.run(ctx, s.parent.cfg.NavigationTimeout,
		s.setupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	timer := time.NewTimer(s.parent.cfg.IdleTimeout)
	defer timer.Stop()
	select {
	case <-s.idle:
	case <-timer.C:
		s.parent.logger.Debug("network idle not reached", zap.String("url", rawURL))
	case <-ctx.Done():
	}
	return nil
}

func (s *session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if ua := s.parent.cfg.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// HTML returns the rendered document.
func (s *session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.parent.cfg.NavigationTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Evaluate runs js in the page and decodes its result into out.
func (s *session) Evaluate(ctx context.Context, js string, out any) error {
	if err := s.run(ctx, s.parent.cfg.NavigationTimeout, chromedp.Evaluate(js, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// ExtractStructured reads the rendered page and asks the extractor to fill
// schema.
func (s *session) ExtractStructured(ctx context.Context, instruction string, schema llm.Schema, out any) error {
	if s.parent.extractor == nil {
		return ErrNoExtractor
	}
	html, err := s.HTML(ctx)
	if err != nil {
		return err
	}
	if err := s.parent.extractor.Extract(ctx, html, instruction, schema, out); err != nil {
		return fmt.Errorf("extract %s: %w", schema.Name, err)
	}
	return nil
}

// Close closes the tab and frees the launcher slot.
func (s *session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.release()
	})
	return nil
}
