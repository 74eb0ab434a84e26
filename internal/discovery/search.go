package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/extract"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
)

// ErrBlocked is returned when the search engine answers with a CAPTCHA that
// could not be dismissed.
var ErrBlocked = errors.New("search blocked by captcha")

// Searcher runs one search engine query and returns its organic results.
type Searcher interface {
	Search(ctx context.Context, query string) ([]extract.SearchResult, error)
}

// SearcherConfig controls the browser-backed searcher.
type SearcherConfig struct {
	BaseURL         string
	ResultsPerQuery int
	SettleDelay     time.Duration
}

// BrowserSearcher queries a search engine through a rendered browser session.
type BrowserSearcher struct {
	launcher browser.Launcher
	cfg      SearcherConfig
	logger   *zap.Logger
}

// NewBrowserSearcher constructs a BrowserSearcher.
func NewBrowserSearcher(launcher browser.Launcher, cfg SearcherConfig, logger *zap.Logger) *BrowserSearcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.google.com/search"
	}
	if cfg.ResultsPerQuery <= 0 {
		cfg.ResultsPerQuery = 20
	}
	cfg.SettleDelay = min(cfg.SettleDelay, fetch.MaxSettleDelay)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrowserSearcher{launcher: launcher, cfg: cfg, logger: logger.Named("search")}
}

// Search implements Searcher. The session is closed on every return path.
func (s *BrowserSearcher) Search(ctx context.Context, query string) ([]extract.SearchResult, error) {
	target, err := s.searchURL(query)
	if err != nil {
		return nil, err
	}
	session, err := s.launcher.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("close browser session", zap.Error(cerr))
		}
	}()

	if err := session.Navigate(ctx, target); err != nil {
		return nil, err
	}
	html, err := s.settledPage(ctx, session, target)
	if err != nil {
		return nil, err
	}

	var structured extract.SearchResults
	err = session.ExtractStructured(ctx, extract.SearchInstruction, extract.SearchSchema, &structured)
	if err != nil && !errors.Is(err, browser.ErrNoExtractor) {
		s.logger.Warn("structured search extraction failed", zap.String("query", query), zap.Error(err))
	}
	results := structured.Results
	if len(results) == 0 {
		results = extract.ExtractSearchResults(html)
	}
	if len(results) > s.cfg.ResultsPerQuery {
		results = results[:s.cfg.ResultsPerQuery]
	}
	return results, nil
}

// settledPage waits for the page, dismissing a consent wall once. A CAPTCHA
// ends the query.
func (s *BrowserSearcher) settledPage(ctx context.Context, session browser.Session, target string) (string, error) {
	if err := fetch.Sleep(ctx, s.cfg.SettleDelay); err != nil {
		return "", err
	}
	html, err := session.HTML(ctx)
	if err != nil {
		return "", err
	}
	var location string
	if err := session.Evaluate(ctx, "window.location.href", &location); err != nil || location == "" {
		location = target
	}

	switch fetch.DetectInterstitial(location, html) {
	case fetch.InterstitialCaptcha:
		return "", fmt.Errorf("%s: %w", location, ErrBlocked)
	case fetch.InterstitialConsent:
		var clicked bool
		if err := session.Evaluate(ctx, fetch.DismissConsentJS, &clicked); err != nil {
			return "", fmt.Errorf("dismiss consent: %w", err)
		}
		s.logger.Debug("consent interstitial", zap.Bool("dismissed", clicked))
		if err := fetch.Sleep(ctx, s.cfg.SettleDelay); err != nil {
			return "", err
		}
		if html, err = session.HTML(ctx); err != nil {
			return "", err
		}
		if fetch.DetectInterstitial("", html) == fetch.InterstitialCaptcha {
			return "", ErrBlocked
		}
	}
	return html, nil
}

func (s *BrowserSearcher) searchURL(query string) (string, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse search base url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("num", strconv.Itoa(s.cfg.ResultsPerQuery))
	q.Set("hl", "en")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
