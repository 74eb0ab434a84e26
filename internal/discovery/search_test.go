package discovery

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/extract"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
)

const resultsPage = `<div id="search">
<a href="/url?q=https://lakecamp.org/&sa=U"><h3>Lake Camp</h3></a>
<a href="https://rivercamp.com/"><h3>River Camp</h3></a>
<a href="https://maps.google.com/x"><h3>Map</h3></a>
</div>`

type searchSession struct {
	pages      []string
	location   string
	structured []extract.SearchResult
	extractErr error
	navigated  string
	dismissed  bool
	closed     bool
}

func (s *searchSession) Navigate(_ context.Context, rawURL string) error {
	s.navigated = rawURL
	return nil
}

func (s *searchSession) HTML(context.Context) (string, error) {
	page := s.pages[0]
	if s.dismissed && len(s.pages) > 1 {
		page = s.pages[1]
	}
	return page, nil
}

func (s *searchSession) Evaluate(_ context.Context, js string, out any) error {
	switch js {
	case fetch.DismissConsentJS:
		s.dismissed = true
		*out.(*bool) = true
	default:
		*out.(*string) = s.location
	}
	return nil
}

func (s *searchSession) ExtractStructured(_ context.Context, _ string, _ llm.Schema, out any) error {
	if s.extractErr != nil {
		return s.extractErr
	}
	out.(*extract.SearchResults).Results = s.structured
	return nil
}

func (s *searchSession) Close() error {
	s.closed = true
	return nil
}

type searchLauncher struct{ session *searchSession }

func (l searchLauncher) Open(context.Context) (browser.Session, error) { return l.session, nil }

func TestBrowserSearcherPrefersStructuredResults(t *testing.T) {
	t.Parallel()

	session := &searchSession{
		pages:      []string{resultsPage},
		structured: []extract.SearchResult{{URL: "https://pond.org/", Title: "Pond Camp"}},
	}
	s := NewBrowserSearcher(searchLauncher{session}, SearcherConfig{ResultsPerQuery: 10}, nil)

	results, err := s.Search(context.Background(), "austin camps")
	require.NoError(t, err)
	require.Equal(t, []extract.SearchResult{{URL: "https://pond.org/", Title: "Pond Camp"}}, results)
	require.True(t, session.closed)

	u, err := url.Parse(session.navigated)
	require.NoError(t, err)
	require.Equal(t, "www.google.com", u.Host)
	require.Equal(t, "austin camps", u.Query().Get("q"))
	require.Equal(t, "10", u.Query().Get("num"))
}

func TestBrowserSearcherFallsBackToDOM(t *testing.T) {
	t.Parallel()

	session := &searchSession{pages: []string{resultsPage}, extractErr: browser.ErrNoExtractor}
	s := NewBrowserSearcher(searchLauncher{session}, SearcherConfig{ResultsPerQuery: 1}, nil)

	results, err := s.Search(context.Background(), "austin camps")
	require.NoError(t, err)
	require.Equal(t, []extract.SearchResult{{URL: "https://lakecamp.org/", Title: "Lake Camp"}}, results)
}

func TestBrowserSearcherDismissesConsent(t *testing.T) {
	t.Parallel()

	session := &searchSession{
		pages:    []string{"<p>Before you continue to Google</p><button>Accept all</button>", resultsPage},
		location: "https://consent.google.com/ml?continue=x",
	}
	s := NewBrowserSearcher(searchLauncher{session}, SearcherConfig{}, nil)

	results, err := s.Search(context.Background(), "austin camps")
	require.NoError(t, err)
	require.True(t, session.dismissed)
	require.Len(t, results, 2)
}

func TestBrowserSearcherReportsCaptcha(t *testing.T) {
	t.Parallel()

	session := &searchSession{
		pages:    []string{"<p>Our systems have detected unusual traffic from your computer network.</p>"},
		location: "https://www.google.com/sorry/index",
	}
	s := NewBrowserSearcher(searchLauncher{session}, SearcherConfig{}, nil)

	_, err := s.Search(context.Background(), "austin camps")
	require.True(t, errors.Is(err, ErrBlocked))
	require.True(t, session.closed)
}
