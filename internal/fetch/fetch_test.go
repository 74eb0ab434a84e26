package fetch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
)

type fakeFetcher struct {
	status int
	body   string
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (Response, error) {
	f.calls++
	if f.err != nil {
		return Response{}, f.err
	}
	return Response{URL: rawURL, StatusCode: f.status, Body: []byte(f.body)}, nil
}

type fakeSession struct {
	html        string
	navigateErr error
	navigated   []string
	closed      int
}

func (s *fakeSession) Navigate(_ context.Context, rawURL string) error {
	s.navigated = append(s.navigated, rawURL)
	return s.navigateErr
}

func (s *fakeSession) HTML(context.Context) (string, error) { return s.html, nil }

func (s *fakeSession) Evaluate(context.Context, string, any) error { return nil }

func (s *fakeSession) ExtractStructured(context.Context, string, llm.Schema, any) error {
	return browser.ErrNoExtractor
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

type fakeLauncher struct {
	session *fakeSession
	opens   int
}

func (l *fakeLauncher) Open(context.Context) (browser.Session, error) {
	l.opens++
	return l.session, nil
}

type fakeSnapshots struct {
	saved map[string]string
}

func (s *fakeSnapshots) Save(_ context.Context, rawURL string, body []byte) (string, error) {
	s.saved[rawURL] = string(body)
	return "snapshots/" + rawURL, nil
}

func TestFetchForbiddenEscalatesOnce(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{status: http.StatusForbidden}
	launcher := &fakeLauncher{session: &fakeSession{html: "<html>rendered</html>"}}
	snaps := &fakeSnapshots{saved: map[string]string{}}
	e := NewEngine(Config{}, plain, launcher, nil, WithSnapshots(snaps))

	resp, err := e.Fetch(context.Background(), "https://camp.example")
	require.NoError(t, err)
	require.Equal(t, StrategyBrowser, resp.Strategy)
	require.Equal(t, "<html>rendered</html>", string(resp.Body))
	require.Equal(t, 1, plain.calls)
	require.Equal(t, 1, launcher.opens)
	require.Equal(t, []string{"https://camp.example"}, launcher.session.navigated)
	require.Equal(t, 1, launcher.session.closed)
	require.Equal(t, "<html>rendered</html>", snaps.saved["https://camp.example"])
}

func TestFetchSuccessNeverOpensBrowser(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{status: http.StatusOK, body: "hello"}
	launcher := &fakeLauncher{session: &fakeSession{}}
	e := NewEngine(Config{}, plain, launcher, nil)

	resp, err := e.Fetch(context.Background(), "https://camp.example")
	require.NoError(t, err)
	require.Equal(t, StrategyHTTP, resp.Strategy)
	require.Equal(t, "hello", string(resp.Body))
	require.Zero(t, launcher.opens)
}

func TestFetchServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{status: http.StatusInternalServerError}
	launcher := &fakeLauncher{session: &fakeSession{}}
	e := NewEngine(Config{}, plain, launcher, nil)

	_, err := e.Fetch(context.Background(), "https://camp.example")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	require.Zero(t, launcher.opens)
}

func TestFetchNetworkErrorEscalates(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{err: errors.New("connection reset")}
	launcher := &fakeLauncher{session: &fakeSession{html: "<p>ok</p>"}}
	e := NewEngine(Config{}, plain, launcher, nil)

	resp, err := e.Fetch(context.Background(), "https://camp.example")
	require.NoError(t, err)
	require.Equal(t, StrategyBrowser, resp.Strategy)
	require.Equal(t, 1, launcher.opens)
}

func TestFetchBrowserErrorStillClosesSession(t *testing.T) {
	t.Parallel()

	plain := &fakeFetcher{status: http.StatusForbidden}
	session := &fakeSession{navigateErr: errors.New("net::ERR_TIMED_OUT")}
	launcher := &fakeLauncher{session: session}
	e := NewEngine(Config{}, plain, launcher, nil)

	_, err := e.Fetch(context.Background(), "https://camp.example")
	require.ErrorContains(t, err, "ERR_TIMED_OUT")
	require.Equal(t, 1, session.closed)
	require.Equal(t, 1, launcher.opens)
}

func TestFetchWithoutLauncher(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{}, &fakeFetcher{status: http.StatusForbidden}, nil, nil)
	_, err := e.Fetch(context.Background(), "https://camp.example")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestFetchCanceledContextDoesNotEscalate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	launcher := &fakeLauncher{session: &fakeSession{}}
	e := NewEngine(Config{}, &fakeFetcher{err: context.Canceled}, launcher, nil)

	_, err := e.Fetch(ctx, "https://camp.example")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, launcher.opens)
}

func TestNewEngineCapsSettleDelay(t *testing.T) {
	t.Parallel()

	e := NewEngine(Config{SettleDelay: time.Minute}, &fakeFetcher{}, nil, nil)
	require.Equal(t, MaxSettleDelay, e.settle)
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), 0))
}

func TestDetectInterstitial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		html string
		want string
	}{
		{"consent host", "https://consent.google.com/ml?continue=x", "", InterstitialConsent},
		{"sorry page", "https://www.google.com/sorry/index?q=1", "", InterstitialCaptcha},
		{"recaptcha", "https://camp.example", `<div class="g-recaptcha"></div>`, InterstitialCaptcha},
		{"cookie banner", "https://camp.example", "<p>We use cookies to improve</p>", InterstitialConsent},
		{"plain page", "https://camp.example", "<h1>Summer camp</h1>", InterstitialNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DetectInterstitial(tt.url, tt.html))
		})
	}
}
