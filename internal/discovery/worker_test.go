package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/extract"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	"github.com/JakeFAU/camp-discovery-daemon/internal/publisher"
	pubmemory "github.com/JakeFAU/camp-discovery-daemon/internal/publisher/memory"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue/memory"
)

type fakeSearcher struct {
	results map[string][]extract.SearchResult
	errs    map[string]error
	queries []string
	onQuery func(query string)
}

func (s *fakeSearcher) Search(_ context.Context, query string) ([]extract.SearchResult, error) {
	s.queries = append(s.queries, query)
	if s.onQuery != nil {
		s.onQuery(query)
	}
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

type fakeFetcher struct {
	pages map[string]string
	urls  []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (fetch.Response, error) {
	f.urls = append(f.urls, rawURL)
	body, ok := f.pages[rawURL]
	if !ok {
		return fetch.Response{}, &fetch.StatusError{URL: rawURL, StatusCode: 404}
	}
	return fetch.Response{URL: rawURL, StatusCode: 200, Body: []byte(body), Strategy: fetch.StrategyHTTP}, nil
}

func enqueueTask(t *testing.T, store *memory.Store, region string, queries ...string) string {
	t.Helper()
	id, err := store.EnqueueDiscovery(context.Background(), queue.DiscoveryTask{
		RegionName:    region,
		SearchQueries: queries,
	})
	require.NoError(t, err)
	return id
}

func TestDiscoveryDedupesByDomainAcrossQueries(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Test City", "summer camps test city", "day camps test city")
	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{
		"summer camps test city": {
			{URL: "https://a.com/", Title: "A Camp"},
			{URL: "https://b.com/", Title: "B Camp | Home"},
		},
		"day camps test city": {
			{URL: "https://www.b.com/summer", Title: "B Camp Summer"},
			{URL: "https://c.com/", Title: "C Camp"},
		},
	}}
	pub := pubmemory.New()
	w := New(store.Discovery(), searcher, &fakeFetcher{}, pub, Config{WorkerID: "w-1"}, nil)

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)

	task, ok := store.DiscoveryTask(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	require.Equal(t, 3, task.Result.URLsDiscovered)
	require.Equal(t, 3, task.Result.OrganizationsCreated)
	require.Equal(t, 3, task.Result.ScraperRequestsCreated)
	// Two keyword queries plus one name combination.
	require.Equal(t, 3, task.Result.SearchesCompleted)
	require.Equal(t, `"A Camp" "B Camp" "C Camp" Test City`, searcher.queries[2])

	orgs := store.Organizations()
	require.Len(t, orgs, 3)
	domains := []string{orgs[0].Domain, orgs[1].Domain, orgs[2].Domain}
	require.Equal(t, []string{"a.com", "b.com", "c.com"}, domains)
	for _, org := range orgs {
		require.Equal(t, "Test City", org.City)
		require.Equal(t, SourceSearch, org.Source)
	}

	msgs := pub.Messages(publisher.TopicCandidatesDiscovered)
	require.Len(t, msgs, 1)
	event := msgs[0].Payload.(publisher.CandidatesEvent)
	require.Equal(t, "Test City", event.Region)
	require.Len(t, event.Candidates, 3)
	require.Equal(t, 3, event.Created)
}

func TestDiscoveryCrawlsDirectories(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Austin", "austin camps")
	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{
		"austin camps": {
			{URL: "https://www.activityhero.com/austin/camps", Title: "Austin Camps"},
			{URL: "https://lakecamp.org/", Title: "Lake Camp"},
			{URL: "https://instagram.com/lakecamp", Title: "Lake Camp on Instagram"},
		},
	}}
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://www.activityhero.com/austin/camps": `<ul>
			<li><a href="/provider/1">Provider</a></li>
			<li><a href="https://rivercamp.com/">River Camp</a></li>
			<li><a href="https://lakecamp.org/summer">Lake Camp</a></li>
			<li><a href="https://pond.org/">Pond Day Camp</a></li>
		</ul>`,
	}}
	w := New(store.Discovery(), searcher, fetcher, nil, Config{WorkerID: "w-1"}, nil)

	_, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://www.activityhero.com/austin/camps"}, fetcher.urls)

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, 1, task.Result.DirectoriesFound)
	require.Equal(t, 3, task.Result.URLsDiscovered)

	sources := map[string]string{}
	for _, org := range store.Organizations() {
		sources[org.Domain] = org.Source
	}
	require.Equal(t, map[string]string{
		"lakecamp.org":  SourceSearch,
		"rivercamp.com": "directory:activityhero.com",
		"pond.org":      "directory:activityhero.com",
	}, sources)
}

func TestDiscoveryWithoutCandidatesCompletesWithZeroCounts(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Nowhere", "camps nowhere")
	searcher := &fakeSearcher{errs: map[string]error{"camps nowhere": ErrBlocked}}
	pub := pubmemory.New()
	w := New(store.Discovery(), searcher, &fakeFetcher{}, pub, Config{WorkerID: "w-1"}, nil)

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, queue.StatusCompleted, task.Status)
	require.Zero(t, task.Result.URLsDiscovered)
	require.Zero(t, task.Result.OrganizationsCreated)
	require.Zero(t, task.Result.ScraperRequestsCreated)
	require.Empty(t, store.Organizations())
	require.Empty(t, pub.Messages(""))
}

func TestDiscoveryUsesDefaultQueries(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	enqueueTask(t, store, "Boise")
	searcher := &fakeSearcher{}
	w := New(store.Discovery(), searcher, &fakeFetcher{}, nil, Config{WorkerID: "w-1"}, nil)

	_, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultQueries("Boise"), searcher.queries)
}

func TestDiscoveryResumesFromProgress(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewStore(
		memory.WithClock(func() time.Time { return now }),
		memory.WithClaimLease(30*time.Minute),
	)
	id := enqueueTask(t, store, "Test City", "q1", "q2")

	// A previous run finished q1 and then died holding the claim.
	lane := store.Discovery()
	_, ok, err := lane.Claim(context.Background(), id, "crashed")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lane.ReportProgress(context.Background(), id, "crashed", queue.DiscoveryProgress{
		SearchesCompleted: 1,
		URLsDiscovered:    2,
		Candidates: []queue.Candidate{
			{URL: "https://a.com/", Domain: "a.com", Source: SourceSearch},
			{URL: "https://b.com/", Domain: "b.com", Source: SourceSearch},
		},
	}))

	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{
		"q2": {{URL: "https://b.com/x"}, {URL: "https://c.com/"}},
	}}
	w := New(lane, searcher, &fakeFetcher{}, nil, Config{WorkerID: "w-2"}, nil)

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Seen, "claim is still within its lease")

	now = now.Add(31 * time.Minute)
	summary, err = w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
	require.Equal(t, "q2", searcher.queries[0])
	require.NotContains(t, searcher.queries, "q1")

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, 3, task.Result.URLsDiscovered)
	require.Len(t, store.Organizations(), 3)
}

func TestDiscoveryInterruptedKeepsProgress(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Test City", "q1", "q2")
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &fakeSearcher{
		results: map[string][]extract.SearchResult{"q1": {{URL: "https://a.com/"}}},
		onQuery: func(string) { cancel() },
	}
	w := New(store.Discovery(), searcher, &fakeFetcher{}, nil, Config{WorkerID: "w-1"}, nil)

	summary, err := w.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Abandoned)
	require.Equal(t, []string{"q1"}, searcher.queries)

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, queue.StatusInProgress, task.Status)
	require.Equal(t, 1, task.Progress.SearchesCompleted)
	require.Len(t, task.Progress.Candidates, 1)
	require.Empty(t, store.Organizations())
}

type failingCreate struct {
	queue.DiscoveryQueue
}

func (failingCreate) CreateOrganizations(context.Context, string, []queue.Candidate) (queue.CreationSummary, error) {
	return queue.CreationSummary{}, errors.New("rpc unavailable")
}

func TestDiscoveryCreationFailureFailsTask(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Test City", "q1")
	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{"q1": {{URL: "https://a.com/"}}}}
	w := New(failingCreate{store.Discovery()}, searcher, &fakeFetcher{}, nil, Config{WorkerID: "w-1"}, nil)

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	task, _ := store.DiscoveryTask(id)
	require.Equal(t, queue.StatusFailed, task.Status)
	require.Contains(t, task.Error, "rpc unavailable")
}

type rejectingComplete struct {
	queue.DiscoveryQueue
	rejected int
}

func (r *rejectingComplete) Complete(ctx context.Context, id, workerID string, result queue.DiscoveryResult) error {
	if r.rejected == 0 {
		r.rejected++
		return queue.ErrInvalidTransition
	}
	return r.DiscoveryQueue.Complete(ctx, id, workerID, result)
}

func TestDiscoveryRejectedCompletionPublishesNothing(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	first := enqueueTask(t, store, "Test City", "q1")
	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{
		"q1": {{URL: "https://a.com/"}},
		"q2": {{URL: "https://b.com/"}},
	}}
	pub := pubmemory.New()
	lane := &rejectingComplete{DiscoveryQueue: store.Discovery()}
	w := New(lane, searcher, &fakeFetcher{}, pub, Config{WorkerID: "w-1"}, nil)

	summary, err := w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Empty(t, pub.Messages(publisher.TopicCandidatesDiscovered))
	task, _ := store.DiscoveryTask(first)
	require.Equal(t, queue.StatusInProgress, task.Status)

	// A later task announces only its own candidates.
	require.NoError(t, lane.Fail(context.Background(), first, "w-1", "abandoned"))
	second := enqueueTask(t, store, "Other City", "q2")
	summary, err = w.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)

	msgs := pub.Messages(publisher.TopicCandidatesDiscovered)
	require.Len(t, msgs, 1)
	event := msgs[0].Payload.(publisher.CandidatesEvent)
	require.Equal(t, second, event.ItemID)
	require.Len(t, event.Candidates, 1)
	require.Equal(t, "b.com", event.Candidates[0].Domain)

	stored, _ := store.DiscoveryTask(second)
	require.Nil(t, stored.Result.Candidates)
}

func TestComboQueries(t *testing.T) {
	t.Parallel()

	require.Nil(t, ComboQueries([]string{"Only"}, "Austin", 2))
	require.Equal(t, []string{`"A" "B" "C" Austin`}, ComboQueries([]string{"A", "B", "C"}, "Austin", 2))
	require.Equal(t,
		[]string{`"A" "B" Austin`, `"C" "D" Austin`},
		ComboQueries([]string{"A", "B", "C", "D"}, "Austin", 2))
}

func TestDiscoveryStoresNormalizedCandidateURLs(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	id := enqueueTask(t, store, "Test City", "q1")
	searcher := &fakeSearcher{results: map[string][]extract.SearchResult{
		"q1": {{URL: "HTTPS://Lake-Camp.example:443/summer?b=2&a=1#top", Title: "Lake Camp"}},
	}}
	w := New(store.Discovery(), searcher, &fakeFetcher{}, nil, Config{WorkerID: "w-1"}, nil)

	_, err := w.Drain(context.Background())
	require.NoError(t, err)

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, queue.StatusCompleted, task.Status)
	orgs := store.Organizations()
	require.Len(t, orgs, 1)
	require.Equal(t, "https://lake-camp.example/summer?a=1&b=2", orgs[0].Website)
	require.Equal(t, "lake-camp.example", orgs[0].Domain)
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Lake Camp", displayName(queue.Candidate{Title: "Lake Camp | Summer programs", Domain: "lakecamp.org"}))
	require.Equal(t, "lakecamp.org", displayName(queue.Candidate{Domain: "lakecamp.org"}))
}
