package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	id, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{URL: "https://camps.example.org/list"})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			_, ok, err := store.Directory().Claim(ctx, id, "worker-"+string(rune('a'+worker)))
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	item, ok := store.DirectoryItem(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusInProgress, item.Status)
}

func TestClaimUnknownItem(t *testing.T) {
	t.Parallel()

	_, ok, err := NewStore().Contact().Claim(context.Background(), "missing", "w")
	require.False(t, ok)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestPendingExcludesClaimedUntilLeaseExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newClock()
	store := NewStore(WithClock(clock.Now), WithClaimLease(10*time.Minute))
	id, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{URL: "https://dir.example.com"})
	require.NoError(t, err)

	_, ok, err := store.Directory().Claim(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := store.Directory().Pending(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, ok, err = store.Directory().Claim(ctx, id, "w2")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(11 * time.Minute)
	pending, err = store.Directory().Pending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	item, ok, err := store.Directory().Claim(ctx, id, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "w2", item.ClaimedBy)
}

func TestDirectoryCompleteTwiceCreatesOrganizationsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	id, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{URL: "https://www.campfinder.example/list"})
	require.NoError(t, err)
	_, ok, err := store.Directory().Claim(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	result := queue.DirectoryResult{ExtractedURLs: []string{
		"https://alpha-camp.example/",
		"https://www.beta-camp.example/about",
	}}
	require.NoError(t, store.Directory().Complete(ctx, id, "w1", result))
	err = store.Directory().Complete(ctx, id, "w1", result)
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	orgs := store.Organizations()
	require.Len(t, orgs, 2)
	require.Equal(t, "alpha-camp.example", orgs[0].Domain)
	require.Equal(t, "beta-camp.example", orgs[1].Domain)
	require.Equal(t, "directory:campfinder.example", orgs[0].Source)

	item, _ := store.DirectoryItem(id)
	require.Equal(t, queue.StatusCompleted, item.Status)
	require.Equal(t, result.ExtractedURLs, item.ExtractedURLs)

	contacts, err := store.Contact().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	scrapers, err := store.ScraperDev().Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scrapers, 2)
}

func TestDirectoryCompletionSkipsExistingDomains(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	for _, u := range []string{"https://one.example/a", "https://two.example/b"} {
		id, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{URL: u})
		require.NoError(t, err)
		_, ok, err := store.Directory().Claim(ctx, id, "w")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Directory().Complete(ctx, id, "w", queue.DirectoryResult{
			ExtractedURLs: []string{"https://shared-camp.example/"},
		}))
	}
	require.Len(t, store.Organizations(), 1)
}

func TestFailRecordsReasonAndRejectsTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	id, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{URL: "https://dir.example"})
	require.NoError(t, err)

	err = store.Directory().Fail(ctx, id, "w", "not claimed")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, _, err = store.Directory().Claim(ctx, id, "w")
	require.NoError(t, err)
	require.NoError(t, store.Directory().Fail(ctx, id, "w", "fetch status 500"))

	item, _ := store.DirectoryItem(id)
	require.Equal(t, queue.StatusFailed, item.Status)
	require.Equal(t, "fetch status 500", item.Error)
	require.ErrorIs(t, store.Directory().Complete(ctx, id, "w", queue.DirectoryResult{}), queue.ErrInvalidTransition)
}

func TestContactCompleteMarksOrganizationAttempted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	summary := store.createOrganizations([]queue.Candidate{{URL: "https://lake-camp.example", Title: "Lake Camp"}}, "austin")
	require.Equal(t, 1, summary.OrganizationsCreated)
	org := store.Organizations()[0]

	_, ok, err := store.Contact().Claim(ctx, org.ID, "w")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Contact().Complete(ctx, org.ID, "w", queue.ContactInfo{}))

	pending, err := store.Contact().Pending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.NotNil(t, store.Organizations()[0].Contact)
}

func TestReportProgressIsMonotonicAndSurvivesReclaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newClock()
	store := NewStore(WithClock(clock.Now), WithClaimLease(5*time.Minute))
	id, err := store.EnqueueDiscovery(ctx, queue.DiscoveryTask{
		RegionName:    "Test City",
		SearchQueries: []string{"summer camps", "day camps"},
	})
	require.NoError(t, err)
	_, ok, err := store.Discovery().Claim(ctx, id, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	first := queue.DiscoveryProgress{
		SearchesCompleted: 1,
		URLsDiscovered:    2,
		Candidates: []queue.Candidate{
			{URL: "https://a.com", Domain: "a.com", Source: "google"},
			{URL: "https://b.com", Domain: "b.com", Source: "google"},
		},
	}
	require.NoError(t, store.Discovery().ReportProgress(ctx, id, "w1", first))
	// A stale, lower report must not move counters backwards.
	require.NoError(t, store.Discovery().ReportProgress(ctx, id, "w1", queue.DiscoveryProgress{SearchesCompleted: 0, URLsDiscovered: 1}))

	task, _ := store.DiscoveryTask(id)
	require.Equal(t, 1, task.Progress.SearchesCompleted)
	require.Equal(t, 2, task.Progress.URLsDiscovered)
	require.Len(t, task.Progress.Candidates, 2)

	// Worker w1 crashes; the claim goes stale and w2 resumes.
	clock.Advance(6 * time.Minute)
	resumed, ok, err := store.Discovery().Claim(ctx, id, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, resumed.Progress.SearchesCompleted)
	require.Equal(t, 2, resumed.Progress.URLsDiscovered)
	require.Len(t, resumed.Progress.Candidates, 2)

	// w1 wakes up late; its writes no longer land.
	err = store.Discovery().ReportProgress(ctx, id, "w1", queue.DiscoveryProgress{SearchesCompleted: 2})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	err = store.Discovery().Complete(ctx, id, "w1", queue.DiscoveryResult{})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	require.NoError(t, store.Discovery().Complete(ctx, id, "w2", queue.DiscoveryResult{SearchesCompleted: 2}))
}

func TestCreateOrganizationsUsesRegionAndDedupes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	id, err := store.EnqueueDiscovery(ctx, queue.DiscoveryTask{RegionName: "Test City"})
	require.NoError(t, err)

	summary, err := store.Discovery().CreateOrganizations(ctx, id, []queue.Candidate{
		{URL: "https://a.com", Domain: "a.com"},
		{URL: "https://www.a.com/camps", Domain: "a.com"},
		{URL: "https://c.com"},
	})
	require.NoError(t, err)
	require.Equal(t, queue.CreationSummary{OrganizationsCreated: 2, ScraperRequestsCreated: 2}, summary)

	scrapers, err := store.ScraperDev().PendingInCity(ctx, "test city", 10)
	require.NoError(t, err)
	require.Len(t, scrapers, 2)

	_, err = store.Discovery().CreateOrganizations(ctx, "missing", nil)
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestScraperDevSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newClock()
	store := NewStore(WithClock(clock.Now), WithClaimLease(time.Minute))
	id, err := store.EnqueueScraperDev(ctx, queue.ScraperDevRequest{SourceURL: "https://camp.example", City: "austin"})
	require.NoError(t, err)

	lane := store.ScraperDev()
	_, ok, err := lane.Claim(ctx, id, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lane.MarkSessionStarted(ctx, id, "worker-1", clock.Now()))

	// Scraper requests never lease-expire; recovery owns stuck sessions.
	clock.Advance(time.Hour)
	_, ok, err = lane.Claim(ctx, id, "worker-2")
	require.NoError(t, err)
	require.False(t, ok)

	inProgress, err := lane.InProgress(ctx)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	require.NotNil(t, inProgress[0].SessionStartedAt)

	require.NoError(t, lane.Complete(ctx, id, "worker-1", queue.ScraperDevResult{Duration: time.Minute}))
	req, _ := store.ScraperDevRequest(id)
	require.Equal(t, queue.StatusCompleted, req.Status)
	require.Nil(t, req.SessionStartedAt)
	require.Equal(t, 1, req.ScraperVersion)
}

func TestScraperDevStaleOwnerCannotReport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	lane := store.ScraperDev()
	id, err := store.EnqueueScraperDev(ctx, queue.ScraperDevRequest{SourceURL: "https://camp.example"})
	require.NoError(t, err)

	_, ok, err := lane.Claim(ctx, id, "host-a/scraper-0")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lane.MarkSessionStarted(ctx, id, "host-a/scraper-0", time.Now()))

	// Recovery resets the session and another daemon picks it up.
	require.NoError(t, lane.SubmitFeedback(ctx, id, "stuck", "recovery"))
	_, ok, err = lane.Claim(ctx, id, "host-b/scraper-0")
	require.NoError(t, err)
	require.True(t, ok)

	err = lane.MarkSessionStarted(ctx, id, "host-a/scraper-0", time.Now())
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	err = lane.Complete(ctx, id, "host-a/scraper-0", queue.ScraperDevResult{})
	require.ErrorIs(t, err, queue.ErrInvalidTransition)
	err = lane.Fail(ctx, id, "host-a/scraper-0", "killed")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	req, _ := store.ScraperDevRequest(id)
	require.Equal(t, queue.StatusInProgress, req.Status)
	require.Equal(t, "host-b/scraper-0", req.ClaimedBy)
	require.Zero(t, req.ScraperVersion)

	require.NoError(t, lane.Complete(ctx, id, "host-b/scraper-0", queue.ScraperDevResult{}))
	req, _ = store.ScraperDevRequest(id)
	require.Equal(t, queue.StatusCompleted, req.Status)
	require.Equal(t, 1, req.ScraperVersion)
}

func TestSubmitFeedbackAndForceRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	lane := store.ScraperDev()
	id, err := store.EnqueueScraperDev(ctx, queue.ScraperDevRequest{SourceURL: "https://camp.example"})
	require.NoError(t, err)

	err = lane.SubmitFeedback(ctx, id, "too slow", "recovery")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, _, err = lane.Claim(ctx, id, "w")
	require.NoError(t, err)
	require.NoError(t, lane.MarkSessionStarted(ctx, id, "w", time.Now()))
	require.NoError(t, lane.SubmitFeedback(ctx, id, "timed out", "recovery"))

	req, _ := store.ScraperDevRequest(id)
	require.Equal(t, queue.StatusPending, req.Status)
	require.Nil(t, req.SessionStartedAt)
	require.Empty(t, req.ClaimedBy)
	require.Len(t, req.FeedbackHistory, 1)
	require.Equal(t, "recovery", req.FeedbackHistory[0].By)

	_, _, err = lane.Claim(ctx, id, "w")
	require.NoError(t, err)
	require.NoError(t, lane.Fail(ctx, id, "w", "exit status 1"))
	require.NoError(t, lane.ForceRestart(ctx, id))
	req, _ = store.ScraperDevRequest(id)
	require.Equal(t, queue.StatusPending, req.Status)
	require.Empty(t, req.Error)

	require.ErrorIs(t, lane.ForceRestart(ctx, "missing"), queue.ErrNotFound)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	_, err := store.EnqueueDirectory(ctx, queue.DirectoryItem{})
	require.Error(t, err)
	_, err = store.EnqueueDiscovery(ctx, queue.DiscoveryTask{})
	require.Error(t, err)
	_, err = store.EnqueueScraperDev(ctx, queue.ScraperDevRequest{})
	require.Error(t, err)
}

func TestMergeProgress(t *testing.T) {
	t.Parallel()

	merged := queue.MergeProgress(
		queue.DiscoveryProgress{SearchesCompleted: 2, URLsDiscovered: 1, Candidates: []queue.Candidate{{Domain: "a.com"}}},
		queue.DiscoveryProgress{SearchesCompleted: 1, URLsDiscovered: 3, DirectoriesFound: 1,
			Candidates: []queue.Candidate{{Domain: "a.com"}, {Domain: "b.com"}}},
	)
	require.Equal(t, 2, merged.SearchesCompleted)
	require.Equal(t, 3, merged.URLsDiscovered)
	require.Equal(t, 1, merged.DirectoriesFound)
	require.Len(t, merged.Candidates, 2)
}
