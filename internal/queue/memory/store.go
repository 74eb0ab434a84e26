package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

var inProgress = []queue.Status{queue.StatusInProgress}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for claim and session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithClaimLease sets how long an in-progress claim on a directory, contact or
// discovery item is honored before another worker may reclaim it. Zero
// disables reclaiming.
func WithClaimLease(lease time.Duration) Option {
	return func(s *Store) { s.lease = lease }
}

// Store implements queue.Client and queue.Enqueuer in memory.
type Store struct {
	now   func() time.Time
	lease time.Duration

	scraperDev *table[queue.ScraperDevRequest, *queue.ScraperDevRequest]
	directory  *table[queue.DirectoryItem, *queue.DirectoryItem]
	contact    *table[queue.ContactItem, *queue.ContactItem]
	discovery  *table[queue.DiscoveryTask, *queue.DiscoveryTask]

	orgMu sync.Mutex
	orgs  map[string]*queue.Organization
	order []string
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:  func() time.Time { return time.Now().UTC() },
		orgs: make(map[string]*queue.Organization),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Stuck scraper sessions are resolved by recovery, never by lease expiry.
	s.scraperDev = newTable[queue.ScraperDevRequest, *queue.ScraperDevRequest](s.now, 0)
	s.directory = newTable[queue.DirectoryItem, *queue.DirectoryItem](s.now, s.lease)
	s.contact = newTable[queue.ContactItem, *queue.ContactItem](s.now, s.lease)
	s.discovery = newTable[queue.DiscoveryTask, *queue.DiscoveryTask](s.now, s.lease)
	return s
}

// Close is a no-op.
func (s *Store) Close() {}

// ScraperDev returns the scraper development queue.
func (s *Store) ScraperDev() queue.ScraperDevQueue {
	return &scraperDevLane{
		lane: lane[queue.ScraperDevRequest, *queue.ScraperDevRequest, queue.ScraperDevResult]{
			kind: queue.KindScraperDev,
			t:    s.scraperDev,
			apply: func(row *queue.ScraperDevRequest, _ queue.ScraperDevResult) {
				row.SessionStartedAt = nil
				row.ScraperVersion++
			},
			applyFail: func(row *queue.ScraperDevRequest) {
				row.SessionStartedAt = nil
			},
		},
		store: s,
	}
}

// Directory returns the directory crawl queue.
func (s *Store) Directory() queue.Lane[queue.DirectoryItem, queue.DirectoryResult] {
	return &lane[queue.DirectoryItem, *queue.DirectoryItem, queue.DirectoryResult]{
		kind: queue.KindDirectory,
		t:    s.directory,
		apply: func(row *queue.DirectoryItem, result queue.DirectoryResult) {
			row.ExtractedURLs = append([]string(nil), result.ExtractedURLs...)
		},
		after: func(row queue.DirectoryItem, result queue.DirectoryResult) {
			source := "directory:" + urlnorm.Domain(row.URL)
			candidates := make([]queue.Candidate, 0, len(result.ExtractedURLs))
			for _, u := range result.ExtractedURLs {
				candidates = append(candidates, queue.Candidate{URL: u, Domain: urlnorm.Domain(u), Source: source})
			}
			s.createOrganizations(candidates, "")
		},
	}
}

// Contact returns the contact extraction queue.
func (s *Store) Contact() queue.Lane[queue.ContactItem, queue.ContactInfo] {
	return &lane[queue.ContactItem, *queue.ContactItem, queue.ContactInfo]{
		kind: queue.KindContact,
		t:    s.contact,
		apply: func(row *queue.ContactItem, info queue.ContactInfo) {
			row.Contact = &info
		},
		after: func(row queue.ContactItem, info queue.ContactInfo) {
			s.orgMu.Lock()
			defer s.orgMu.Unlock()
			if org, ok := s.orgs[row.ID]; ok {
				org.Contact = &info
			}
		},
	}
}

// Discovery returns the market discovery queue.
func (s *Store) Discovery() queue.DiscoveryQueue {
	return &discoveryLane{
		lane: lane[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult]{
			kind: queue.KindDiscovery,
			t:    s.discovery,
			apply: func(row *queue.DiscoveryTask, result queue.DiscoveryResult) {
				result.Candidates = nil
				row.Result = &result
			},
		},
		store: s,
	}
}

// EnqueueDirectory adds a pending directory item.
func (s *Store) EnqueueDirectory(_ context.Context, item queue.DirectoryItem) (string, error) {
	if strings.TrimSpace(item.URL) == "" {
		return "", fmt.Errorf("directory url is required")
	}
	item.Header = s.newHeader(item.ID)
	s.directory.insert(item)
	return item.ID, nil
}

// EnqueueDiscovery adds a pending discovery task.
func (s *Store) EnqueueDiscovery(_ context.Context, task queue.DiscoveryTask) (string, error) {
	if strings.TrimSpace(task.RegionName) == "" {
		return "", fmt.Errorf("region name is required")
	}
	task.Header = s.newHeader(task.ID)
	s.discovery.insert(task)
	return task.ID, nil
}

// EnqueueScraperDev adds a pending scraper development request.
func (s *Store) EnqueueScraperDev(_ context.Context, req queue.ScraperDevRequest) (string, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return "", fmt.Errorf("source url is required")
	}
	req.Header = s.newHeader(req.ID)
	s.scraperDev.insert(req)
	return req.ID, nil
}

// EnqueueContact adds an organization needing contact details.
func (s *Store) EnqueueContact(_ context.Context, item queue.ContactItem) (string, error) {
	item.Header = s.newHeader(item.ID)
	s.contact.insert(item)
	return item.ID, nil
}

// Organizations returns every organization created so far, in creation order.
func (s *Store) Organizations() []queue.Organization {
	s.orgMu.Lock()
	defer s.orgMu.Unlock()
	out := make([]queue.Organization, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.orgs[id])
	}
	return out
}

// DirectoryItem returns the stored directory item.
func (s *Store) DirectoryItem(id string) (queue.DirectoryItem, bool) { return s.directory.get(id) }

// ContactItem returns the stored contact item.
func (s *Store) ContactItem(id string) (queue.ContactItem, bool) { return s.contact.get(id) }

// DiscoveryTask returns the stored discovery task.
func (s *Store) DiscoveryTask(id string) (queue.DiscoveryTask, bool) { return s.discovery.get(id) }

// ScraperDevRequest returns the stored scraper development request.
func (s *Store) ScraperDevRequest(id string) (queue.ScraperDevRequest, bool) {
	return s.scraperDev.get(id)
}

func (s *Store) newHeader(id string) queue.Header {
	if id == "" {
		id = uuid.NewString()
	}
	return queue.Header{ID: id, Status: queue.StatusPending}
}

// createOrganizations turns candidates into organizations, skipping domains
// that already exist. Each new organization also gets a contact item and a
// scraper development request.
func (s *Store) createOrganizations(candidates []queue.Candidate, city string) queue.CreationSummary {
	s.orgMu.Lock()
	var created []queue.Organization
	for _, c := range candidates {
		domain := c.Domain
		if domain == "" {
			domain = urlnorm.Domain(c.URL)
		}
		if domain == "" || s.hasDomain(domain) {
			continue
		}
		org := &queue.Organization{
			ID:      uuid.NewString(),
			Name:    c.Title,
			Website: c.URL,
			Domain:  domain,
			Source:  c.Source,
			City:    city,
		}
		s.orgs[org.ID] = org
		s.order = append(s.order, org.ID)
		created = append(created, *org)
	}
	s.orgMu.Unlock()

	var summary queue.CreationSummary
	for _, org := range created {
		summary.OrganizationsCreated++
		s.contact.insert(queue.ContactItem{
			Header:  queue.Header{ID: org.ID, Status: queue.StatusPending},
			Name:    org.Name,
			Website: org.Website,
		})
		s.scraperDev.insert(queue.ScraperDevRequest{
			Header:     s.newHeader(""),
			SourceURL:  org.Website,
			SourceName: org.Name,
			City:       org.City,
		})
		summary.ScraperRequestsCreated++
	}
	return summary
}

func (s *Store) hasDomain(domain string) bool {
	for _, org := range s.orgs {
		if org.Domain == domain {
			return true
		}
	}
	return false
}

// lane implements queue.Lane over one table.
type lane[T any, P queue.Record[T], R any] struct {
	kind      queue.Kind
	t         *table[T, P]
	apply     func(row *T, result R)
	applyFail func(row *T)
	after     func(row T, result R)
}

func (l *lane[T, P, R]) Pending(_ context.Context, limit int) ([]T, error) {
	return l.t.pending(limit, nil), nil
}

func (l *lane[T, P, R]) Claim(_ context.Context, id, workerID string) (T, bool, error) {
	item, ok, err := l.t.claim(id, workerID)
	if err != nil {
		return item, false, fmt.Errorf("claim %s %s: %w", l.kind, id, err)
	}
	return item, ok, nil
}

func (l *lane[T, P, R]) Complete(_ context.Context, id, workerID string, result R) error {
	row, err := l.t.transition(id, workerID, inProgress, func(row *T) {
		P(row).Head().Status = queue.StatusCompleted
		if l.apply != nil {
			l.apply(row, result)
		}
	})
	if err != nil {
		return fmt.Errorf("complete %s %s: %w", l.kind, id, err)
	}
	// Runs outside the table lock; the transition above already guarantees it
	// happens at most once per item.
	if l.after != nil {
		l.after(row, result)
	}
	return nil
}

func (l *lane[T, P, R]) Fail(_ context.Context, id, workerID, reason string) error {
	_, err := l.t.transition(id, workerID, inProgress, func(row *T) {
		h := P(row).Head()
		h.Status = queue.StatusFailed
		h.Error = reason
		if l.applyFail != nil {
			l.applyFail(row)
		}
	})
	if err != nil {
		return fmt.Errorf("fail %s %s: %w", l.kind, id, err)
	}
	return nil
}

type scraperDevLane struct {
	lane[queue.ScraperDevRequest, *queue.ScraperDevRequest, queue.ScraperDevResult]
	store *Store
}

func (l *scraperDevLane) PendingInCity(_ context.Context, city string, limit int) ([]queue.ScraperDevRequest, error) {
	return l.t.pending(limit, func(row *queue.ScraperDevRequest) bool {
		return city == "" || strings.EqualFold(row.City, city)
	}), nil
}

func (l *scraperDevLane) MarkSessionStarted(_ context.Context, id, workerID string, at time.Time) error {
	_, err := l.t.transition(id, workerID, inProgress, func(row *queue.ScraperDevRequest) {
		row.SessionStartedAt = &at
	})
	if err != nil {
		return fmt.Errorf("mark session started %s: %w", id, err)
	}
	return nil
}

func (l *scraperDevLane) InProgress(_ context.Context) ([]queue.ScraperDevRequest, error) {
	return l.t.all(func(row *queue.ScraperDevRequest) bool {
		return row.Status == queue.StatusInProgress
	}), nil
}

func (l *scraperDevLane) SubmitFeedback(_ context.Context, id, note, by string) error {
	at := l.store.now()
	_, err := l.t.transition(id, "", []queue.Status{queue.StatusInProgress, queue.StatusCompleted},
		func(row *queue.ScraperDevRequest) {
			row.FeedbackHistory = append(row.FeedbackHistory, queue.FeedbackEntry{Note: note, By: by, At: at})
			resetScraperDev(row)
		})
	if err != nil {
		return fmt.Errorf("submit feedback %s: %w", id, err)
	}
	return nil
}

func (l *scraperDevLane) ForceRestart(_ context.Context, id string) error {
	_, err := l.t.transition(id, "", []queue.Status{
		queue.StatusPending, queue.StatusInProgress, queue.StatusCompleted, queue.StatusFailed,
	}, resetScraperDev)
	if err != nil {
		return fmt.Errorf("force restart %s: %w", id, err)
	}
	return nil
}

func resetScraperDev(row *queue.ScraperDevRequest) {
	row.Status = queue.StatusPending
	row.ClaimedBy = ""
	row.ClaimedAt = nil
	row.SessionStartedAt = nil
	row.Error = ""
}

type discoveryLane struct {
	lane[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult]
	store *Store
}

func (l *discoveryLane) ReportProgress(_ context.Context, id, workerID string, progress queue.DiscoveryProgress) error {
	_, err := l.t.transition(id, workerID, inProgress, func(row *queue.DiscoveryTask) {
		row.Progress = queue.MergeProgress(row.Progress, progress)
	})
	if err != nil {
		return fmt.Errorf("report progress %s: %w", id, err)
	}
	return nil
}

func (l *discoveryLane) CreateOrganizations(
	_ context.Context,
	taskID string,
	candidates []queue.Candidate,
) (queue.CreationSummary, error) {
	task, ok := l.t.get(taskID)
	if !ok {
		return queue.CreationSummary{}, fmt.Errorf("create organizations for %s: %w", taskID, queue.ErrNotFound)
	}
	return l.store.createOrganizations(candidates, task.RegionName), nil
}
