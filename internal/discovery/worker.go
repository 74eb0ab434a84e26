// Package discovery runs market discovery tasks for a region in three strictly
// ordered phases: keyword searches, a search combining the names found so far,
// and a crawl of the directory pages those searches surfaced. Progress is
// reported after every query and directory so a re-claimed task resumes where
// the previous run stopped.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/extract"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/publisher"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
	"github.com/JakeFAU/camp-discovery-daemon/internal/worker"
)

// Candidate sources recorded on discovered organizations.
const (
	SourceSearch      = "search"
	SourceComboSearch = "search:combo"
)

// Fetcher loads directory pages, escalating to a browser when blocked.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Response, error)
}

// Config tunes a discovery run.
type Config struct {
	WorkerID       string
	QueryDelay     time.Duration
	MaxDirectories int
	ComboQueries   int
	ComboNames     int
}

func (c Config) withDefaults() Config {
	if c.MaxDirectories <= 0 {
		c.MaxDirectories = 5
	}
	if c.ComboQueries <= 0 {
		c.ComboQueries = 2
	}
	if c.ComboNames <= 0 {
		c.ComboNames = 10
	}
	return c
}

// Worker processes one discovery task per drain.
type Worker struct {
	drainer   *worker.Drainer[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult]
	lane      queue.DiscoveryQueue
	searcher  Searcher
	fetcher   Fetcher
	publisher publisher.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. pub may be nil.
func New(
	lane queue.DiscoveryQueue,
	searcher Searcher,
	fetcher Fetcher,
	pub publisher.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = publisher.Nop{}
	}
	logger = logger.Named("discovery")
	w := &Worker{
		// One task in flight bounds browser usage.
		drainer: worker.New[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult](
			queue.KindDiscovery, lane, worker.Config{WorkerID: cfg.WorkerID, BatchSize: 1}, logger),
		lane:      lane,
		searcher:  searcher,
		fetcher:   fetcher,
		publisher: pub,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
	w.drainer.OnComplete(w.announce)
	return w
}

// Drain claims and runs at most one pending discovery task.
func (w *Worker) Drain(ctx context.Context) (worker.Summary, error) {
	return w.drainer.Drain(ctx, w.discover)
}

// DefaultQueries is used when a task arrives without search queries.
func DefaultQueries(region string) []string {
	return []string{
		"summer camps in " + region,
		region + " day camps for kids",
		region + " youth camps",
	}
}

func (w *Worker) discover(ctx context.Context, task queue.DiscoveryTask) (queue.DiscoveryResult, error) {
	r := newRun(task, w.logger.With(zap.String("item_id", task.ID), zap.String("region", task.RegionName)))
	if r.searches > 0 {
		r.logger.Info("resuming discovery",
			zap.Int("searches_completed", r.searches),
			zap.Int("candidates", len(r.candidates)),
		)
	}

	queries := task.SearchQueries
	if len(queries) == 0 {
		queries = DefaultQueries(task.RegionName)
	}
	if err := w.searchAll(ctx, r, queries, 0, SourceSearch); err != nil {
		return queue.DiscoveryResult{}, err
	}

	combos := ComboQueries(r.names(SourceSearch, w.cfg.ComboNames), task.RegionName, w.cfg.ComboQueries)
	if err := w.searchAll(ctx, r, combos, len(queries), SourceComboSearch); err != nil {
		return queue.DiscoveryResult{}, err
	}

	if err := w.crawlDirectories(ctx, r); err != nil {
		return queue.DiscoveryResult{}, err
	}
	return w.finalize(ctx, r)
}

// searchAll runs queries in order. offset is the position of the first query
// across all phases, compared against the persisted searches counter.
func (w *Worker) searchAll(ctx context.Context, r *run, queries []string, offset int, source string) error {
	for i, query := range queries {
		if offset+i < r.searches {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.queried {
			if err := fetch.Sleep(ctx, w.cfg.QueryDelay); err != nil {
				return err
			}
		}
		r.queried = true

		results, err := w.searcher.Search(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		}
		added := 0
		for _, res := range results {
			if r.add(res.URL, res.Title, source) {
				added++
			}
		}
		metrics.ObserveDiscovered(source, added)
		r.searches++
		r.logger.Info("search completed",
			zap.String("query", query),
			zap.Int("results", len(results)),
			zap.Int("new_candidates", added),
		)
		w.report(ctx, r)
	}
	return nil
}

func (w *Worker) crawlDirectories(ctx context.Context, r *run) error {
	for _, target := range r.crawlTargets(w.cfg.MaxDirectories) {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := w.fetcher.Fetch(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("directory fetch failed", zap.String("url", target), zap.Error(err))
			continue
		}
		links, err := extract.ExtractDirectoryLinks(string(resp.Body), target, extract.Filter{})
		if err != nil {
			r.logger.Warn("directory extraction failed", zap.String("url", target), zap.Error(err))
			continue
		}
		source := "directory:" + urlnorm.Domain(target)
		added := 0
		for _, link := range links {
			if r.add(link.URL, link.Text, source) {
				added++
			}
		}
		metrics.ObserveDiscovered(source, added)
		r.logger.Info("directory crawled",
			zap.String("url", target),
			zap.String("strategy", resp.Strategy),
			zap.Int("links", len(links)),
			zap.Int("new_candidates", added),
		)
		w.report(ctx, r)
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, r *run) (queue.DiscoveryResult, error) {
	result := queue.DiscoveryResult{
		SearchesCompleted: r.searches,
		DirectoriesFound:  r.directoriesFound,
	}
	if len(r.candidates) == 0 {
		r.logger.Info("discovery found no candidates")
		return result, nil
	}
	summary, err := w.lane.CreateOrganizations(ctx, r.task.ID, r.candidates)
	if err != nil {
		return queue.DiscoveryResult{}, fmt.Errorf("create organizations: %w", err)
	}
	result.URLsDiscovered = len(r.candidates)
	result.CreationSummary = summary
	result.Candidates = r.candidates

	r.logger.Info("discovery finished",
		zap.Int("urls_discovered", result.URLsDiscovered),
		zap.Int("directories_found", result.DirectoriesFound),
		zap.Int("searches_completed", result.SearchesCompleted),
		zap.Int("organizations_created", summary.OrganizationsCreated),
		zap.Int("scraper_requests_created", summary.ScraperRequestsCreated),
	)
	return result, nil
}

// report is best-effort: a failed progress write only costs work on resume.
func (w *Worker) report(ctx context.Context, r *run) {
	if err := w.lane.ReportProgress(ctx, r.task.ID, w.cfg.WorkerID, r.progress()); err != nil {
		r.logger.Warn("report progress", zap.Error(err))
	}
}

// announce runs only once the queue accepted the completion.
func (w *Worker) announce(ctx context.Context, task queue.DiscoveryTask, result queue.DiscoveryResult) {
	if len(result.Candidates) == 0 {
		return
	}
	event := publisher.CandidatesEvent{
		Kind:       queue.KindDiscovery,
		ItemID:     task.ID,
		Region:     task.RegionName,
		Candidates: result.Candidates,
		Created:    result.OrganizationsCreated,
		At:         time.Now().UTC(),
	}
	if _, err := w.publisher.Publish(ctx, publisher.TopicCandidatesDiscovered, event); err != nil {
		w.logger.Warn("publish candidates", zap.String("item_id", task.ID), zap.Error(err))
	}
}

// ComboQueries splits names into at most groups compound queries of two or
// more quoted names followed by the region.
func ComboQueries(names []string, region string, groups int) []string {
	if len(names) < 2 || groups <= 0 {
		return nil
	}
	groups = min(groups, len(names)/2)
	per := (len(names) + groups - 1) / groups
	var out []string
	for start := 0; start < len(names); start += per {
		chunk := names[start:min(start+per, len(names))]
		if len(chunk) < 2 {
			continue
		}
		quoted := make([]string, len(chunk))
		for i, n := range chunk {
			quoted[i] = `"` + n + `"`
		}
		out = append(out, strings.Join(quoted, " ")+" "+region)
	}
	return out
}

// run is the in-memory state of one task, seeded from persisted progress.
// Domain is the dedup key for candidates and directories alike.
type run struct {
	task   queue.DiscoveryTask
	logger *zap.Logger

	candidates       []queue.Candidate
	seen             map[string]struct{}
	directories      []string
	searches         int
	directoriesFound int
	queried          bool
}

func newRun(task queue.DiscoveryTask, logger *zap.Logger) *run {
	r := &run{
		task:             task,
		logger:           logger,
		seen:             make(map[string]struct{}),
		searches:         task.Progress.SearchesCompleted,
		directoriesFound: task.Progress.DirectoriesFound,
	}
	for _, c := range task.Progress.Candidates {
		if c.Domain == "" {
			c.Domain = urlnorm.Domain(c.URL)
		}
		if _, dup := r.seen[c.Domain]; dup || c.Domain == "" {
			continue
		}
		r.seen[c.Domain] = struct{}{}
		r.candidates = append(r.candidates, c)
	}
	return r
}

// add records rawURL as a directory or a new candidate and reports whether a
// candidate was added.
func (r *run) add(rawURL, title, source string) bool {
	if extract.DeniedURL(rawURL) {
		return false
	}
	if normalized, err := urlnorm.NormalizeURL(rawURL); err == nil {
		rawURL = normalized
	}
	domain := urlnorm.Domain(rawURL)
	if domain == "" {
		return false
	}
	if _, dup := r.seen[domain]; dup {
		return false
	}
	r.seen[domain] = struct{}{}
	if extract.IsKnownDirectory(domain) {
		r.directories = append(r.directories, rawURL)
		r.directoriesFound++
		return false
	}
	r.candidates = append(r.candidates, queue.Candidate{
		URL:    rawURL,
		Domain: domain,
		Source: source,
		Title:  strings.Join(strings.Fields(title), " "),
	})
	return true
}

// names returns up to limit display names of candidates from source, in
// discovery order.
func (r *run) names(source string, limit int) []string {
	var out []string
	for _, c := range r.candidates {
		if len(out) == limit {
			break
		}
		if c.Source != source {
			continue
		}
		if n := displayName(c); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// crawlTargets lists known directories first, then candidates that look like
// listing pages.
func (r *run) crawlTargets(limit int) []string {
	targets := make([]string, 0, limit)
	targets = append(targets, r.directories[:min(len(r.directories), limit)]...)
	for _, c := range r.candidates {
		if len(targets) == limit {
			break
		}
		if extract.LooksLikeListing(c.URL, c.Title) {
			targets = append(targets, c.URL)
		}
	}
	return targets
}

func (r *run) progress() queue.DiscoveryProgress {
	return queue.DiscoveryProgress{
		SearchesCompleted: r.searches,
		URLsDiscovered:    len(r.candidates),
		DirectoriesFound:  r.directoriesFound,
		Candidates:        append([]queue.Candidate(nil), r.candidates...),
	}
}

var titleSeparators = []string{" | ", " - ", " – ", " — ", ": "}

// displayName is the organization part of a page title, or the domain.
func displayName(c queue.Candidate) string {
	name := c.Title
	for _, sep := range titleSeparators {
		if i := strings.Index(name, sep); i > 0 {
			name = name[:i]
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return c.Domain
	}
	return name
}
