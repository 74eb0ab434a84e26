// Package directory drains the directory-crawl queue: each item is an
// aggregator page whose outbound links become candidate organizations.
package directory

import (
	"context"
	"fmt"
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

// Fetcher returns page bodies, escalating to a browser when needed.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Response, error)
}

// Worker crawls directory items.
type Worker struct {
	drainer   *worker.Drainer[queue.DirectoryItem, *queue.DirectoryItem, queue.DirectoryResult]
	fetcher   Fetcher
	publisher publisher.Publisher
	logger    *zap.Logger
}

// New constructs a Worker. pub may be nil.
func New(
	lane queue.Lane[queue.DirectoryItem, queue.DirectoryResult],
	fetcher Fetcher,
	pub publisher.Publisher,
	cfg worker.Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = publisher.Nop{}
	}
	logger = logger.Named("directory")
	w := &Worker{
		drainer: worker.New[queue.DirectoryItem, *queue.DirectoryItem, queue.DirectoryResult](
			queue.KindDirectory, lane, cfg, logger),
		fetcher:   fetcher,
		publisher: pub,
		logger:    logger,
	}
	w.drainer.OnComplete(w.announce)
	return w
}

// Drain claims up to one batch of pending directory items and crawls them.
func (w *Worker) Drain(ctx context.Context) (worker.Summary, error) {
	return w.drainer.Drain(ctx, w.crawl)
}

func (w *Worker) crawl(ctx context.Context, item queue.DirectoryItem) (queue.DirectoryResult, error) {
	resp, err := w.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		return queue.DirectoryResult{}, fmt.Errorf("fetch directory: %w", err)
	}
	links, err := extract.ExtractDirectoryLinks(string(resp.Body), item.URL, extract.Filter{
		LinkPattern:   item.LinkPattern,
		BaseURLFilter: item.BaseURLFilter,
	})
	if err != nil {
		return queue.DirectoryResult{}, fmt.Errorf("extract links: %w", err)
	}
	urls := extract.URLs(links)
	source := "directory:" + urlnorm.Domain(item.URL)
	metrics.ObserveDiscovered(source, len(urls))
	w.logger.Info("directory crawled",
		zap.String("item_id", item.ID),
		zap.String("url", item.URL),
		zap.String("strategy", resp.Strategy),
		zap.Int("links", len(urls)),
	)
	return queue.DirectoryResult{ExtractedURLs: urls}, nil
}

// announce publishes the extracted links once the queue accepted them.
// Publishing is best-effort.
func (w *Worker) announce(ctx context.Context, item queue.DirectoryItem, result queue.DirectoryResult) {
	if len(result.ExtractedURLs) == 0 {
		return
	}
	source := "directory:" + urlnorm.Domain(item.URL)
	candidates := make([]queue.Candidate, 0, len(result.ExtractedURLs))
	for _, u := range result.ExtractedURLs {
		candidates = append(candidates, queue.Candidate{URL: u, Domain: urlnorm.Domain(u), Source: source})
	}
	event := publisher.CandidatesEvent{
		Kind:       queue.KindDirectory,
		ItemID:     item.ID,
		Candidates: candidates,
		At:         time.Now().UTC(),
	}
	if _, err := w.publisher.Publish(ctx, publisher.TopicCandidatesDiscovered, event); err != nil {
		w.logger.Warn("publish candidates", zap.String("item_id", item.ID), zap.Error(err))
	}
}
