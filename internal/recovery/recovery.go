// Package recovery resets scraper development requests whose session has run
// past the stuck threshold.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// FeedbackAuthor is recorded on automated timeout notes.
const FeedbackAuthor = "campd-recovery"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Summary counts the outcome of one pass.
type Summary struct {
	Scanned        int
	Stuck          int
	Feedback       int
	ForceRestarted int
	Failed         int
}

// Recoverer scans in-progress requests on each Run.
type Recoverer struct {
	queue     queue.ScraperDevQueue
	clock     Clock
	threshold time.Duration
	logger    *zap.Logger
}

// New constructs a Recoverer.
func New(q queue.ScraperDevQueue, clock Clock, threshold time.Duration, logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{queue: q, clock: clock, threshold: threshold, logger: logger.Named("recovery")}
}

// Run performs one recovery pass. Only the initial scan can return an error;
// per-request failures are logged and counted.
func (r *Recoverer) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	requests, err := r.queue.InProgress(ctx)
	if err != nil {
		return summary, fmt.Errorf("list in-progress requests: %w", err)
	}
	summary.Scanned = len(requests)
	now := r.clock.Now()

	for _, req := range requests {
		if ctx.Err() != nil {
			break
		}
		if req.SessionStartedAt == nil {
			continue
		}
		age := now.Sub(*req.SessionStartedAt)
		if age <= r.threshold {
			continue
		}
		summary.Stuck++
		logger := r.logger.With(
			zap.String("item_id", req.ID),
			zap.String("claimed_by", req.ClaimedBy),
			zap.Duration("age", age),
		)

		note := fmt.Sprintf("Session timed out after %d minutes without completing; "+
			"retry with a simpler extraction approach.", int(age.Minutes()))
		ferr := r.queue.SubmitFeedback(ctx, req.ID, note, FeedbackAuthor)
		if ferr == nil {
			summary.Feedback++
			metrics.ObserveStuckRecovery("feedback")
			logger.Info("stuck session reset via feedback")
			continue
		}
		logger.Warn("feedback rejected, forcing restart", zap.Error(ferr))
		if err := r.queue.ForceRestart(ctx, req.ID); err != nil {
			summary.Failed++
			metrics.ObserveStuckRecovery("failed")
			logger.Error("force restart failed", zap.Error(err))
			continue
		}
		summary.ForceRestarted++
		metrics.ObserveStuckRecovery("force_restart")
		logger.Info("stuck session force restarted")
	}
	return summary, nil
}
