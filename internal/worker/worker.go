// Package worker implements the claim/process/report loop shared by every
// secondary queue drain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// Summary counts what one drain pass did.
type Summary struct {
	Seen      int
	Claimed   int
	Lost      int
	Completed int
	Failed    int
	// Abandoned items were interrupted by shutdown and left claimed so the
	// stale-claim policy hands them to a later run.
	Abandoned int
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeAbandoned
)

// Handler processes one claimed item. A returned error is reported to the
// queue as a failure.
type Handler[T any, R any] func(ctx context.Context, item T) (R, error)

// Config controls a Drainer.
type Config struct {
	WorkerID  string
	BatchSize int
}

// Drainer polls one lane, claims pending items and reports their outcome.
type Drainer[T any, P queue.Record[T], R any] struct {
	kind      queue.Kind
	lane      queue.Lane[T, R]
	cfg       Config
	logger    *zap.Logger
	completed func(ctx context.Context, item T, result R)
}

// New constructs a Drainer.
func New[T any, P queue.Record[T], R any](
	kind queue.Kind,
	lane queue.Lane[T, R],
	cfg Config,
	logger *zap.Logger,
) *Drainer[T, P, R] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer[T, P, R]{
		kind:   kind,
		lane:   lane,
		cfg:    cfg,
		logger: logger.With(zap.String("kind", string(kind)), zap.String("worker_id", cfg.WorkerID)),
	}
}

// OnComplete registers fn to run after the queue accepted a completion.
func (d *Drainer[T, P, R]) OnComplete(fn func(ctx context.Context, item T, result R)) {
	d.completed = fn
}

// Drain runs one pass. The pending list is fetched fresh every call. Only a
// failure to list pending items is returned; per-item errors are reported to
// the queue and logged. Cancellation is checked between items.
func (d *Drainer[T, P, R]) Drain(ctx context.Context, handle Handler[T, R]) (Summary, error) {
	var summary Summary
	start := time.Now()
	defer func() { metrics.ObserveDrain(string(d.kind), time.Since(start)) }()

	items, err := d.lane.Pending(ctx, d.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("list pending %s items: %w", d.kind, err)
	}
	summary.Seen = len(items)

	for _, pending := range items {
		if ctx.Err() != nil {
			d.logger.Info("drain interrupted", zap.Int("remaining", len(items)-summary.Claimed-summary.Lost))
			break
		}
		id := P(&pending).Head().ID
		item, ok, err := d.lane.Claim(ctx, id, d.cfg.WorkerID)
		switch {
		case err != nil:
			metrics.ObserveClaim(string(d.kind), metrics.ClaimError)
			d.logger.Warn("claim failed", zap.String("item_id", id), zap.Error(err))
			continue
		case !ok:
			metrics.ObserveClaim(string(d.kind), metrics.ClaimLost)
			summary.Lost++
			d.logger.Debug("claim lost", zap.String("item_id", id))
			continue
		}
		metrics.ObserveClaim(string(d.kind), metrics.ClaimWon)
		summary.Claimed++

		switch d.process(ctx, id, item, handle) {
		case outcomeCompleted:
			summary.Completed++
		case outcomeFailed:
			summary.Failed++
		case outcomeAbandoned:
			summary.Abandoned++
		}
	}
	return summary, nil
}

func (d *Drainer[T, P, R]) process(ctx context.Context, id string, item T, handle Handler[T, R]) outcome {
	logger := d.logger.With(zap.String("item_id", id))
	result, err := safely(ctx, item, handle)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		metrics.ObserveItem(string(d.kind), "abandoned")
		logger.Info("item interrupted by shutdown, leaving claim to expire")
		return outcomeAbandoned
	}
	if err != nil {
		metrics.ObserveItem(string(d.kind), "failed")
		logger.Warn("item failed", zap.Error(err))
		// The report uses a fresh context so shutdown does not strand the claim.
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if ferr := d.lane.Fail(reportCtx, id, d.cfg.WorkerID, err.Error()); ferr != nil {
			logger.Error("report failure", zap.Error(ferr))
		}
		return outcomeFailed
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.lane.Complete(reportCtx, id, d.cfg.WorkerID, result); err != nil {
		metrics.ObserveItem(string(d.kind), "report_error")
		logger.Error("report completion", zap.Error(err))
		return outcomeFailed
	}
	metrics.ObserveItem(string(d.kind), "completed")
	logger.Info("item completed")
	if d.completed != nil {
		d.completed(reportCtx, item, result)
	}
	return outcomeCompleted
}

// safely runs handle, turning a panic into an error so the item is still
// reported.
func safely[T any, R any](ctx context.Context, item T, handle Handler[T, R]) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handle(ctx, item)
}
