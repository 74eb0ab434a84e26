// Package contact drains the contact-extraction queue. Every claimed
// organization is completed, with whatever fields were found, so it is never
// re-selected on the next poll.
package contact

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/extract"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/worker"
)

// Config controls the worker.
type Config struct {
	worker.Config
	SettleDelay time.Duration
}

// Worker extracts contact details with a rendered browser session.
type Worker struct {
	drainer  *worker.Drainer[queue.ContactItem, *queue.ContactItem, queue.ContactInfo]
	launcher browser.Launcher
	settle   time.Duration
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	lane queue.Lane[queue.ContactItem, queue.ContactInfo],
	launcher browser.Launcher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("contact")
	return &Worker{
		drainer: worker.New[queue.ContactItem, *queue.ContactItem, queue.ContactInfo](
			queue.KindContact, lane, cfg.Config, logger),
		launcher: launcher,
		settle:   min(cfg.SettleDelay, fetch.MaxSettleDelay),
		logger:   logger,
	}
}

// Drain processes one batch of organizations needing contact info.
func (w *Worker) Drain(ctx context.Context) (worker.Summary, error) {
	return w.drainer.Drain(ctx, w.extractContact)
}

// extractContact only fails on shutdown, leaving the claim to expire. Other
// lookup errors are logged and an empty record is saved, which still marks
// the organization attempted.
func (w *Worker) extractContact(ctx context.Context, item queue.ContactItem) (queue.ContactInfo, error) {
	logger := w.logger.With(zap.String("item_id", item.ID), zap.String("website", item.Website))
	if item.Website == "" {
		logger.Info("organization has no website")
		return queue.ContactInfo{}, nil
	}
	info, err := w.lookup(ctx, item.Website)
	if err != nil && ctx.Err() != nil {
		return queue.ContactInfo{}, ctx.Err()
	}
	if err != nil {
		logger.Warn("contact lookup failed", zap.Error(err))
	}
	logger.Info("contact extracted",
		zap.Bool("email", info.Email != ""),
		zap.Bool("phone", info.Phone != ""),
		zap.Bool("name", info.ContactName != ""),
	)
	return info, nil
}

func (w *Worker) lookup(ctx context.Context, website string) (queue.ContactInfo, error) {
	var info queue.ContactInfo
	session, err := w.launcher.Open(ctx)
	if err != nil {
		return info, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			w.logger.Warn("close browser session", zap.Error(cerr))
		}
	}()

	if err := session.Navigate(ctx, website); err != nil {
		return info, err
	}
	if err := fetch.Sleep(ctx, w.settle); err != nil {
		return info, err
	}
	extractErr := session.ExtractStructured(ctx, extract.ContactInstruction, extract.ContactSchema, &info)
	if extractErr == nil && !info.Empty() {
		return info, nil
	}

	// Fall back to reading mailto:/tel: links from the DOM.
	html, err := session.HTML(ctx)
	if err != nil {
		return info, err
	}
	fallback := extract.HeuristicContact(html)
	if info.Email == "" {
		info.Email = fallback.Email
	}
	if info.Phone == "" {
		info.Phone = fallback.Phone
	}
	if extractErr != nil && info.Empty() {
		return info, extractErr
	}
	return info, nil
}
