// Package daemon drives the scraper-build slot pool and the periodic drains
// of the directory, contact and discovery queues plus stuck-session recovery.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/dispatcher"
	"github.com/JakeFAU/camp-discovery-daemon/internal/logging"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/recovery"
	"github.com/JakeFAU/camp-discovery-daemon/internal/worker"
)

// Mode names a one-shot drain.
type Mode string

// One-shot modes.
const (
	ModeDirectory Mode = "directory"
	ModeContact   Mode = "contact"
	ModeDiscovery Mode = "discovery"
)

// Drainer runs one pass over a secondary queue.
type Drainer interface {
	Drain(ctx context.Context) (worker.Summary, error)
}

// Recoverer runs one stuck-session recovery pass.
type Recoverer interface {
	Run(ctx context.Context) (recovery.Summary, error)
}

// Processor builds a scraper for a claimed request on slot.
type Processor interface {
	Process(ctx context.Context, slot *dispatcher.Slot, req queue.ScraperDevRequest)
}

// Tasks are the periodic jobs. A nil task is not scheduled.
type Tasks struct {
	Directory Drainer
	Contact   Drainer
	Discovery Drainer
	Recovery  Recoverer
}

// Config sets the claim tick, periodic intervals and shutdown grace.
type Config struct {
	// InstanceID prefixes slot names in claim owners so two daemons with the
	// same slot names never share a claim.
	InstanceID     string
	City           string
	PollInterval   time.Duration
	GraceDelay     time.Duration
	DirectoryEvery time.Duration
	ContactEvery   time.Duration
	DiscoveryEvery time.Duration
	RecoveryEvery  time.Duration
}

// TaskStatus reports when a periodic task last ran and runs next.
type TaskStatus struct {
	Name  string     `json:"name"`
	Every string     `json:"every"`
	Prev  *time.Time `json:"prev,omitempty"`
	Next  time.Time  `json:"next"`
}

// Scheduler owns the claim loop and the periodic tasks.
type Scheduler struct {
	queue     queue.ScraperDevQueue
	pool      *dispatcher.Pool
	processor Processor
	tasks     Tasks
	cfg       Config
	logger    *zap.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	id    cron.EntryID
	every time.Duration
}

// New constructs a Scheduler.
func New(
	q queue.ScraperDevQueue,
	pool *dispatcher.Pool,
	processor Processor,
	tasks Tasks,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	logger = logger.Named("scheduler")
	cl := logging.CronLogger(logger)
	return &Scheduler{
		queue:     q,
		pool:      pool,
		processor: processor,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries: make(map[string]entry),
	}
}

// Run claims scraper-build work for idle slots every poll interval and runs
// the periodic tasks until ctx is canceled. On cancellation it stops claiming,
// kills live child processes and waits up to the grace delay for in-flight
// work.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.schedule(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("slots", s.pool.Size()),
		zap.String("city", s.cfg.City),
		zap.Duration("poll_interval", s.cfg.PollInterval),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.claimIdle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.claimIdle(ctx)
		}
	}
}

func (s *Scheduler) schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	add := func(name string, every time.Duration, run func(context.Context) error) error {
		if every <= 0 {
			return fmt.Errorf("%s interval must be > 0", name)
		}
		id, err := s.cron.AddFunc("@every "+every.String(), func() { s.runTask(ctx, name, run) })
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		s.entries[name] = entry{id: id, every: every}
		return nil
	}
	drains := []struct {
		mode  Mode
		every time.Duration
	}{
		{ModeDirectory, s.cfg.DirectoryEvery},
		{ModeContact, s.cfg.ContactEvery},
		{ModeDiscovery, s.cfg.DiscoveryEvery},
	}
	for _, d := range drains {
		drainer := s.drainer(d.mode)
		if drainer == nil {
			continue
		}
		if err := add(string(d.mode), d.every, s.drainFunc(d.mode, drainer)); err != nil {
			return err
		}
	}
	if s.tasks.Recovery != nil {
		if err := add("recovery", s.cfg.RecoveryEvery, s.runRecovery); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := run(ctx); err != nil {
		s.logger.Warn("periodic task failed", zap.String("task", name), zap.Error(err))
	}
}

func (s *Scheduler) drainFunc(mode Mode, d Drainer) func(context.Context) error {
	return func(ctx context.Context) error {
		summary, err := d.Drain(ctx)
		if summary.Seen > 0 {
			s.logger.Info("drain finished",
				zap.String("task", string(mode)),
				zap.Int("seen", summary.Seen),
				zap.Int("claimed", summary.Claimed),
				zap.Int("lost", summary.Lost),
				zap.Int("completed", summary.Completed),
				zap.Int("failed", summary.Failed),
				zap.Int("abandoned", summary.Abandoned),
			)
		}
		return err
	}
}

func (s *Scheduler) runRecovery(ctx context.Context) error {
	summary, err := s.tasks.Recovery.Run(ctx)
	if summary.Stuck > 0 {
		s.logger.Info("stuck sessions recovered",
			zap.Int("stuck", summary.Stuck),
			zap.Int("feedback", summary.Feedback),
			zap.Int("force_restarted", summary.ForceRestarted),
			zap.Int("failed", summary.Failed),
		)
	}
	return err
}

// claimIdle tries to claim one request for each idle slot. Lost races and
// queue errors are skipped until the next tick.
func (s *Scheduler) claimIdle(ctx context.Context) {
	idle := s.pool.Idle()
	if len(idle) == 0 || ctx.Err() != nil {
		return
	}
	pending, err := s.queue.PendingInCity(ctx, s.cfg.City, len(idle))
	if err != nil {
		s.logger.Warn("list pending scraper requests", zap.Error(err))
		return
	}
	for _, item := range pending {
		if len(idle) == 0 || ctx.Err() != nil {
			return
		}
		slot := idle[0]
		req, ok, err := s.queue.Claim(ctx, item.ID, s.claimOwner(slot))
		switch {
		case err != nil:
			metrics.ObserveClaim(string(queue.KindScraperDev), metrics.ClaimError)
			s.logger.Warn("claim failed", zap.String("item_id", item.ID), zap.Error(err))
			continue
		case !ok:
			metrics.ObserveClaim(string(queue.KindScraperDev), metrics.ClaimLost)
			s.logger.Debug("claim lost", zap.String("item_id", item.ID))
			continue
		}
		metrics.ObserveClaim(string(queue.KindScraperDev), metrics.ClaimWon)
		idle = idle[1:]
		dispatched := s.pool.Dispatch(ctx, slot, req.ID, func(ctx context.Context, slot *dispatcher.Slot) {
			s.processor.Process(ctx, slot, req)
		})
		if !dispatched {
			s.logger.Error("slot busy after claim", zap.String("slot", slot.Name()), zap.String("item_id", req.ID))
			s.releaseClaim(ctx, req.ID)
			continue
		}
		s.logger.Info("scraper request dispatched", zap.String("slot", slot.Name()), zap.String("item_id", req.ID))
	}
}

// claimOwner is the worker id recorded on claims made for slot.
func (s *Scheduler) claimOwner(slot *dispatcher.Slot) string {
	if s.cfg.InstanceID == "" {
		return slot.Name()
	}
	return s.cfg.InstanceID + "/" + slot.Name()
}

// releaseClaim returns a request that was claimed but never dispatched.
func (s *Scheduler) releaseClaim(ctx context.Context, id string) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.queue.ForceRestart(reportCtx, id); err != nil {
		s.logger.Error("release undispatched claim", zap.String("item_id", id), zap.Error(err))
	}
}

func (s *Scheduler) shutdown() {
	s.logger.Info("shutting down", zap.Duration("grace", s.cfg.GraceDelay))
	cronDone := s.cron.Stop()
	if killed := s.pool.Terminate(); killed > 0 {
		s.logger.Info("terminated child processes", zap.Int("count", killed))
	}
	if !s.pool.Wait(s.cfg.GraceDelay) {
		s.logger.Warn("slots still busy after grace delay", zap.Int("busy", s.pool.Busy()))
	}
	select {
	case <-cronDone.Done():
	case <-time.After(s.cfg.GraceDelay):
		s.logger.Warn("periodic tasks still running after grace delay")
	}
}

// RunOnce performs a single drain pass for mode.
func (s *Scheduler) RunOnce(ctx context.Context, mode Mode) (worker.Summary, error) {
	d := s.drainer(mode)
	if d == nil {
		return worker.Summary{}, fmt.Errorf("mode %q is not configured", mode)
	}
	summary, err := d.Drain(ctx)
	if err != nil {
		return summary, fmt.Errorf("%s drain: %w", mode, err)
	}
	s.logger.Info("one-shot drain finished",
		zap.String("mode", string(mode)),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *Scheduler) drainer(mode Mode) Drainer {
	switch mode {
	case ModeDirectory:
		return s.tasks.Directory
	case ModeContact:
		return s.tasks.Contact
	case ModeDiscovery:
		return s.tasks.Discovery
	default:
		return nil
	}
}

// Slots reports the worker slots.
func (s *Scheduler) Slots() []dispatcher.SlotStatus {
	return s.pool.Snapshot()
}

// Tasks reports the periodic tasks sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		st := TaskStatus{Name: name, Every: e.every.String(), Next: ce.Next}
		if !ce.Prev.IsZero() {
			prev := ce.Prev
			st.Prev = &prev
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
