// Package server assembles the daemon from the shared services and runs it
// until the process is signalled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/api"
	"github.com/JakeFAU/camp-discovery-daemon/internal/app"
	"github.com/JakeFAU/camp-discovery-daemon/internal/browser"
	"github.com/JakeFAU/camp-discovery-daemon/internal/clock/system"
	"github.com/JakeFAU/camp-discovery-daemon/internal/config"
	"github.com/JakeFAU/camp-discovery-daemon/internal/contact"
	"github.com/JakeFAU/camp-discovery-daemon/internal/daemon"
	"github.com/JakeFAU/camp-discovery-daemon/internal/directory"
	"github.com/JakeFAU/camp-discovery-daemon/internal/discovery"
	"github.com/JakeFAU/camp-discovery-daemon/internal/dispatcher"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	collyfetcher "github.com/JakeFAU/camp-discovery-daemon/internal/fetch/colly"
	"github.com/JakeFAU/camp-discovery-daemon/internal/id/uuid"
	"github.com/JakeFAU/camp-discovery-daemon/internal/llm"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/ratelimit"
	"github.com/JakeFAU/camp-discovery-daemon/internal/recovery"
	"github.com/JakeFAU/camp-discovery-daemon/internal/scraperdev"
	"github.com/JakeFAU/camp-discovery-daemon/internal/worker"
)

// Daemon is the fully wired scheduler plus its optional ops server.
type Daemon struct {
	cfg       config.Config
	logger    *zap.Logger
	scheduler *daemon.Scheduler
	ops       *api.Server
	launcher  *browser.Chromedp
}

// Build creates the daemon's dependencies on top of the shared services.
func Build(ctx context.Context, a *app.App) (*Daemon, error) {
	cfg := a.Config()
	logger := a.Logger()
	metrics.Init()

	instance, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("instance id: %w", err)
	}
	workerID := "campd-" + uuid.Short(instance)
	logger = logger.With(zap.String("instance", workerID))
	logger.Info("building daemon",
		zap.Int("workers", cfg.Daemon.Workers),
		zap.String("city", cfg.Daemon.City),
		zap.String("queue_backend", cfg.Queue.Backend),
	)

	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := a.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	var extractor browser.Extractor
	if cfg.LLM.APIKey != "" {
		ext, err := llm.New(llm.Config{
			APIKey:        cfg.LLM.APIKey,
			Model:         cfg.LLM.Model,
			MaxTokens:     cfg.LLM.MaxTokens,
			Timeout:       time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			MaxInputChars: cfg.LLM.MaxInputChars,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("llm init failed: %w", err)
		}
		extractor = ext
		logger.Info("structured extraction enabled", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Warn("no llm api key; contact and search extraction use DOM heuristics")
	}

	launcher, err := browser.New(browser.Config{
		Endpoint:          cfg.Browser.Endpoint,
		APIKey:            cfg.Browser.APIKey,
		UserAgent:         cfg.HTTP.UserAgent,
		MaxParallel:       cfg.Browser.MaxParallel,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		DisableHeadless:   cfg.Browser.DisableHeadless,
	}, extractor, logger)
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}

	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
	})
	opts := []fetch.Option{
		fetch.WithPacer(ratelimit.New(ratelimit.Config{
			Interval: time.Duration(cfg.HTTP.HostIntervalMillis) * time.Millisecond,
		})),
	}
	if snapshots != nil {
		opts = append(opts, fetch.WithSnapshots(snapshots))
	}
	engine := fetch.NewEngine(fetch.Config{SettleDelay: cfg.SettleDelay()}, plain, launcher, logger, opts...)

	q := a.Queue()
	clock := system.New()
	tasks := daemon.Tasks{
		Directory: directory.New(q.Directory(), engine, pub, worker.Config{
			WorkerID:  workerID,
			BatchSize: cfg.Batch.Directory,
		}, logger),
		Contact: contact.New(q.Contact(), launcher, contact.Config{
			Config:      worker.Config{WorkerID: workerID, BatchSize: cfg.Batch.Contact},
			SettleDelay: cfg.SettleDelay(),
		}, logger),
		Discovery: discovery.New(q.Discovery(),
			discovery.NewBrowserSearcher(launcher, discovery.SearcherConfig{
				BaseURL:         cfg.Search.BaseURL,
				ResultsPerQuery: cfg.Search.ResultsPerQuery,
				SettleDelay:     cfg.SettleDelay(),
			}, logger),
			engine, pub, discovery.Config{
				WorkerID:       workerID,
				QueryDelay:     cfg.QueryDelay(),
				MaxDirectories: cfg.Search.MaxDirectories,
				ComboQueries:   cfg.Search.ComboQueries,
				ComboNames:     cfg.Search.ComboNames,
			}, logger),
		Recovery: recovery.New(q.ScraperDev(), clock, cfg.StuckThreshold(), logger),
	}

	supervisor := scraperdev.New(q.ScraperDev(), clock, scraperdev.Config{
		Command:   cfg.ScraperDev.Command,
		Args:      cfg.ScraperDev.Args,
		WorkDir:   cfg.ScraperDev.WorkDir,
		Timeout:   time.Duration(cfg.ScraperDev.TimeoutMinutes) * time.Minute,
		TailBytes: cfg.ScraperDev.OutputTailSize,
	}, logger)

	pool := dispatcher.NewPool(cfg.Daemon.WorkerPrefix, cfg.Daemon.Workers, logger)
	sched := daemon.New(q.ScraperDev(), pool, supervisor, tasks, daemon.Config{
		InstanceID:     workerID,
		City:           cfg.Daemon.City,
		PollInterval:   cfg.PollInterval(),
		GraceDelay:     cfg.GraceDelay(),
		DirectoryEvery: config.Every(cfg.Schedule.DirectorySeconds),
		ContactEvery:   config.Every(cfg.Schedule.ContactSeconds),
		DiscoveryEvery: config.Every(cfg.Schedule.DiscoverySeconds),
		RecoveryEvery:  config.Every(cfg.Schedule.RecoverySeconds),
	}, logger)

	d := &Daemon{cfg: cfg, logger: logger, scheduler: sched, launcher: launcher}
	if cfg.Ops.Addr != "" {
		d.ops = api.NewServer(sched, q, api.Config{
			APIKey:         cfg.Ops.APIKey,
			RequestTimeout: time.Duration(cfg.Ops.RequestTimeoutSeconds) * time.Second,
		}, logger.Named("api"))
	}
	return d, nil
}

// Run starts the scheduler and the ops server and blocks until SIGINT or
// SIGTERM, or until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if d.ops != nil {
		srv = &http.Server{
			Addr:              d.cfg.Ops.Addr,
			Handler:           d.ops.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			d.logger.Info("ops server started", zap.String("addr", d.cfg.Ops.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("ops server error", zap.Error(err))
				stop()
			}
		}()
	}

	d.logger.Info("daemon started")
	err := d.scheduler.Run(ctx)
	d.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			d.logger.Error("ops server shutdown error", zap.Error(serr))
		}
	}
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	d.logger.Info("shutdown complete")
	return nil
}

// RunOnce runs a single drain pass of mode.
func (d *Daemon) RunOnce(ctx context.Context, mode daemon.Mode) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := d.scheduler.RunOnce(ctx, mode)
	if err != nil {
		return fmt.Errorf("run %s: %w", mode, err)
	}
	d.logger.Info("one-shot drain finished",
		zap.String("mode", string(mode)),
		zap.Int("claimed", summary.Claimed),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("abandoned", summary.Abandoned),
	)
	return nil
}

// Close stops the browser allocator.
func (d *Daemon) Close() {
	if d.launcher != nil {
		d.launcher.Close()
	}
}
