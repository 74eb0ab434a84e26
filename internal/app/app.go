// Package app opens the long-lived services shared by every command: the
// queue service backend, the candidate publisher and the snapshot store.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/config"
	"github.com/JakeFAU/camp-discovery-daemon/internal/fetch"
	"github.com/JakeFAU/camp-discovery-daemon/internal/hash/sha256"
	"github.com/JakeFAU/camp-discovery-daemon/internal/publisher"
	memorypublisher "github.com/JakeFAU/camp-discovery-daemon/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/camp-discovery-daemon/internal/publisher/pubsub"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	memoryqueue "github.com/JakeFAU/camp-discovery-daemon/internal/queue/memory"
	pgqueue "github.com/JakeFAU/camp-discovery-daemon/internal/queue/postgres"
	"github.com/JakeFAU/camp-discovery-daemon/internal/storage"
	gcsstorage "github.com/JakeFAU/camp-discovery-daemon/internal/storage/gcs"
	localstorage "github.com/JakeFAU/camp-discovery-daemon/internal/storage/local"
	memorystorage "github.com/JakeFAU/camp-discovery-daemon/internal/storage/memory"
)

// Queue is a queue service backend.
type Queue interface {
	queue.Client
	queue.Enqueuer
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// App holds the shared services. It is built once per command and closed on
// exit.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	queue  Queue

	publisher publisher.Publisher
	snapshots fetch.Snapshotter
	closers   []func() error
}

// New connects the configured queue backend. Publisher and snapshot storage
// are opened on demand by the commands that need them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	switch cfg.Queue.Backend {
	case config.BackendPostgres:
		store, err := pgqueue.New(ctx, pgqueue.Config{
			DSN:        cfg.Queue.DSN,
			MaxConns:   cfg.Queue.MaxConns,
			MinConns:   cfg.Queue.MinConns,
			ClaimLease: cfg.ClaimLease(),
		})
		if err != nil {
			return nil, fmt.Errorf("queue init failed: %w", err)
		}
		a.queue = store
		logger.Info("using postgres queue backend", zap.Duration("claim_lease", cfg.ClaimLease()))
	case config.BackendMemory:
		a.queue = memoryqueue.NewStore(memoryqueue.WithClaimLease(cfg.ClaimLease()))
		logger.Warn("using in-memory queue backend; work is lost on exit")
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Queue returns the queue service backend.
func (a *App) Queue() Queue { return a.queue }

// Enqueuer returns the operator enqueue surface of the queue backend.
func (a *App) Enqueuer() queue.Enqueuer { return a.queue }

// Migrate applies the queue schema. The memory backend has none.
func (a *App) Migrate(ctx context.Context) error {
	m, ok := a.queue.(migrator)
	if !ok {
		a.logger.Info("queue backend has no schema to migrate", zap.String("backend", a.cfg.Queue.Backend))
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	a.logger.Info("queue schema applied")
	return nil
}

// Publisher opens the configured candidate publisher once.
func (a *App) Publisher(ctx context.Context) (publisher.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	switch a.cfg.Publish.Backend {
	case "", "none":
		a.publisher = publisher.Nop{}
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	case "pubsub":
		p, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.Publish.ProjectID,
			TopicID:   a.cfg.Publish.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		a.publisher = p
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publish.ProjectID),
			zap.String("topic", a.cfg.Publish.Topic),
		)
	default:
		return nil, fmt.Errorf("unknown publish backend %q", a.cfg.Publish.Backend)
	}
	return a.publisher, nil
}

// Snapshots opens the configured snapshot store once. It returns nil when
// snapshots are disabled.
func (a *App) Snapshots(ctx context.Context) (fetch.Snapshotter, error) {
	if a.snapshots != nil {
		return a.snapshots, nil
	}
	var blobs storage.BlobStore
	switch a.cfg.Storage.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		blobs = memorystorage.NewBlobStore()
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		blobs = store
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	a.logger.Info("page snapshots enabled", zap.String("backend", a.cfg.Storage.Backend))
	a.snapshots = storage.NewSnapshotter(blobs, sha256.New(), a.cfg.Storage.Prefix)
	return a.snapshots, nil
}

// Close releases every opened service.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.queue != nil {
		a.queue.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
