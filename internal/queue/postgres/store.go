// Package postgres implements the queue service on top of Postgres. Claims are
// conditional UPDATEs so the database arbitrates races between daemons.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
	"github.com/JakeFAU/camp-discovery-daemon/internal/urlnorm"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool backing the queue service.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// ClaimLease is how long an in-progress claim on a directory, contact or
	// discovery item is honored before it may be reclaimed. Zero disables it.
	ClaimLease time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements queue.Client and queue.Enqueuer.
type Store struct {
	db    DB
	lease time.Duration
	now   func() time.Time
	newID func() string
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, cfg.ClaimLease)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(db DB, lease time.Duration) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{
		db:    db,
		lease: lease,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Migrate creates the queue tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ScraperDev returns the scraper development queue.
func (s *Store) ScraperDev() queue.ScraperDevQueue {
	return &scraperDevLane{
		lane: lane[queue.ScraperDevRequest, *queue.ScraperDevRequest, queue.ScraperDevResult]{
			store: s,
			kind:  queue.KindScraperDev,
			onComplete: func(ctx context.Context, tx pgx.Tx, row queue.ScraperDevRequest, _ queue.ScraperDevResult) error {
				_, err := tx.Exec(ctx, `
UPDATE queue_items
SET payload = (payload - 'session_started_at')
	|| jsonb_build_object('scraper_version', COALESCE((payload->>'scraper_version')::int, 0) + 1)
WHERE id = $1`, row.ID)
				return err
			},
			onFail: func(ctx context.Context, tx pgx.Tx, id string) error {
				_, err := tx.Exec(ctx, `UPDATE queue_items SET payload = payload - 'session_started_at' WHERE id = $1`, id)
				return err
			},
		},
	}
}

// Directory returns the directory crawl queue.
func (s *Store) Directory() queue.Lane[queue.DirectoryItem, queue.DirectoryResult] {
	return &lane[queue.DirectoryItem, *queue.DirectoryItem, queue.DirectoryResult]{
		store: s,
		kind:  queue.KindDirectory,
		payload: func(r queue.DirectoryResult) any {
			return r
		},
		onComplete: func(ctx context.Context, tx pgx.Tx, row queue.DirectoryItem, r queue.DirectoryResult) error {
			source := "directory:" + urlnorm.Domain(row.URL)
			candidates := make([]queue.Candidate, 0, len(r.ExtractedURLs))
			for _, u := range r.ExtractedURLs {
				candidates = append(candidates, queue.Candidate{URL: u, Domain: urlnorm.Domain(u), Source: source})
			}
			_, err := s.createOrganizations(ctx, tx, candidates, "")
			return err
		},
	}
}

// Contact returns the contact extraction queue.
func (s *Store) Contact() queue.Lane[queue.ContactItem, queue.ContactInfo] {
	return &lane[queue.ContactItem, *queue.ContactItem, queue.ContactInfo]{
		store: s,
		kind:  queue.KindContact,
		payload: func(info queue.ContactInfo) any {
			return map[string]any{"contact": info}
		},
		onComplete: func(ctx context.Context, tx pgx.Tx, row queue.ContactItem, info queue.ContactInfo) error {
			contact, err := json.Marshal(info)
			if err != nil {
				return fmt.Errorf("marshal contact: %w", err)
			}
			_, err = tx.Exec(ctx,
				`UPDATE organizations SET contact = $2, contact_attempted_at = $3 WHERE id = $1`,
				row.ID, contact, s.now())
			return err
		},
	}
}

// Discovery returns the market discovery queue.
func (s *Store) Discovery() queue.DiscoveryQueue {
	return &discoveryLane{
		lane: lane[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult]{
			store: s,
			kind:  queue.KindDiscovery,
			payload: func(r queue.DiscoveryResult) any {
				return map[string]any{"result": r}
			},
		},
	}
}

// EnqueueDirectory adds a pending directory item.
func (s *Store) EnqueueDirectory(ctx context.Context, item queue.DirectoryItem) (string, error) {
	if strings.TrimSpace(item.URL) == "" {
		return "", fmt.Errorf("directory url is required")
	}
	return insertItem(ctx, s.db, queue.KindDirectory, s.newID, &item, "")
}

// EnqueueDiscovery adds a pending discovery task.
func (s *Store) EnqueueDiscovery(ctx context.Context, task queue.DiscoveryTask) (string, error) {
	if strings.TrimSpace(task.RegionName) == "" {
		return "", fmt.Errorf("region name is required")
	}
	return insertItem(ctx, s.db, queue.KindDiscovery, s.newID, &task, "")
}

// EnqueueScraperDev adds a pending scraper development request.
func (s *Store) EnqueueScraperDev(ctx context.Context, req queue.ScraperDevRequest) (string, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return "", fmt.Errorf("source url is required")
	}
	return insertItem(ctx, s.db, queue.KindScraperDev, s.newID, &req, req.City)
}

func insertItem[T any, P queue.Record[T]](
	ctx context.Context,
	q querier,
	kind queue.Kind,
	newID func() string,
	row P,
	city string,
) (string, error) {
	h := row.Head()
	if h.ID == "" {
		h.ID = newID()
	}
	h.Status = queue.StatusPending
	payload, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("marshal %s item: %w", kind, err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO queue_items (id, kind, status, city, payload) VALUES ($1, $2, $3, $4, $5)`,
		h.ID, string(kind), string(queue.StatusPending), city, payload)
	if err != nil {
		return "", fmt.Errorf("insert %s item: %w", kind, err)
	}
	return h.ID, nil
}

// createOrganizations inserts one organization per new domain and, for each,
// a contact item and a scraper development request. Existing domains are
// skipped by the unique constraint.
func (s *Store) createOrganizations(
	ctx context.Context,
	tx pgx.Tx,
	candidates []queue.Candidate,
	city string,
) (queue.CreationSummary, error) {
	var summary queue.CreationSummary
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		domain := c.Domain
		if domain == "" {
			domain = urlnorm.Domain(c.URL)
		}
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}

		var orgID string
		err := tx.QueryRow(ctx, `
INSERT INTO organizations (id, name, website, domain, source, city)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain) DO NOTHING
RETURNING id`, s.newID(), c.Title, c.URL, domain, c.Source, city).Scan(&orgID)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("insert organization %s: %w", domain, err)
		}
		summary.OrganizationsCreated++

		contact := queue.ContactItem{Header: queue.Header{ID: orgID}, Name: c.Title, Website: c.URL}
		if _, err := insertItem(ctx, tx, queue.KindContact, s.newID, &contact, city); err != nil {
			return summary, err
		}
		req := queue.ScraperDevRequest{SourceURL: c.URL, SourceName: c.Title, City: city}
		if _, err := insertItem(ctx, tx, queue.KindScraperDev, s.newID, &req, city); err != nil {
			return summary, err
		}
		summary.ScraperRequestsCreated++
	}
	return summary, nil
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// staleBefore returns the claim cutoff for lease-based reclaiming, or nil when
// in-progress items are never reclaimed.
func (s *Store) staleBefore(kind queue.Kind) *time.Time {
	if s.lease <= 0 || kind == queue.KindScraperDev {
		return nil
	}
	cutoff := s.now().Add(-s.lease)
	return &cutoff
}
