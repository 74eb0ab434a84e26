package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

type scraperDevLane struct {
	lane[queue.ScraperDevRequest, *queue.ScraperDevRequest, queue.ScraperDevResult]
}

func (l *scraperDevLane) PendingInCity(ctx context.Context, city string, limit int) ([]queue.ScraperDevRequest, error) {
	return l.pending(ctx, limit, city)
}

func (l *scraperDevLane) MarkSessionStarted(ctx context.Context, id, workerID string, at time.Time) error {
	tag, err := l.store.db.Exec(ctx, `
UPDATE queue_items
SET payload = jsonb_set(payload, '{session_started_at}', to_jsonb($2::timestamptz)), updated_at = $2
WHERE id = $1 AND kind = 'scraper_dev' AND status = 'in_progress' AND claimed_by = $3`, id, at, workerID)
	if err != nil {
		return fmt.Errorf("mark session started %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark session started %s: %w", id, l.transitionError(ctx, l.store.db, id))
	}
	return nil
}

func (l *scraperDevLane) InProgress(ctx context.Context) ([]queue.ScraperDevRequest, error) {
	rows, err := l.store.db.Query(ctx, `
SELECT `+itemColumns+`
FROM queue_items
WHERE kind = 'scraper_dev' AND status = 'in_progress'
ORDER BY claimed_at`)
	if err != nil {
		return nil, fmt.Errorf("list in-progress scraper_dev: %w", err)
	}
	defer rows.Close()

	var out []queue.ScraperDevRequest
	for rows.Next() {
		req, err := scanItem[queue.ScraperDevRequest](rows)
		if err != nil {
			return nil, fmt.Errorf("scan scraper_dev item: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list in-progress scraper_dev: %w", err)
	}
	return out, nil
}

// SubmitFeedback appends a note and returns the request to pending. Only
// requests being worked or already completed accept feedback.
func (l *scraperDevLane) SubmitFeedback(ctx context.Context, id, note, by string) error {
	entry, err := json.Marshal([]queue.FeedbackEntry{{Note: note, By: by, At: l.store.now()}})
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	tag, err := l.store.db.Exec(ctx, `
UPDATE queue_items
SET status = 'pending', claimed_by = NULL, claimed_at = NULL, error = NULL,
	payload = jsonb_set(payload - 'session_started_at', '{feedback_history}',
		COALESCE(payload->'feedback_history', '[]'::jsonb) || $2::jsonb),
	updated_at = now()
WHERE id = $1 AND kind = 'scraper_dev' AND status IN ('in_progress', 'completed')`, id, entry)
	if err != nil {
		return fmt.Errorf("submit feedback %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submit feedback %s: %w", id, l.transitionError(ctx, l.store.db, id))
	}
	return nil
}

// ForceRestart resets a request to pending regardless of its status.
func (l *scraperDevLane) ForceRestart(ctx context.Context, id string) error {
	tag, err := l.store.db.Exec(ctx, `
UPDATE queue_items
SET status = 'pending', claimed_by = NULL, claimed_at = NULL, error = NULL,
	payload = payload - 'session_started_at', updated_at = now()
WHERE id = $1 AND kind = 'scraper_dev'`, id)
	if err != nil {
		return fmt.Errorf("force restart %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("force restart %s: %w", id, queue.ErrNotFound)
	}
	return nil
}

type discoveryLane struct {
	lane[queue.DiscoveryTask, *queue.DiscoveryTask, queue.DiscoveryResult]
}

// ReportProgress merges progress into the stored task under a row lock so
// concurrent or out-of-order reports never lower a counter.
func (l *discoveryLane) ReportProgress(ctx context.Context, id, workerID string, progress queue.DiscoveryProgress) error {
	err := l.store.withTx(ctx, func(tx pgx.Tx) error {
		var stored []byte
		err := tx.QueryRow(ctx, `
SELECT COALESCE(payload->'progress', '{}'::jsonb)
FROM queue_items
WHERE id = $1 AND kind = 'discovery' AND status = 'in_progress' AND claimed_by = $2
FOR UPDATE`, id, workerID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return l.transitionError(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		var current queue.DiscoveryProgress
		if err := json.Unmarshal(stored, &current); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		merged, err := json.Marshal(queue.MergeProgress(current, progress))
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		_, err = tx.Exec(ctx, `
UPDATE queue_items SET payload = jsonb_set(payload, '{progress}', $2::jsonb), updated_at = $3
WHERE id = $1`, id, merged, l.store.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("report progress %s: %w", id, err)
	}
	return nil
}

func (l *discoveryLane) CreateOrganizations(
	ctx context.Context,
	taskID string,
	candidates []queue.Candidate,
) (queue.CreationSummary, error) {
	var region string
	err := l.store.db.QueryRow(ctx,
		`SELECT COALESCE(payload->>'region_name', '') FROM queue_items WHERE id = $1 AND kind = 'discovery'`,
		taskID).Scan(&region)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.CreationSummary{}, fmt.Errorf("create organizations for %s: %w", taskID, queue.ErrNotFound)
	}
	if err != nil {
		return queue.CreationSummary{}, fmt.Errorf("create organizations for %s: %w", taskID, err)
	}

	var summary queue.CreationSummary
	err = l.store.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		summary, err = l.store.createOrganizations(ctx, tx, candidates, region)
		return err
	})
	if err != nil {
		return queue.CreationSummary{}, fmt.Errorf("create organizations for %s: %w", taskID, err)
	}
	return summary, nil
}
