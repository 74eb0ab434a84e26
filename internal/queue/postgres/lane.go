package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

const itemColumns = `id, status, COALESCE(claimed_by, ''), claimed_at, COALESCE(error, ''), payload`

// lane implements queue.Lane for one kind over the shared queue_items table.
type lane[T any, P queue.Record[T], R any] struct {
	store *Store
	kind  queue.Kind
	// payload returns the fragment merged into the stored payload on
	// completion so re-reading the item shows its result.
	payload    func(R) any
	onComplete func(ctx context.Context, tx pgx.Tx, row T, result R) error
	onFail     func(ctx context.Context, tx pgx.Tx, id string) error
}

func (l *lane[T, P, R]) Pending(ctx context.Context, limit int) ([]T, error) {
	return l.pending(ctx, limit, "")
}

func (l *lane[T, P, R]) pending(ctx context.Context, limit int, city string) ([]T, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := l.store.db.Query(ctx, `
SELECT `+itemColumns+`
FROM queue_items
WHERE kind = $1
	AND (status = 'pending' OR (status = 'in_progress' AND claimed_at < $2))
	AND ($3 = '' OR lower(city) = lower($3))
ORDER BY created_at, id
LIMIT $4`, string(l.kind), l.store.staleBefore(l.kind), city, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", l.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scanItem[T, P](rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s item: %w", l.kind, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending %s: %w", l.kind, err)
	}
	return out, nil
}

func (l *lane[T, P, R]) Claim(ctx context.Context, id, workerID string) (T, bool, error) {
	var zero T
	row := l.store.db.QueryRow(ctx, `
UPDATE queue_items
SET status = 'in_progress', claimed_by = $3, claimed_at = $4, error = NULL, updated_at = $4
WHERE id = $1 AND kind = $2
	AND (status = 'pending' OR (status = 'in_progress' AND claimed_at < $5))
RETURNING `+itemColumns, id, string(l.kind), workerID, l.store.now(), l.store.staleBefore(l.kind))
	item, err := scanItem[T, P](row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := l.exists(ctx, l.store.db, id); err != nil {
			return zero, false, fmt.Errorf("claim %s %s: %w", l.kind, id, err)
		}
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("claim %s %s: %w", l.kind, id, err)
	}
	return item, true, nil
}

func (l *lane[T, P, R]) Complete(ctx context.Context, id, workerID string, result R) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", l.kind, err)
	}
	fragment := []byte("{}")
	if l.payload != nil {
		if fragment, err = json.Marshal(l.payload(result)); err != nil {
			return fmt.Errorf("marshal %s result: %w", l.kind, err)
		}
	}
	err = l.store.withTx(ctx, func(tx pgx.Tx) error {
		row, err := scanItem[T, P](tx.QueryRow(ctx, `
UPDATE queue_items
SET status = 'completed', result = $3, payload = payload || $4::jsonb, error = NULL, updated_at = $5
WHERE id = $1 AND kind = $2 AND status = 'in_progress' AND claimed_by = $6
RETURNING `+itemColumns, id, string(l.kind), resultJSON, fragment, l.store.now(), workerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return l.transitionError(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		if l.onComplete != nil {
			return l.onComplete(ctx, tx, row, result)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s %s: %w", l.kind, id, err)
	}
	return nil
}

func (l *lane[T, P, R]) Fail(ctx context.Context, id, workerID, reason string) error {
	err := l.store.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE queue_items
SET status = 'failed', error = $3, updated_at = $4
WHERE id = $1 AND kind = $2 AND status = 'in_progress' AND claimed_by = $5`,
			id, string(l.kind), reason, l.store.now(), workerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return l.transitionError(ctx, tx, id)
		}
		if l.onFail != nil {
			return l.onFail(ctx, tx, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail %s %s: %w", l.kind, id, err)
	}
	return nil
}

// exists returns queue.ErrNotFound when the item is missing.
func (l *lane[T, P, R]) exists(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM queue_items WHERE id = $1 AND kind = $2`, id, string(l.kind)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.ErrNotFound
	}
	return err
}

// transitionError explains why a conditional update matched no row: the item
// is missing, terminal, or claimed by someone else.
func (l *lane[T, P, R]) transitionError(ctx context.Context, q querier, id string) error {
	if err := l.exists(ctx, q, id); err != nil {
		return err
	}
	return queue.ErrInvalidTransition
}

func scanItem[T any, P queue.Record[T]](row pgx.Row) (T, error) {
	var (
		item      T
		id        string
		status    string
		claimedBy string
		claimedAt *time.Time
		errMsg    string
		payload   []byte
	)
	if err := row.Scan(&id, &status, &claimedBy, &claimedAt, &errMsg, &payload); err != nil {
		return item, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item); err != nil {
			return item, fmt.Errorf("decode payload: %w", err)
		}
	}
	*P(&item).Head() = queue.Header{
		ID:        id,
		Status:    queue.Status(status),
		ClaimedBy: claimedBy,
		ClaimedAt: claimedAt,
		Error:     errMsg,
	}
	return item, nil
}
