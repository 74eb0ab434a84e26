// Package memory provides an in-process queue service for local development
// and tests. It enforces the same claim and transition rules as the Postgres
// backend.
package memory

import (
	"sync"
	"time"

	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// table holds one queue kind. Rows are kept in insertion order so Pending is
// deterministic.
type table[T any, P queue.Record[T]] struct {
	mu    sync.Mutex
	rows  map[string]*T
	order []string
	now   func() time.Time
	lease time.Duration
}

func newTable[T any, P queue.Record[T]](now func() time.Time, lease time.Duration) *table[T, P] {
	return &table[T, P]{
		rows:  make(map[string]*T),
		now:   now,
		lease: lease,
	}
}

func (t *table[T, P]) insert(row T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := P(&row).Head().ID
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = &row
}

// claimable is the stale-claim policy: pending items, or in-progress items
// whose claim is older than the lease.
func (t *table[T, P]) claimable(h *queue.Header) bool {
	switch h.Status {
	case queue.StatusPending:
		return true
	case queue.StatusInProgress:
		return t.lease > 0 && h.ClaimedAt != nil && t.now().Sub(*h.ClaimedAt) > t.lease
	default:
		return false
	}
}

func (t *table[T, P]) pending(limit int, keep func(*T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []T
	for _, id := range t.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		row := t.rows[id]
		if !t.claimable(P(row).Head()) {
			continue
		}
		if keep != nil && !keep(row) {
			continue
		}
		out = append(out, *row)
	}
	return out
}

func (t *table[T, P]) claim(id, workerID string) (T, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	row, ok := t.rows[id]
	if !ok {
		return zero, false, queue.ErrNotFound
	}
	h := P(row).Head()
	if !t.claimable(h) {
		return zero, false, nil
	}
	at := t.now()
	h.Status = queue.StatusInProgress
	h.ClaimedBy = workerID
	h.ClaimedAt = &at
	h.Error = ""
	return *row, true, nil
}

// transition applies mutate to the row when its status is one of from and,
// unless owner is empty, the row is still claimed by owner. The returned copy
// reflects the row after mutation.
func (t *table[T, P]) transition(id, owner string, from []queue.Status, mutate func(*T)) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	row, ok := t.rows[id]
	if !ok {
		return zero, queue.ErrNotFound
	}
	h := P(row).Head()
	allowed := false
	for _, s := range from {
		if h.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || (owner != "" && h.ClaimedBy != owner) {
		return zero, queue.ErrInvalidTransition
	}
	mutate(row)
	return *row, nil
}

func (t *table[T, P]) get(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, false
	}
	return *row, true
}

func (t *table[T, P]) all(keep func(*T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []T
	for _, id := range t.order {
		if row := t.rows[id]; keep(row) {
			out = append(out, *row)
		}
	}
	return out
}
