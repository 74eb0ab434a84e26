// Package dispatcher owns the fixed pool of named worker slots that run
// scraper builds. A slot is released by the goroutine that ran its work, on
// every return path, so it can never leak as permanently busy.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
)

// Slot is one named worker slot.
type Slot struct {
	name string

	mu     sync.Mutex
	busy   bool
	itemID string
	since  time.Time
	proc   *os.Process
}

// Name returns the slot's worker id, e.g. "worker-2".
func (s *Slot) Name() string { return s.name }

// Attach records the child process running for the slot so shutdown can
// terminate it.
func (s *Slot) Attach(p *os.Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

// Detach forgets the child process once it has exited.
func (s *Slot) Detach() {
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
}

func (s *Slot) tryAcquire(itemID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.itemID = itemID
	s.since = now
	return true
}

func (s *Slot) release() {
	s.mu.Lock()
	s.busy = false
	s.itemID = ""
	s.since = time.Time{}
	s.proc = nil
	s.mu.Unlock()
}

// SlotStatus is a point-in-time view of a slot.
type SlotStatus struct {
	Name   string     `json:"name"`
	Busy   bool       `json:"busy"`
	ItemID string     `json:"item_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	PID    int        `json:"pid,omitempty"`
}

// Work runs a claimed item on a slot.
type Work func(ctx context.Context, slot *Slot)

// Pool fans claimed scraper builds out to its slots.
type Pool struct {
	slots  []*Slot
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates n slots named "<prefix>-1" through "<prefix>-n".
func NewPool(prefix string, n int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "worker"
	}
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{name: fmt.Sprintf("%s-%d", prefix, i+1)}
	}
	return &Pool{slots: slots, logger: logger.Named("pool")}
}

// Size is the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Idle returns the slots not running work.
func (p *Pool) Idle() []*Slot {
	var idle []*Slot
	for _, s := range p.slots {
		s.mu.Lock()
		if !s.busy {
			idle = append(idle, s)
		}
		s.mu.Unlock()
	}
	return idle
}

// Busy counts the slots running work.
func (p *Pool) Busy() int {
	return p.Size() - len(p.Idle())
}

// Dispatch marks slot busy with itemID and runs work in its own goroutine.
// It returns false without running anything when the slot is already busy.
func (p *Pool) Dispatch(ctx context.Context, slot *Slot, itemID string, work Work) bool {
	if !slot.tryAcquire(itemID, time.Now().UTC()) {
		return false
	}
	metrics.SetBusySlots(p.Busy())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			slot.release()
			metrics.SetBusySlots(p.Busy())
		}()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("slot work panicked",
					zap.String("slot", slot.name),
					zap.String("item_id", itemID),
					zap.Any("panic", r),
				)
			}
		}()
		work(ctx, slot)
	}()
	return true
}

// Snapshot reports every slot's state in slot order.
func (p *Pool) Snapshot() []SlotStatus {
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		st := SlotStatus{Name: s.name, Busy: s.busy, ItemID: s.itemID}
		if s.busy {
			since := s.since
			st.Since = &since
		}
		if s.proc != nil {
			st.PID = s.proc.Pid
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Terminate kills every attached child process and returns how many were
// signalled.
func (p *Pool) Terminate() int {
	killed := 0
	for _, s := range p.slots {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc == nil {
			continue
		}
		if err := proc.Kill(); err != nil {
			p.logger.Warn("kill child process", zap.String("slot", s.name), zap.Int("pid", proc.Pid), zap.Error(err))
			continue
		}
		p.logger.Info("killed child process", zap.String("slot", s.name), zap.Int("pid", proc.Pid))
		killed++
	}
	return killed
}

// Wait blocks until all dispatched work returns or timeout elapses, and
// reports whether the pool drained.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
