// Package scraperdev supervises the external code-generation sessions that
// build a scraper for a claimed request.
package scraperdev

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/dispatcher"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Config describes the code-generation command. The prompt is appended as
// the final argument.
type Config struct {
	Command   string
	Args      []string
	WorkDir   string
	Timeout   time.Duration
	TailBytes int
}

// Supervisor runs one session per claimed request.
type Supervisor struct {
	queue  queue.ScraperDevQueue
	clock  Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Supervisor.
func New(q queue.ScraperDevQueue, clock Clock, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = "claude"
		cfg.Args = []string{"--print"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{queue: q, clock: clock, cfg: cfg, logger: logger.Named("scraperdev")}
}

// Process runs the session for req on slot. It matches dispatcher.Work once
// bound to a request. On shutdown the child is killed and the request is left
// in progress for stuck-session recovery to reset.
func (s *Supervisor) Process(ctx context.Context, slot *dispatcher.Slot, req queue.ScraperDevRequest) {
	logger := s.logger.With(
		zap.String("slot", slot.Name()),
		zap.String("item_id", req.ID),
		zap.String("source_url", req.SourceURL),
	)
	started := s.clock.Now()
	if err := s.queue.MarkSessionStarted(ctx, req.ID, req.ClaimedBy, started); err != nil {
		s.fail(ctx, logger, req, fmt.Sprintf("mark session started: %v", err))
		return
	}
	logger.Info("scraper session started", zap.Int("version", req.ScraperVersion+1))

	tail, err := s.run(ctx, slot, BuildPrompt(req))
	elapsed := s.clock.Now().Sub(started)
	switch {
	case err == nil:
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		result := queue.ScraperDevResult{Duration: elapsed, OutputTail: tail}
		if cerr := s.queue.Complete(reportCtx, req.ID, req.ClaimedBy, result); cerr != nil {
			logger.Error("report completion", zap.Error(cerr))
			return
		}
		metrics.ObserveItem(string(queue.KindScraperDev), "completed")
		logger.Info("scraper session completed", zap.Duration("elapsed", elapsed))
	case ctx.Err() != nil:
		metrics.ObserveItem(string(queue.KindScraperDev), "abandoned")
		logger.Info("scraper session interrupted by shutdown", zap.Duration("elapsed", elapsed))
	default:
		s.fail(ctx, logger, req, err.Error())
	}
}

func (s *Supervisor) run(ctx context.Context, slot *dispatcher.Slot, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), s.cfg.Args...), prompt)
	cmd := exec.CommandContext(runCtx, s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.WaitDelay = 5 * time.Second
	out := newTail(s.cfg.TailBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}
	slot.Attach(cmd.Process)
	defer slot.Detach()

	err := cmd.Wait()
	tail := out.String()
	switch {
	case err == nil:
		return tail, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return tail, fmt.Errorf("session timed out after %s", s.cfg.Timeout)
	default:
		return tail, fmt.Errorf("%s exited: %w: %s", s.cfg.Command, err, lastLine(tail))
	}
}

func (s *Supervisor) fail(ctx context.Context, logger *zap.Logger, req queue.ScraperDevRequest, reason string) {
	metrics.ObserveItem(string(queue.KindScraperDev), "failed")
	logger.Warn("scraper session failed", zap.String("reason", reason))
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.queue.Fail(reportCtx, req.ID, req.ClaimedBy, reason); err != nil {
		logger.Error("report failure", zap.Error(err))
	}
}

// BuildPrompt renders the instructions handed to the code-generation command.
func BuildPrompt(req queue.ScraperDevRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build a scraper that extracts camp sessions from %s", req.SourceURL)
	if req.SourceName != "" {
		fmt.Fprintf(&b, " (%s)", req.SourceName)
	}
	if req.City != "" {
		fmt.Fprintf(&b, " for the %s market", req.City)
	}
	fmt.Fprintf(&b, ".\nThis is version %d of the scraper.\n", req.ScraperVersion+1)
	if len(req.FeedbackHistory) > 0 {
		b.WriteString("\nAddress this feedback on earlier versions:\n")
		for _, fb := range req.FeedbackHistory {
			fmt.Fprintf(&b, "- [%s, %s] %s\n", fb.By, fb.At.UTC().Format(time.RFC3339), fb.Note)
		}
	}
	return b.String()
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTail(n int) *tailBuffer { return &tailBuffer{n: n} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
