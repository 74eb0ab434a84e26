package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/camp-discovery-daemon/internal/daemon"
	"github.com/JakeFAU/camp-discovery-daemon/internal/dispatcher"
	"github.com/JakeFAU/camp-discovery-daemon/internal/metrics"
	"github.com/JakeFAU/camp-discovery-daemon/internal/queue"
)

const enqueueTimeout = 5 * time.Second

// StatusSource reports scheduler state.
type StatusSource interface {
	Slots() []dispatcher.SlotStatus
	Tasks() []daemon.TaskStatus
}

// Config controls the server.
type Config struct {
	// APIKey guards the /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and the queue.
type Server struct {
	router   chi.Router
	status   StatusSource
	enqueuer queue.Enqueuer
	started  time.Time
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. enqueuer may be
// nil, in which case the /v1 routes are not mounted.
func NewServer(status StatusSource, enqueuer queue.Enqueuer, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		status:   status,
		enqueuer: enqueuer,
		started:  time.Now().UTC(),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.statusHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if enqueuer != nil {
		r.Route("/v1", func(r chi.Router) {
			if cfg.APIKey != "" {
				r.Use(apiKeyMiddleware(cfg.APIKey))
			}
			r.Post("/directory", s.enqueueDirectory)
			r.Post("/discovery", s.enqueueDiscovery)
			r.Post("/scraper", s.enqueueScraper)
		})
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	StartedAt time.Time               `json:"started_at"`
	Slots     []dispatcher.SlotStatus `json:"slots"`
	Tasks     []daemon.TaskStatus     `json:"tasks"`
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{StartedAt: s.started}
	if s.status != nil {
		resp.Slots = s.status.Slots()
		resp.Tasks = s.status.Tasks()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type directoryRequest struct {
	URL           string `json:"url"`
	LinkPattern   string `json:"link_pattern"`
	BaseURLFilter string `json:"base_url_filter"`
}

type discoveryRequest struct {
	Region  string   `json:"region"`
	Queries []string `json:"queries"`
}

type scraperRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	City string `json:"city"`
}

func (s *Server) enqueueDirectory(w http.ResponseWriter, r *http.Request) {
	var req directoryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	s.enqueue(w, r, queue.KindDirectory, func(ctx context.Context) (string, error) {
		return s.enqueuer.EnqueueDirectory(ctx, queue.DirectoryItem{
			URL:           req.URL,
			LinkPattern:   req.LinkPattern,
			BaseURLFilter: req.BaseURLFilter,
		})
	})
}

func (s *Server) enqueueDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Region) == "" {
		s.writeError(w, http.StatusBadRequest, "region required")
		return
	}
	s.enqueue(w, r, queue.KindDiscovery, func(ctx context.Context) (string, error) {
		return s.enqueuer.EnqueueDiscovery(ctx, queue.DiscoveryTask{
			RegionName:    req.Region,
			SearchQueries: req.Queries,
		})
	})
}

func (s *Server) enqueueScraper(w http.ResponseWriter, r *http.Request) {
	var req scraperRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	s.enqueue(w, r, queue.KindScraperDev, func(ctx context.Context) (string, error) {
		return s.enqueuer.EnqueueScraperDev(ctx, queue.ScraperDevRequest{
			SourceURL:  req.URL,
			SourceName: req.Name,
			City:       req.City,
		})
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind queue.Kind, fn func(context.Context) (string, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	id, err := fn(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Warn("enqueue failed", zap.String("kind", string(kind)), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	s.logger.Info("item enqueued", zap.String("kind", string(kind)), zap.String("item_id", id))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "kind": string(kind)})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
