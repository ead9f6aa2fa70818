package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawl"
	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/frontier"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// CrawlService is the crawl lifecycle the handlers drive.
type CrawlService interface {
	StartCrawl(ctx context.Context, req crawl.CrawlRequest) (string, error)
	Scrape(ctx context.Context, req crawl.ScrapeRequest) (crawl.ScrapeResult, error)
	Cancel(ctx context.Context, crawlID string) error
	Status(ctx context.Context, crawlID string) (crawl.Status, error)
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Config tunes the server.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 routes when non-empty.
	APIKey string
	// RequestTimeout bounds each request. It must exceed the scrape wait.
	RequestTimeout time.Duration
	Ready          ReadinessCheck
}

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router  chi.Router
	service CrawlService
	ready   ReadinessCheck
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service CrawlService, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	s := &Server{
		service: service,
		ready:   cfg.Ready,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/scrape", s.scrape)
		r.Post("/crawl", s.startCrawl)
		r.Get("/crawl/{crawl_id}", s.crawlStatus)
		r.Delete("/crawl/{crawl_id}", s.cancelCrawl)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL      string `json:"url"`
	TenantID string `json:"tenant_id"`
	Plan     string `json:"plan"`
	Webhook  string `json:"webhook"`
	// Async skips waiting for the worker and returns the job ID.
	Async       bool                `json:"async"`
	PageOptions crawler.PageOptions `json:"page_options"`
}

type crawlRequest struct {
	URL         string               `json:"url"`
	TenantID    string               `json:"tenant_id"`
	Plan        string               `json:"plan"`
	Webhook     string               `json:"webhook"`
	Options     crawler.CrawlOptions `json:"crawler_options"`
	PageOptions crawler.PageOptions  `json:"page_options"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	crawl.ScrapeResult
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.service.Scrape(r.Context(), crawl.ScrapeRequest{
		URL:         req.URL,
		TenantID:    req.TenantID,
		Plan:        req.Plan,
		PageOptions: req.PageOptions,
		Webhook:     req.Webhook,
		Wait:        !req.Async,
	})
	if err != nil {
		if errors.Is(err, crawl.ErrTimeout) {
			writeJSON(w, http.StatusRequestTimeout, scrapeResponse{ScrapeResult: res})
			return
		}
		s.fail(w, r, err)
		return
	}
	switch {
	case req.Async:
		writeJSON(w, http.StatusAccepted, scrapeResponse{Success: true, ScrapeResult: res})
	case res.Status == crawler.JobStatusFailed:
		writeJSON(w, http.StatusInternalServerError, scrapeResponse{ScrapeResult: res})
	default:
		writeJSON(w, http.StatusOK, scrapeResponse{Success: true, ScrapeResult: res})
	}
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if !decode(w, r, &req) {
		return
	}
	crawlID, err := s.service.StartCrawl(r.Context(), crawl.CrawlRequest{
		URL:         req.URL,
		TenantID:    req.TenantID,
		Plan:        req.Plan,
		Options:     req.Options,
		PageOptions: req.PageOptions,
		Webhook:     req.Webhook,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      crawlID,
		"url":     "/v1/crawl/" + crawlID,
	})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), chi.URLParam(r, "crawl_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	if err := s.service.Cancel(r.Context(), crawlID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": crawlID, "status": crawl.StatusCancelled})
}

// fail maps service errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crawl.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawl.ErrBlocked):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, frontier.ErrCrawlNotFound):
		writeError(w, http.StatusNotFound, "crawl not found")
	case errors.Is(err, crawl.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("Request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("Write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
