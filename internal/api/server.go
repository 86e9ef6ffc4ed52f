package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/metrics"
)

// Controller is the slice of the lifecycle controller the API calls
// synchronously.
type Controller interface {
	Register(ctx context.Context, rawURL string) (crawler.Source, error)
	Configure(ctx context.Context, id string, loc crawler.Locators) (crawler.Source, error)
	DeleteSource(ctx context.Context, id string) error
	MarkForReprocessing(ctx context.Context, ids []string) error
}

// Scheduler queues fire-and-forget trigger tasks.
type Scheduler interface {
	Trigger(ctx context.Context, kind crawler.TaskKind, sourceID string) error
}

// Store is the read side the handlers render from.
type Store interface {
	GetSource(ctx context.Context, id string) (crawler.Source, error)
	ListSources(ctx context.Context) ([]crawler.Source, error)
	ListProducts(ctx context.Context, sourceID string) ([]crawler.Product, error)
	GetConfig(ctx context.Context) (crawler.GlobalConfig, error)
	UpdateConfig(ctx context.Context, cfg crawler.GlobalConfig) error
}

// Streams serves snapshot subscriptions; the notify broadcaster satisfies it.
type Streams interface {
	Subscribe(key string) (<-chan []byte, func(), error)
	Snapshot(ctx context.Context, key string) ([]byte, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	AuthEnabled    bool
	APIKeys        []string
	RequestTimeout time.Duration
	// Heartbeat is the comment interval on idle streams.
	Heartbeat time.Duration
}

// Deps bundles the collaborators of a Server.
type Deps struct {
	Controller Controller
	Scheduler  Scheduler
	Store      Store
	Streams    Streams
	Ready      []Pinger
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the controller, scheduler and store.
type Server struct {
	router    chi.Router
	ctrl      Controller
	scheduler Scheduler
	store     Store
	streams   Streams
	ready     []Pinger
	cfg       Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctrl:      deps.Controller,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		streams:   deps.Streams,
		ready:     deps.Ready,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKeys))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Route("/sources", func(r chi.Router) {
				r.Post("/", s.registerSource)
				r.Get("/", s.listSources)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.getSource)
					r.Delete("/", s.deleteSource)
					r.Put("/locators", s.configureSource)
					r.Post("/process", s.triggerSource(crawler.TaskInitial))
					r.Post("/collect", s.triggerSource(crawler.TaskCollect))
					r.Get("/products", s.listProducts)
				})
			})
			r.Post("/products/reprocess", s.reprocessProducts)
			r.Get("/config", s.getConfig)
			r.Put("/config", s.updateConfig)
		})
		// Streams stay open, so they bypass the request timeout.
		r.Get("/stream/sources", s.streamSources)
		r.Get("/stream/sources/{id}/products", s.streamProducts)
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrSourceNotFound), errors.Is(err, crawler.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrStateConflict), errors.Is(err, crawler.ErrReprocessRunning):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrInvalidLocators),
		errors.Is(err, crawler.ErrInvalidURL),
		errors.Is(err, crawler.ErrNotConfigured),
		errors.Is(err, crawler.ErrPaginationNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crawler.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

const maxBodyBytes = 1 << 20

func apiKeyMiddleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if !validKey(keys, key) {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
