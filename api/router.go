package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/metrics"
	"github.com/youssefsiam38/chatcompact/storage"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 8 << 20

// Config holds API router configuration.
type Config struct {
	// Handler runs POST /api/compress. When nil every compress request
	// fails with "Compression model not configured".
	Handler *compaction.CompressionHandler

	// Store backs the thread routes. The routes are not mounted when nil.
	Store storage.ThreadStore

	// Models resolve the budget of payload previews that name a model.
	Models []compaction.Model

	Estimator compaction.TokenEstimator
	Metrics   *metrics.Metrics
	Logger    compaction.Logger

	// MaxBodyBytes caps request bodies.
	// Default: 8 MiB
	MaxBodyBytes int64
}

// router holds the API router state.
type router struct {
	handler   *compaction.CompressionHandler
	store     storage.ThreadStore
	models    []compaction.Model
	estimator compaction.TokenEstimator
	metrics   *metrics.Metrics
	logger    compaction.Logger
}

// NewRouter creates the HTTP handler for the compaction API.
func NewRouter(cfg *Config) http.Handler {
	if cfg == nil {
		cfg = &Config{}
	}

	rt := &router{
		handler:   cfg.Handler,
		store:     cfg.Store,
		models:    cfg.Models,
		estimator: cfg.Estimator,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if rt.handler == nil {
		rt.handler = compaction.NewCompressionHandler(nil)
	}
	if rt.estimator == nil {
		rt.estimator = compaction.CharEstimator{}
	}
	if rt.logger == nil {
		rt.logger = compaction.NopLogger()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(recoveryMiddleware(rt.logger))
	r.Use(metricsMiddleware(rt.metrics))

	r.Get("/healthz", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(maxBodyMiddleware(maxBody))
		r.Post("/compress", rt.handleCompress)
		r.Post("/payload", rt.handlePayload)
		if rt.store != nil {
			r.Get("/threads/{id}/compression", rt.handleThreadCompression)
		}
	})

	return r
}

// recoveryMiddleware recovers from panics and returns 500.
func recoveryMiddleware(logger compaction.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// metricsMiddleware counts requests by route pattern and status code.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.RecordHTTPRequest(route, status)
		})
	}
}

func maxBodyMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
