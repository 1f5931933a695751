package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yegors/whisper-gateway/internal/metrics"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

// RouterConfig holds the HTTP-level settings of the router
type RouterConfig struct {
	CORSAllowedOrigins []string
}

// Router wires the handlers into a chi mux
type Router struct {
	handler *Handler
	metrics *metrics.Metrics
	config  RouterConfig
	logger  *logger.Logger
}

// NewRouter creates a new router. A nil metrics disables /metrics.
func NewRouter(handler *Handler, m *metrics.Metrics, cfg RouterConfig, logger *logger.Logger) *Router {
	return &Router{
		handler: handler,
		metrics: m,
		config:  cfg,
		logger:  logger.Named("router"),
	}
}

// Routes returns the HTTP handler for the service
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(rt.metrics))

	if len(rt.config.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.config.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/", rt.handler.GetRoot)
	r.Get("/health", rt.handler.GetHealth)
	r.Get("/models", rt.handler.GetModels)
	r.Post("/transcribe", rt.handler.Transcribe)
	r.Post("/transcribe-url", rt.handler.TranscribeURL)

	docs := NewDocsHandler(rt.logger)
	r.Method(http.MethodGet, "/docs", docs)
	r.Method(http.MethodGet, "/openapi.json", docs)

	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	return r
}

// requestLogger logs one line per request with its outcome
func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logger.Field{
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", status),
				logger.Int("bytes", ww.BytesWritten()),
				logger.Duration("duration", time.Since(start)),
				logger.String("request_id", middleware.GetReqID(r.Context())),
				logger.String("remote", r.RemoteAddr),
			}
			if status >= http.StatusInternalServerError {
				rt.logger.Warn("Request completed", fields...)
				return
			}
			rt.logger.Debug("Request completed", fields...)
		}()

		next.ServeHTTP(ww, r)
	})
}
