package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records service measurements. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	provider      *metric.MeterProvider
	apiTimeMetric api.Float64Histogram
	modelLoads    api.Int64Counter
	inferenceTime api.Float64Histogram
}

// Setup bootstraps an OpenTelemetry meter exported through a private Prometheus registry
func Setup() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	meter := provider.Meter("github.com/yegors/whisper-gateway")

	apiTimeMetric, err := meter.Float64Histogram("api_call",
		api.WithDescription("api calls"), api.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	modelLoads, err := meter.Int64Counter("model_loads",
		api.WithDescription("model weight loads by model, device and outcome"))
	if err != nil {
		return nil, err
	}
	inferenceTime, err := meter.Float64Histogram("inference",
		api.WithDescription("transcription inference time"), api.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		registry:      registry,
		provider:      provider,
		apiTimeMetric: apiTimeMetric,
		modelLoads:    modelLoads,
		inferenceTime: inferenceTime,
	}, nil
}

// Handler serves the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// ObserveAPICall records a finished HTTP request
func (m *Metrics) ObserveAPICall(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.apiTimeMetric.Record(ctx, duration.Seconds(), api.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(status)),
	))
}

// ObserveModelLoad records one underlying weight load
func (m *Metrics) ObserveModelLoad(ctx context.Context, model, device string, err error) {
	if m == nil {
		return
	}
	m.modelLoads.Add(ctx, 1, api.WithAttributes(
		attribute.String("model", model),
		attribute.String("device", device),
		attribute.Bool("success", err == nil),
	))
}

// ObserveInference records one inference call
func (m *Metrics) ObserveInference(ctx context.Context, model, device string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.inferenceTime.Record(ctx, duration.Seconds(), api.WithAttributes(
		attribute.String("model", model),
		attribute.String("device", device),
		attribute.Bool("success", err == nil),
	))
}

// Middleware times every request except scrapes of /metrics itself
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Use the route pattern so path parameters don't explode cardinality
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveAPICall(r.Context(), r.Method, path, status, time.Since(start))
		})
	}
}
