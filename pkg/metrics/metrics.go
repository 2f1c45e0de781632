// Package metrics wires OpenTelemetry tracing and Prometheus metrics
// around the proxy lifecycle: span-per-operation tracing plus counters
// and histograms a cluster operator would actually alert on.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns tracing and metrics for one proxycore instance: a
// tracer for span-per-operation instrumentation, and the Prometheus
// registry served from /metrics.
type Manager struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider

	registry *prometheus.Registry

	proxyStarts    *prometheus.CounterVec
	proxyStartFail *prometheus.CounterVec
	proxyStops     *prometheus.CounterVec
	startDuration  *prometheus.HistogramVec
	seatsUnclaimed *prometheus.GaugeVec
	reconcileTotal *prometheus.CounterVec
}

// New builds a Manager with a stdout span exporter, matching the
// pack's default of always having a working exporter with no external
// collector dependency — swap the exporter at startup for a real OTLP
// endpoint without touching call sites.
func New(serviceName string) (*Manager, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(nullWriter{}))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	reg := prometheus.NewRegistry()

	m := &Manager{
		tracer:   tp.Tracer(serviceName),
		tp:       tp,
		registry: reg,
		proxyStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxycore_proxy_starts_total",
			Help: "Total successful proxy starts.",
		}, []string{"spec_id"}),
		proxyStartFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxycore_proxy_start_failures_total",
			Help: "Total failed proxy starts.",
		}, []string{"spec_id"}),
		proxyStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxycore_proxy_stops_total",
			Help: "Total proxy stops.",
		}, []string{"spec_id"}),
		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxycore_proxy_start_duration_seconds",
			Help:    "Wall time from reservation to Up.",
			Buckets: prometheus.DefBuckets,
		}, []string{"spec_id"}),
		seatsUnclaimed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxycore_seats_unclaimed",
			Help: "Currently unclaimed seats, per spec.",
		}, []string{"spec_id"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxycore_scaler_reconciles_total",
			Help: "Reconcile iterations performed while leader.",
		}, []string{"spec_id"}),
	}

	reg.MustRegister(m.proxyStarts, m.proxyStartFail, m.proxyStops, m.startDuration, m.seatsUnclaimed, m.reconcileTotal)

	return m, nil
}

// Handler returns the /metrics HTTP handler.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.tp.Shutdown(ctx)
}

// StartSpan begins a span for operation, tagged with specID.
func (m *Manager) StartSpan(ctx context.Context, operation, specID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, operation, trace.WithAttributes(attribute.String("spec_id", specID)))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) ObserveStart(specID string, d time.Duration) {
	m.proxyStarts.WithLabelValues(specID).Inc()
	m.startDuration.WithLabelValues(specID).Observe(d.Seconds())
}

func (m *Manager) ObserveStartFailure(specID string) {
	m.proxyStartFail.WithLabelValues(specID).Inc()
}

func (m *Manager) ObserveStop(specID string) {
	m.proxyStops.WithLabelValues(specID).Inc()
}

func (m *Manager) SetUnclaimedSeats(specID string, n int) {
	m.seatsUnclaimed.WithLabelValues(specID).Set(float64(n))
}

func (m *Manager) ObserveReconcile(specID string) {
	m.reconcileTotal.WithLabelValues(specID).Inc()
}

// nullWriter discards span output; a real deployment points
// stdouttrace at os.Stdout or swaps in an OTLP exporter, but the test
// and default-binary path should not spam stdout with span JSON.
type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
