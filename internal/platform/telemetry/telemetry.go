// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for
// the CDS Hooks service.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "cds"

// Config holds telemetry configuration.
type Config struct {
	ServiceName string
	// Registerer receives all collectors; nil means prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer serves /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Metrics exposes counters and histograms for the evaluation pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	cards              *prometheus.CounterVec
	terminologyCache   *prometheus.CounterVec
	discoveryTemplates prometheus.Counter
	breakerState       *prometheus.GaugeVec
	gatherer           prometheus.Gatherer
}

// NewMetrics creates and registers the service collectors.
func NewMetrics(cfg Config) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "total",
			Help:      "Hook evaluations by service, hook and outcome",
		}, []string{"service", "hook", "outcome"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "duration_seconds",
			Help:      "Latency of a full hook evaluation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		cards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "cards_total",
			Help:      "Cards returned by service and indicator",
		}, []string{"service", "indicator"}),
		terminologyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminology",
			Name:      "cache_lookups_total",
			Help:      "Value set expansion cache lookups by result",
		}, []string{"result"}),
		discoveryTemplates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "templates_total",
			Help:      "Prefetch templates generated during discovery",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
		gatherer: cfg.Gatherer,
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if m.gatherer == nil {
		m.gatherer = prometheus.DefaultGatherer
	}
	reg.MustRegister(
		m.httpRequests, m.httpDuration,
		m.evaluations, m.evaluationDuration, m.cards,
		m.terminologyCache, m.discoveryTemplates, m.breakerState,
	)
	return m
}

func (m *Metrics) ObserveEvaluation(service, hook, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(service, hook, outcome).Inc()
	m.evaluationDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) ObserveCard(service, indicator string) {
	if m == nil {
		return
	}
	m.cards.WithLabelValues(service, indicator).Inc()
}

// ObserveTerminologyCache records a cache lookup; result is hit, miss or remote_hit.
func (m *Metrics) ObserveTerminologyCache(result string) {
	if m == nil {
		return
	}
	m.terminologyCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDiscoveryTemplates(n int) {
	if m == nil {
		return
	}
	m.discoveryTemplates.Add(float64(n))
}

// SetBreakerState records the numeric state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// MetricsMiddleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.httpRequests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves metrics in Prometheus text exposition format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	g := prometheus.DefaultGatherer
	if m != nil && m.gatherer != nil {
		g = m.gatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// TracingMiddleware starts a server span per request named
// "HTTP {method} {route}".
func TracingMiddleware(serviceName string) echo.MiddlewareFunc {
	tracer := Tracer(serviceName)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			return err
		}
	}
}
