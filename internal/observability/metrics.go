package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics of the API and its domain services.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	distributions     prometheus.Counter
	commissionPayouts prometheus.Counter
	commissionAmount  prometheus.Counter
	certificates      *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and domain collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarix_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solarix_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	distributions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarix_commission_distributions_total",
		Help: "Completed commission distributions.",
	})
	payouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarix_commission_payouts_total",
		Help: "Commission rows credited to upline wallets.",
	})
	amount := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarix_commission_amount_total",
		Help: "Sum of commission amounts credited.",
	})
	certificates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarix_certificates_total",
		Help: "Certificate issuance attempts by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, distributions, payouts, amount, certificates)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		distributions:     distributions,
		commissionPayouts: payouts,
		commissionAmount:  amount,
		certificates:      certificates,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveDistribution records one distribution and what it credited.
func (m *Metrics) ObserveDistribution(recipients int, amount float64) {
	if m == nil {
		return
	}
	m.distributions.Inc()
	if recipients > 0 {
		m.commissionPayouts.Add(float64(recipients))
	}
	if amount > 0 {
		m.commissionAmount.Add(amount)
	}
}

// ObserveCertificate records one issuance attempt outcome.
func (m *Metrics) ObserveCertificate(result string) {
	if m == nil {
		return
	}
	m.certificates.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
