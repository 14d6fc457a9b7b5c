package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tenantauth_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Auth metrics.
var (
	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantauth_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenantauth_refresh_total",
			Help: "Refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantauth_sessions_revoked_total",
		Help: "Sessions marked revoked by logout, revocation or security violation.",
	})

	membershipsAutoCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantauth_memberships_auto_created_total",
		Help: "Store memberships created implicitly for high-privilege accounts.",
	})

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenantauth_audit_dropped_total",
		Help: "Audit events dropped because the dispatcher buffer was full.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			loginTotal, refreshTotal, sessionsRevokedTotal,
			membershipsAutoCreatedTotal, auditDroppedTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login outcome such as "success" or "locked".
func ObserveLogin(outcome string) { loginTotal.WithLabelValues(outcome).Inc() }

// ObserveRefresh counts a refresh outcome.
func ObserveRefresh(outcome string) { refreshTotal.WithLabelValues(outcome).Inc() }

// AddSessionsRevoked adds n revoked sessions.
func AddSessionsRevoked(n int) {
	if n > 0 {
		sessionsRevokedTotal.Add(float64(n))
	}
}

// IncMembershipAutoCreated counts one implicit membership.
func IncMembershipAutoCreated() { membershipsAutoCreatedTotal.Inc() }

// IncAuditDropped counts one dropped audit event.
func IncAuditDropped() { auditDroppedTotal.Inc() }

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures in-flight requests, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers out of request paths so label
// cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "auth" && parts[2] == "sessions" {
		return "/v1/auth/sessions/:id"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
