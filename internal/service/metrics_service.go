package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the authentication core.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	loginTotal       *prometheus.CounterVec
	lockoutTotal     prometheus.Counter
	lockoutRejects   prometheus.Counter
	refreshRotations prometheus.Counter
	blacklistHits    prometheus.Counter
	rateLimitDenials *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	loginTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})

	lockoutTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failed logins",
	})

	lockoutRejects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockout_rejections_total",
		Help: "Login attempts rejected because the account was locked",
	})

	refreshRotations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Successful refresh token rotations",
	})

	blacklistHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_blacklist_hits_total",
		Help: "Requests rejected because the token was blacklisted",
	})

	rateLimitDenials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_denials_total",
		Help: "Requests denied by the rate limiter",
	}, []string{"category"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, loginTotal, lockoutTotal, lockoutRejects, refreshRotations, blacklistHits, rateLimitDenials, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		loginTotal:       loginTotal,
		lockoutTotal:     lockoutTotal,
		lockoutRejects:   lockoutRejects,
		refreshRotations: refreshRotations,
		blacklistHits:    blacklistHits,
		rateLimitDenials: rateLimitDenials,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordLogin counts a login attempt by outcome.
func (m *MetricsService) RecordLogin(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

// RecordLockout counts an account transitioning into the locked state.
func (m *MetricsService) RecordLockout() {
	if m == nil {
		return
	}
	m.lockoutTotal.Inc()
}

// RecordLockoutRejection counts a login rejected during an active lockout.
func (m *MetricsService) RecordLockoutRejection() {
	if m == nil {
		return
	}
	m.lockoutRejects.Inc()
}

// RecordRefreshRotation counts a successful refresh token rotation.
func (m *MetricsService) RecordRefreshRotation() {
	if m == nil {
		return
	}
	m.refreshRotations.Inc()
}

// RecordBlacklistHit counts a token rejected via the revocation list.
func (m *MetricsService) RecordBlacklistHit() {
	if m == nil {
		return
	}
	m.blacklistHits.Inc()
}

// RecordRateLimitDenial counts a denied admission per category.
func (m *MetricsService) RecordRateLimitDenial(category string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(category).Inc()
}

// RecordCacheOperation records cache hit/miss counts.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveCacheWrite is kept for cache service symmetry; write latency is not
// currently exported.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {}
