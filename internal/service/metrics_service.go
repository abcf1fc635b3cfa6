package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot is a JSON-friendly summary of the in-process counters.
type MetricsSnapshot struct {
	CacheHitRatio            float64           `json:"cache_hit_ratio"`
	CacheHits                uint64            `json:"cache_hits"`
	CacheMisses              uint64            `json:"cache_misses"`
	RequestsTotal            uint64            `json:"requests_total"`
	AverageRequestDurationMs float64           `json:"average_request_duration_ms"`
	Signatures               map[string]uint64 `json:"signatures"`
	EmailsSent               uint64            `json:"emails_sent"`
	EmailsFailed             uint64            `json:"emails_failed"`
	SweptPresences           uint64            `json:"swept_presences"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	signatures      *prometheus.CounterVec
	emails          *prometheus.CounterVec
	sweepTransition prometheus.Counter
	exportJobs      *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	emailSentCount       uint64
	emailFailedCount     uint64
	sweptCount           uint64
	signatureCounts      map[string]*uint64
}

var signatureOutcomes = []string{"PRESENT", "LATE", "DEJA_SIGNE", "TOKEN_INVALIDE", "APPEL_CLOTURE", "LIEN_EXPIRE"}

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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_signatures_total",
		Help: "Signature attempts by outcome",
	}, []string{"outcome"})

	emails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_emails_total",
		Help: "Signature emails by delivery result",
	}, []string{"result"})

	sweepTransition := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sweep_presences_total",
		Help: "Pending presences moved to NOT_SIGNED by the expiry sweep",
	})

	exportJobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_export_jobs_total",
		Help: "Finished attendance sheet exports by format and status",
	}, []string{"format", "status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		signatures, emails, sweepTransition, exportJobs, goroutines)

	counts := make(map[string]*uint64, len(signatureOutcomes))
	for _, outcome := range signatureOutcomes {
		counts[outcome] = new(uint64)
	}

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		signatures:      signatures,
		emails:          emails,
		sweepTransition: sweepTransition,
		exportJobs:      exportJobs,
		signatureCounts: counts,
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

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordSignature counts a signature attempt. outcome is the resulting status or error code.
func (m *MetricsService) RecordSignature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(outcome).Inc()
	if counter, ok := m.signatureCounts[outcome]; ok {
		atomic.AddUint64(counter, 1)
	}
}

// RecordEmails counts delivered and failed signature emails.
func (m *MetricsService) RecordEmails(sent, failed int) {
	if m == nil {
		return
	}
	if sent > 0 {
		m.emails.WithLabelValues("sent").Add(float64(sent))
		atomic.AddUint64(&m.emailSentCount, uint64(sent))
	}
	if failed > 0 {
		m.emails.WithLabelValues("failed").Add(float64(failed))
		atomic.AddUint64(&m.emailFailedCount, uint64(failed))
	}
}

// RecordSweep counts presences the expiry sweep moved to NOT_SIGNED.
func (m *MetricsService) RecordSweep(transitioned int) {
	if m == nil || transitioned <= 0 {
		return
	}
	m.sweepTransition.Add(float64(transitioned))
	atomic.AddUint64(&m.sweptCount, uint64(transitioned))
}

// RecordExport counts a finished export job.
func (m *MetricsService) RecordExport(format, status string) {
	if m == nil {
		return
	}
	m.exportJobs.WithLabelValues(format, status).Inc()
}

// Snapshot returns aggregated metrics suitable for the ops endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	totalLookups := hits + misses
	if totalLookups > 0 {
		cacheRatio = float64(hits) / float64(totalLookups)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	signatures := make(map[string]uint64, len(m.signatureCounts))
	for outcome, counter := range m.signatureCounts {
		signatures[outcome] = atomic.LoadUint64(counter)
	}

	return MetricsSnapshot{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Signatures:               signatures,
		EmailsSent:               atomic.LoadUint64(&m.emailSentCount),
		EmailsFailed:             atomic.LoadUint64(&m.emailFailedCount),
		SweptPresences:           atomic.LoadUint64(&m.sweptCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
