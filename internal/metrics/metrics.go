// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	admissionDeniedTotal       prometheus.Counter
	resourceUsageRatio         *prometheus.GaugeVec
	urlClaimsTotal             *prometheus.CounterVec
	jobsSpawnedTotal           prometheus.Counter
	lockLostTotal              prometheus.Counter
	stalledRecoveredTotal      prometheus.Counter
	crawlsTotal                *prometheus.CounterVec
	queueDepth                 *prometheus.GaugeVec
	scrapesTotal               *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbackTotal        *prometheus.CounterVec
	notifyDroppedTotal         prometheus.Counter
	notifySinkErrorsTotal      *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_pages_total",
				Help: "Total number of pages scraped, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlq_job_duration_seconds",
				Help:    "Histogram of job processing time, labeled by mode.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlq_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		admissionDeniedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlq_admission_denied_total",
				Help: "Polling ticks skipped because the host was over its resource thresholds.",
			},
		)

		resourceUsageRatio = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlq_resource_usage_ratio",
				Help: "Last sampled host utilization, labeled by resource.",
			},
			[]string{"resource"},
		)

		urlClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_url_claims_total",
				Help: "Frontier claim attempts, labeled by result.",
			},
			[]string{"result"},
		)

		jobsSpawnedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlq_jobs_spawned_total",
				Help: "Child jobs enqueued from discovered links.",
			},
		)

		lockLostTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlq_job_lock_lost_total",
				Help: "Jobs abandoned because their lock could not be renewed.",
			},
		)

		stalledRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlq_stalled_jobs_recovered_total",
				Help: "Active jobs returned to waiting after their lock expired.",
			},
		)

		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_crawls_total",
				Help: "Crawl lifecycle transitions, labeled by state.",
			},
			[]string{"state"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlq_queue_depth",
				Help: "Jobs in the queue, labeled by state.",
			},
			[]string{"state"},
		)

		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_scrapes_total",
				Help: "Scrape engine calls, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlq_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_robots_fallback_total",
				Help: "robots.txt fetches that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		notifyDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlq_notify_dropped_total",
				Help: "Events dropped because the notification buffer was full.",
			},
		)

		notifySinkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlq_notify_sink_errors_total",
				Help: "Notification sink delivery failures, labeled by sink.",
			},
			[]string{"sink"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage counts a scraped page.
func ObservePage(site string, statusCode int) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(site), strconv.Itoa(statusCode)).Inc()
}

// ObserveJob records a terminal job transition and its duration.
func ObserveJob(status, mode string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveJobStatus counts a job transition that has no meaningful duration,
// such as a requeue or a failure settled by stalled recovery.
func ObserveJobStatus(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveAdmissionDenied counts a skipped polling tick.
func ObserveAdmissionDenied() {
	Init()
	admissionDeniedTotal.Inc()
}

// SetResourceUsage publishes the latest utilization sample.
func SetResourceUsage(cpu, memory float64) {
	Init()
	resourceUsageRatio.WithLabelValues("cpu").Set(cpu)
	resourceUsageRatio.WithLabelValues("memory").Set(memory)
}

// ObserveClaim counts a frontier claim attempt.
func ObserveClaim(won bool) {
	Init()
	result := "lost"
	if won {
		result = "won"
	}
	urlClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveSpawn counts an enqueued child job.
func ObserveSpawn() {
	Init()
	jobsSpawnedTotal.Inc()
}

// ObserveLockLost counts a job abandoned on renewal failure.
func ObserveLockLost() {
	Init()
	lockLostTotal.Inc()
}

// ObserveStalledRecovered counts jobs returned to waiting.
func ObserveStalledRecovered(n int) {
	Init()
	stalledRecoveredTotal.Add(float64(n))
}

// ObserveCrawl counts a crawl lifecycle transition.
func ObserveCrawl(state string) {
	Init()
	crawlsTotal.WithLabelValues(state).Inc()
}

// SetQueueDepth publishes queue counts.
func SetQueueDepth(waiting, active int64) {
	Init()
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
}

// ObserveScrape counts an engine call.
func ObserveScrape(engine, outcome string) {
	Init()
	scrapesTotal.WithLabelValues(engine, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots fetch that assumed allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbackTotal.WithLabelValues(reason).Inc()
}

// ObserveNotifyDropped counts an event dropped by the notification hub.
func ObserveNotifyDropped() {
	Init()
	notifyDroppedTotal.Inc()
}

// ObserveNotifySinkError counts a failed sink delivery.
func ObserveNotifySinkError(sink string) {
	Init()
	notifySinkErrorsTotal.WithLabelValues(sink).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
