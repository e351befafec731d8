// Package metrics exposes Prometheus collectors for the estimator service.
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
	poolJobsTotal              *prometheus.CounterVec
	poolJobDurationSeconds     *prometheus.HistogramVec
	poolWorkers                prometheus.Gauge
	poolBusyWorkers            prometheus.Gauge
	poolQueueDepth             prometheus.Gauge
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	analysesTotal              *prometheus.CounterVec
	analysisDurationSeconds    prometheus.Histogram
	openPages                  prometheus.Gauge
	fetchRedirectsTotal        prometheus.Counter
	fetchesTotal               *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once

	sites = newSiteLabeler(maxSiteLabels)
)

// maxSiteLabels caps the distinct site label values one process exports.
// Sites arrive from user-submitted URLs, so the set is otherwise unbounded.
const maxSiteLabels = 100

// OtherSite is the label for sites seen after the label budget is spent.
const OtherSite = "other"

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "estimator_pool_jobs_total",
				Help: "Transform jobs settled by the worker pool, labeled by profile and status.",
			},
			[]string{"profile", "status"},
		)

		poolJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "estimator_pool_job_duration_seconds",
				Help:    "Time spent executing a transform job inside a worker.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"profile"},
		)

		poolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "estimator_pool_workers",
			Help: "Number of live workers in the transform pool.",
		})

		poolBusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "estimator_pool_busy_workers",
			Help: "Number of workers currently executing a job.",
		})

		poolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "estimator_pool_queue_depth",
			Help: "Number of jobs waiting for a free worker.",
		})

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "estimator_cache_lookups_total",
				Help: "Result cache lookups, labeled by store and hit/miss.",
			},
			[]string{"store", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "estimator_cache_evictions_total",
				Help: "Entries evicted from a result cache store.",
			},
			[]string{"store"},
		)

		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "estimator_page_analyses_total",
				Help: "Headless page analyses, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		analysisDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "estimator_page_analysis_duration_seconds",
			Help:    "Histogram of headless page analysis durations.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		})

		openPages = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "estimator_browser_open_pages",
			Help: "Browser tabs currently open on the shared session.",
		})

		fetchRedirectsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "estimator_fetch_redirects_total",
			Help: "Redirects followed by the script fetcher.",
		})

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "estimator_fetches_total",
				Help: "Script fetches, labeled by site and status class.",
			},
			[]string{"site", "status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "estimator_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-host fetch limits.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
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

// siteLabeler admits the first limit distinct sites as label values and
// folds every later site into OtherSite.
type siteLabeler struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
}

func newSiteLabeler(limit int) *siteLabeler {
	return &siteLabeler{limit: limit, seen: make(map[string]struct{})}
}

func (l *siteLabeler) label(rawURL string) string {
	site := SanitizeSite(rawURL)
	if site == "unknown" {
		return site
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[site]; ok {
		return site
	}
	if len(l.seen) >= l.limit {
		return OtherSite
	}
	l.seen[site] = struct{}{}
	return site
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoolJob records a settled transform job.
func ObservePoolJob(profile, status string, duration time.Duration) {
	Init()
	poolJobsTotal.WithLabelValues(profile, status).Inc()
	poolJobDurationSeconds.WithLabelValues(profile).Observe(duration.Seconds())
}

// SetPoolState publishes the pool's worker and queue gauges.
func SetPoolState(workers, busy, queued int) {
	Init()
	poolWorkers.Set(float64(workers))
	poolBusyWorkers.Set(float64(busy))
	poolQueueDepth.Set(float64(queued))
}

// ObserveCacheLookup records a hit or miss against a named store.
func ObserveCacheLookup(store string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(store, result).Inc()
}

// ObserveCacheEviction records an LRU eviction.
func ObserveCacheEviction(store string) {
	Init()
	cacheEvictionsTotal.WithLabelValues(store).Inc()
}

// ObserveAnalysis records a finished page analysis.
func ObserveAnalysis(site, status string, duration time.Duration) {
	Init()
	analysesTotal.WithLabelValues(sites.label(site), status).Inc()
	analysisDurationSeconds.Observe(duration.Seconds())
}

// IncOpenPages increments the open browser tab gauge.
func IncOpenPages() {
	Init()
	openPages.Inc()
}

// DecOpenPages decrements the open browser tab gauge.
func DecOpenPages() {
	Init()
	openPages.Dec()
}

// ObserveFetch records a completed script fetch.
func ObserveFetch(site string, code int) {
	Init()
	fetchesTotal.WithLabelValues(sites.label(site), statusClass(code)).Inc()
}

// ObserveRedirect increments the redirect counter.
func ObserveRedirect() {
	Init()
	fetchRedirectsTotal.Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(sites.label(site)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
