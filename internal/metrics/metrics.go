package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "sync_runs_total",
			Help:      "Finished sync runs by account and final status.",
		},
		[]string{"account", "status"},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "sync_items_total",
			Help:      "Processed messages by account and outcome reason.",
		},
		[]string{"account", "reason"},
	)

	imapErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostsync",
			Name:      "imap_errors_total",
			Help:      "IMAP connect and fetch errors by account and kind.",
		},
		[]string{"account", "kind"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hostsync",
			Name:      "sync_run_duration_seconds",
			Help:      "Wall time of a sync run per account.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"account"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncRuns, syncItems, imapErrors, runDuration)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncRun records a finished run with its final status.
func IncRun(account, status string) {
	syncRuns.WithLabelValues(account, status).Inc()
}

// IncItem records a processed message outcome.
func IncItem(account, reason string) {
	syncItems.WithLabelValues(account, reason).Inc()
}

// IncIMAPError records a connect or fetch failure.
func IncIMAPError(account, kind string) {
	imapErrors.WithLabelValues(account, kind).Inc()
}

// ObserveRunDuration records how long one account's run took.
func ObserveRunDuration(account string, d time.Duration) {
	runDuration.WithLabelValues(account).Observe(d.Seconds())
}
