package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attendsync"

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	syncRunsTotal       *prometheus.CounterVec
	syncRunDuration     prometheus.Histogram
	punchesTotal        *prometheus.CounterVec
	watchPollsTotal     *prometheus.CounterVec
	loginEventsTotal    prometheus.Counter
	watchSessions       prometheus.Gauge
	deviceReachable     *prometheus.GaugeVec
}

// New creates a fresh Metrics registry with HTTP, sync and watch metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	syncRunsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Device sync runs by outcome",
	}, []string{"outcome"})

	syncRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Duration of single-device sync runs from reachability check to disconnect",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	punchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "punches_total",
		Help:      "Punches handled by sync runs, by result",
	}, []string{"result"})

	watchPollsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_polls_total",
		Help:      "Realtime watch polls by outcome",
	}, []string{"outcome"})

	loginEventsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_events_total",
		Help:      "Logins detected by realtime watch loops",
	})

	watchSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watch_sessions",
		Help:      "Devices currently being watched",
	})

	deviceReachable := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_reachable",
		Help:      "Last reachability probe result per machine (1 online, 0 offline)",
	}, []string{"machine"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		syncRunsTotal,
		syncRunDuration,
		punchesTotal,
		watchPollsTotal,
		loginEventsTotal,
		watchSessions,
		deviceReachable,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		syncRunsTotal:       syncRunsTotal,
		syncRunDuration:     syncRunDuration,
		punchesTotal:        punchesTotal,
		watchPollsTotal:     watchPollsTotal,
		loginEventsTotal:    loginEventsTotal,
		watchSessions:       watchSessions,
		deviceReachable:     deviceReachable,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncSyncRun counts a finished run. outcome is "succeeded", "failed" or "preview".
func (m *Metrics) IncSyncRun(outcome string) {
	if m == nil {
		return
	}
	m.syncRunsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSyncRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.syncRunDuration.Observe(duration.Seconds())
}

// AddPunches adds n to the punch counter for result ("saved", "duplicate",
// "unregistered", "error").
func (m *Metrics) AddPunches(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.punchesTotal.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) IncWatchPoll(outcome string) {
	if m == nil {
		return
	}
	m.watchPollsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncLoginEvent() {
	if m == nil {
		return
	}
	m.loginEventsTotal.Inc()
}

func (m *Metrics) SetWatchSessions(n int) {
	if m == nil {
		return
	}
	m.watchSessions.Set(float64(n))
}

func (m *Metrics) SetDeviceReachable(machine string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.deviceReachable.WithLabelValues(machine).Set(v)
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
