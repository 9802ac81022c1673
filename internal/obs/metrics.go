package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the devserver.
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
)

// Client-side sync metrics.
var (
	channelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_channel_connected",
		Help: "Whether the live channel is currently connected (1) or not (0).",
	})

	channelConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_channel_connects_total",
		Help: "Total successful live channel connections.",
	})

	channelDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_channel_disconnects_total",
		Help: "Total live channel disconnections, transient or final.",
	})

	pushesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_pushes_received_total",
		Help: "Total notifications received over the live channel.",
	})

	feedFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_feed_fetches_total",
			Help: "Total paged notification fetches.",
		},
		[]string{"kind", "status"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		channelConnected, channelConnectsTotal, channelDisconnectsTotal,
		pushesReceivedTotal, feedFetchesTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetChannelConnected records the current live channel connectivity.
func SetChannelConnected(connected bool) {
	if connected {
		channelConnected.Set(1)
		channelConnectsTotal.Inc()
		return
	}
	channelConnected.Set(0)
}

// IncChannelDisconnect counts a lost connection.
func IncChannelDisconnect() { channelDisconnectsTotal.Inc() }

// IncPushReceived counts a live-pushed notification.
func IncPushReceived() { pushesReceivedTotal.Inc() }

// ObserveFeedFetch counts one paged fetch, kind is "first" or "next".
func ObserveFeedFetch(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	feedFetchesTotal.WithLabelValues(kind, status).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code for metrics labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
