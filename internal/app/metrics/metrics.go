package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/coreflux/rtcfgd/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtcfgd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtcfgd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtcfgd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	pullRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtcfgd",
			Subsystem: "pull",
			Name:      "requests_total",
			Help:      "Total number of pull frames handled, by whether they resolved as changed.",
		},
		[]string{"project", "result"},
	)

	pushNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtcfgd",
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Total number of push-engine notify frames sent to subscribers.",
		},
		[]string{"project"},
	)

	resolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rtcfgd",
			Subsystem: "resolver",
			Name:      "resolve_duration_seconds",
			Help:      "Duration of project resolution, including parent and environment overlay merges.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"project"},
	)

	busEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rtcfgd",
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Total number of notification bus events published or received.",
		},
		[]string{"direction", "func"},
	)

	connectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rtcfgd",
			Subsystem: "registry",
			Name:      "connected_sessions",
			Help:      "Current number of subscriber sessions attached to the connection registry.",
		},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		pullRequests,
		pushNotifications,
		resolutionDuration,
		busEvents,
		connectedSessions,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPull records a pull frame outcome: result is either "nochange" or
// "changed", matching wire.TypeNoChange/wire.TypeChanged.
func RecordPull(project, result string, duration time.Duration) {
	if project == "" {
		project = "unknown"
	}
	pullRequests.WithLabelValues(project, result).Inc()
	resolutionDuration.WithLabelValues(project).Observe(duration.Seconds())
}

// RecordPushNotification records one changed frame pushed by the push engine.
func RecordPushNotification(project string) {
	if project == "" {
		project = "unknown"
	}
	pushNotifications.WithLabelValues(project).Inc()
}

// RecordBusEvent records a notification bus event, direction being either
// "publish" or "receive".
func RecordBusEvent(direction, fn string) {
	if fn == "" {
		fn = "unknown"
	}
	busEvents.WithLabelValues(direction, fn).Inc()
}

// SetConnectedSessions reports the registry's current session count.
func SetConnectedSessions(count int) {
	connectedSessions.Set(float64(count))
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["project"]; ok && id != "" {
		return id
	}
	if id, ok := meta["resource"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// BackendHooks captures per-operation storage backend instrumentation
// (read/write/delete latency, broken out by backend kind).
func BackendHooks(kind string) core.ObservationHooks {
	return ObservationHooks("rtcfgd", "store_"+kind, "operations")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so /rtc/api/config/foo and
// /rtc/api/config/bar aggregate under one metrics series.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) >= 4 && parts[0] == "rtc" && parts[1] == "api" && parts[2] == "config":
		return "/rtc/api/config/:name"
	case len(parts) >= 3 && parts[0] == "rtc" && parts[1] == "api":
		return "/rtc/api/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
