// Package metrics is the ambient observability layer for the daemon: the
// rest of this codebase is entirely about asynchronous rendezvous between
// three I/O streams, which prometheus counters/gauges/histograms are well
// suited to making visible. The client_golang dependency ships in the
// teacher's go.mod unused; this package is where it earns its place.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this daemon exports.
type Registry struct {
	reg *prometheus.Registry

	PendingRequests prometheus.Gauge
	AFKSessions     prometheus.Gauge
	Resolutions     *prometheus.CounterVec
	ResolutionTime  prometheus.Histogram
	RemoteRetries   prometheus.Counter
}

// New constructs a Registry with a fresh prometheus registry (not the
// global default one, so tests can build independent instances).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "afkd",
			Name:      "pending_requests",
			Help:      "Number of in-flight permission/stop requests awaiting a verdict.",
		}),
		AFKSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "afkd",
			Name:      "afk_sessions",
			Help:      "Number of host sessions currently AFK-enabled.",
		}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afkd",
			Name:      "resolutions_total",
			Help:      "Pending requests resolved, by resolution path.",
		}, []string{"path"}),
		ResolutionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "afkd",
			Name:      "resolution_seconds",
			Help:      "Wall-clock time from request creation to resolution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2h16m)
		}),
		RemoteRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "afkd",
			Name:      "remote_chat_retries_total",
			Help:      "Retries issued by the remote-chat adapter's backoff loop.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ResolutionPath names the "path" label values for Resolutions.
type ResolutionPath string

const (
	ResolutionRemoteReply   ResolutionPath = "remote_reply"
	ResolutionTranscript    ResolutionPath = "transcript"
	ResolutionSocketClosed  ResolutionPath = "socket_closed"
	ResolutionTimeout       ResolutionPath = "timeout"
	ResolutionSessionExpiry ResolutionPath = "session_expiry"
)

// ObserveResolution records a completed resolution.
func (r *Registry) ObserveResolution(path ResolutionPath, elapsedSeconds float64) {
	r.Resolutions.WithLabelValues(string(path)).Inc()
	r.ResolutionTime.Observe(elapsedSeconds)
}
