package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "rounds_total",
			Help:      "Agreement rounds by outcome.",
		},
		[]string{"outcome"},
	)

	RoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "flock",
			Name:      "round_duration_seconds",
			Help:      "Time from round start to decision or failure.",
			// 1ms .. ~16s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	LiveUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "live_units",
			Help:      "Units in the frozen set of the last round.",
		},
	)

	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "acks_total",
			Help:      "Acks received, by how they were handled.",
		},
		[]string{"result"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "requests_total",
			Help:      "Ground station requests by outcome.",
		},
		[]string{"outcome"},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "in_flight_requests",
			Help:      "Ground station requests waiting for a decision.",
		},
	)

	RegistryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "registry_events_total",
			Help:      "Peer registry changes.",
		},
		[]string{"event"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RoundsTotal, RoundDuration, LiveUnits, AcksTotal, RequestsTotal, InFlight, RegistryEvents, buildInfo, uptime)
}

// Handler serves /metrics and /healthz.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
