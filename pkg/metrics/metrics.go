package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	StationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_stations_total",
			Help: "Total number of stations in the registry",
		},
	)

	StationsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_stations_live",
			Help: "Number of stations with a heartbeat inside the liveness window",
		},
	)

	// Runtime metrics
	ObjectsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_objects_loaded",
			Help: "Number of objects loaded in the runtime cache",
		},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_tasks_active",
			Help: "Number of active task records",
		},
	)

	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_requests_total",
			Help: "Total number of API requests by method and kind",
		},
		[]string{"method", "kind"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Routing metrics
	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_forwards_total",
			Help: "Total number of requests forwarded to another station by kind",
		},
		[]string{"kind"},
	)

	// Replication metrics
	ReplicationQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_replication_queue_depth",
			Help: "Number of replication jobs waiting in the pool queue",
		},
	)

	ReplicationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_replication_attempts_total",
			Help: "Total number of replication attempts by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Scheduler metrics
	ScheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_scheduled_runs_total",
			Help: "Total number of scheduled handler runs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StationsTotal)
	prometheus.MustRegister(StationsLive)
	prometheus.MustRegister(ObjectsLoaded)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ForwardsTotal)
	prometheus.MustRegister(ReplicationQueueDepth)
	prometheus.MustRegister(ReplicationAttempts)
	prometheus.MustRegister(ScheduledRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
