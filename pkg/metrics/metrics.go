package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Loop metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plancton_ticks_total",
			Help: "Total number of completed control-loop ticks",
		},
	)

	CPUEfficiency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plancton_cpu_efficiency_percent",
			Help: "Whole-host CPU utilisation over the last tick",
		},
	)

	CPUQuota = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plancton_cpu_quota_percent",
			Help: "Share of host CPU the agent is entitled to given its current worker count",
		},
	)

	// Worker metrics
	ContainersOwned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plancton_containers_owned",
			Help: "Number of owned containers by state",
		},
		[]string{"state"},
	)

	SpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plancton_spawns_total",
			Help: "Total number of workers spawned",
		},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plancton_evictions_total",
			Help: "Total number of workers evicted by reason",
		},
		[]string{"reason"},
	)

	// Engine metrics
	EngineRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plancton_engine_retries_total",
			Help: "Total number of retried engine calls",
		},
	)
)

// Eviction reasons
const (
	ReasonTTL       = "ttl"
	ReasonOverhead  = "overhead"
	ReasonForceStop = "force_stop"
	ReasonExited    = "exited"
	ReasonStale     = "stale"
)

// Init registers all metrics with the default registry
func Init() {
	prometheus.MustRegister(
		TicksTotal,
		CPUEfficiency,
		CPUQuota,
		ContainersOwned,
		SpawnsTotal,
		EvictionsTotal,
		EngineRetriesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the metrics HTTP server on the given address
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return server
}
