// Package metrics exposes Prometheus counters/gauges/histograms for the
// coordinator's archive cycles, following the teacher's registration and
// server-startup idiom (package-level vectors registered in init(),
// promhttp.Handler() served from a standalone net/http server).
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ArchiveCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teslausb_archive_cycles_total",
			Help: "Total archive cycles run, by terminal state",
		},
		[]string{"state"},
	)

	ArchiveFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teslausb_archive_files_total",
			Help: "Total files transferred to the archive backend",
		},
		[]string{"directory"},
	)

	ArchiveBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teslausb_archive_bytes_total",
			Help: "Total bytes transferred to the archive backend",
		},
		[]string{"directory"},
	)

	SnapshotActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "teslausb_snapshot_active",
			Help: "1 if a snapshot currently exists, 0 otherwise",
		},
	)

	IdleWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "teslausb_idle_wait_seconds",
			Help:    "Time spent waiting for the car to go idle before a cycle",
			Buckets: []float64{0, 1, 5, 15, 30, 60, 90, 120},
		},
	)

	BackingSpaceAvailableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "teslausb_backing_space_available_bytes",
			Help: "Free space on the backing volume, as of the last sizer check",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ArchiveCyclesTotal,
		ArchiveFilesTotal,
		ArchiveBytesTotal,
		SnapshotActive,
		IdleWaitSeconds,
		BackingSpaceAvailableBytes,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on
// addr. Metrics are non-critical: a failed listener is logged, not fatal.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics: server stopped: %v", err)
		}
	}()
	return srv
}
