package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the acquisition and analysis counters.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	ReadsTotal      prometheus.Counter
	EmptyPullsTotal prometheus.Counter
	SkippedScans    prometheus.Counter
	DeviceBacklog   prometheus.Gauge
	HostBacklog     prometheus.Gauge
	AnalysesTotal   *prometheus.CounterVec
}

// New registers the metrics with the default registry once per process.
//
// Metrics:
//   - sendes_runs_total{outcome} - acquisition runs by outcome
//   - sendes_run_duration_seconds - wall time of successful runs
//   - sendes_reads_total - counted stream reads
//   - sendes_empty_pulls_total - pulls that returned no scans
//   - sendes_skipped_scans_total - scans carrying the invalid-sample marker
//   - sendes_device_backlog_scans / sendes_host_backlog_scans - last read backlog
//   - sendes_analyses_total{outcome} - window analyses
func New() *Metrics {
	once.Do(func() {
		global = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sendes_runs_total",
					Help: "Total number of acquisition runs",
				},
				[]string{"outcome"},
			),
			RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "sendes_run_duration_seconds",
				Help:    "Duration of completed acquisition runs",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			}),
			ReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sendes_reads_total",
				Help: "Total number of counted stream reads",
			}),
			EmptyPullsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sendes_empty_pulls_total",
				Help: "Total number of stream pulls that returned no scans",
			}),
			SkippedScans: promauto.NewCounter(prometheus.CounterOpts{
				Name: "sendes_skipped_scans_total",
				Help: "Total number of scans dropped by the device",
			}),
			DeviceBacklog: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sendes_device_backlog_scans",
				Help: "Device-side scan backlog reported by the last read",
			}),
			HostBacklog: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "sendes_host_backlog_scans",
				Help: "Host-side scan backlog reported by the last read",
			}),
			AnalysesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sendes_analyses_total",
					Help: "Total number of window analyses",
				},
				[]string{"outcome"},
			),
		}
	})
	return global
}
