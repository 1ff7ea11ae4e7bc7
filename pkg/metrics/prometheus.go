package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics, exported on /metrics.
var (
	Samples = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "netprobe_samples",
			Help: "A histogram of samples: milliseconds for ping, Mbps for download and upload.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"kind"},
	)
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_requests_total",
			Help: "Number of outgoing measurement requests per phase.",
		},
		[]string{"phase"},
	)
	ProbeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_probe_errors_total",
			Help: "Number of failed measurement requests of each kind for each phase.",
		},
		[]string{"phase", "error"},
	)
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_runs_total",
			Help: "Number of completed speed test runs.",
		},
		[]string{"result"},
	)
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netprobe_active_runs",
			Help: "A gauge of speed test runs in progress.",
		},
	)
)
