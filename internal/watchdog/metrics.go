package watchdog

import "github.com/prometheus/client_golang/prometheus"

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerwatch_checks_total",
			Help: "Completed watchdog checks by resulting state.",
		},
		[]string{"state"},
	)
	probeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerwatch_probe_attempts_total",
			Help: "Reachability probe attempts by target and outcome.",
		},
		[]string{"target", "result"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routerwatch_probe_duration_seconds",
			Help:    "Reachability probe duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerwatch_events_total",
			Help: "Events emitted by the watchdog.",
		},
		[]string{"kind"},
	)
	rebootFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routerwatch_reboot_failures_total",
			Help: "Failed reboot attempts by failure class.",
		},
		[]string{"reason"},
	)
	downloadSpeed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "routerwatch_download_speed_bits_per_second",
			Help: "Most recent download speed sample.",
		},
	)
)

func init() {
	prometheus.MustRegister(checksTotal, probeAttemptsTotal, probeDuration, eventsTotal, rebootFailuresTotal, downloadSpeed)
}
