// Package metrics holds the Prometheus collectors for the device.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the device's private registry, served at /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		JobsTotal, JobLatency, PrinterWriteErrors, QueueDepth,
		PowerSample, PowerCondition, SensorErrors,
		LinkState, LinkAttempts,
		SessionRebuilds, SessionUp, StatusPublished,
		prometheus.NewGoCollector(),
	)
}

// JobsTotal counts jobs by source and outcome.
var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scribe_jobs_total",
		Help: "Print jobs by source and status.",
	},
	[]string{"source", "status"}, // status: queued | printed | dropped
)

// JobLatency is the time from arrival to the end of printing.
var JobLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "scribe_job_latency_seconds",
		Help:    "Time from job arrival until it finished printing.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

var PrinterWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "scribe_printer_write_errors_total",
	Help: "Chunks lost to printer write errors.",
})

var QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "scribe_queue_depth",
	Help: "Jobs waiting in the print queue.",
})

var PowerSample = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "scribe_power_sample",
	Help: "Latest raw supply ADC reading.",
})

// PowerCondition is 0 for normal, 1 for low.
var PowerCondition = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "scribe_power_condition",
	Help: "Debounced power condition (0 normal, 1 low).",
})

var SensorErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "scribe_power_sensor_errors_total",
	Help: "Failed ADC reads.",
})

// LinkState is 0 down, 1 connecting, 2 up.
var LinkState = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "scribe_link_state",
	Help: "Wireless link state (0 down, 1 connecting, 2 up).",
})

var LinkAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scribe_link_connect_attempts_total",
		Help: "Wireless connect attempts by result.",
	},
	[]string{"result"}, // ok | error
)

var SessionRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "scribe_session_rebuilds_total",
	Help: "Broker sessions torn down and rebuilt.",
})

var SessionUp = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "scribe_session_up",
	Help: "1 while a broker session is active.",
})

var StatusPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scribe_status_published_total",
		Help: "Status messages published by state.",
	},
	[]string{"state"},
)

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
