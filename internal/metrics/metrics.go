package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bilidown",
			Name:      "download_bytes_total",
			Help:      "Bytes written to partial files.",
		},
	)

	ActiveParts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bilidown",
			Name:      "active_parts",
			Help:      "Parts currently occupying a worker slot.",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bilidown",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		},
		[]string{"state"},
	)

	PartRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bilidown",
			Name:      "part_retries_total",
			Help:      "Transient part fetch failures that were retried.",
		},
	)

	MergeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bilidown",
			Name:      "merge_failures_total",
			Help:      "External merge tool invocations that failed.",
		},
	)
)

// Register registers the bilidown metrics into the default registry.
func Register() {
	prometheus.MustRegister(DownloadBytes, ActiveParts, TasksFinished, PartRetries, MergeFailures)
}
