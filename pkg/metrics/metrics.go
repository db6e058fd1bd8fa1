// Package metrics declares the Prometheus collectors shared by the sync
// server and client.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Sessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "session",
		Name:      "opened_total",
		Help:      "Number of sync sessions that have been opened.",
	})

	SessionFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "session",
		Name:      "faults_total",
		Help:      "Number of sessions ended by a fault, by fault kind.",
	}, []string{"kind"})

	BatchesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "apply",
		Name:      "batches_total",
		Help:      "Number of batches fully applied to the target store.",
	}, []string{"table"})

	RowsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "apply",
		Name:      "rows_total",
		Help:      "Number of rows upserted into the target store.",
	}, []string{"table"})

	ApplyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "apply",
		Name:      "failures_total",
		Help:      "Number of batches rolled back because a row failed to apply.",
	}, []string{"table"})

	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tablesync",
		Subsystem: "producer",
		Name:      "cycles_total",
		Help:      "Number of per-table sync cycles, by result.",
	}, []string{"table", "result"})

	Watermark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tablesync",
		Subsystem: "producer",
		Name:      "watermark",
		Help:      "Last confirmed row identifier per table.",
	}, []string{"table"})
)

func init() {
	prometheus.MustRegister(Sessions)
	prometheus.MustRegister(SessionFaults)
	prometheus.MustRegister(BatchesApplied)
	prometheus.MustRegister(RowsUpserted)
	prometheus.MustRegister(ApplyFailures)
	prometheus.MustRegister(Cycles)
	prometheus.MustRegister(Watermark)
}
