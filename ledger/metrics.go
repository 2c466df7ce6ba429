package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's collectors. Build it with NewMetrics; a nil
// registerer yields working but unregistered collectors.
type Metrics struct {
	Operations    *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	Retries       *prometheus.CounterVec
	Incomplete    *prometheus.CounterVec
	AuditFindings *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finance_ledger",
				Name:      "operations_total",
				Help:      "Lifecycle operations by op and outcome.",
			},
			[]string{"op", "outcome"}, // outcome: ok, client_error, incomplete
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "finance_ledger",
				Name:      "operation_duration_seconds",
				Help:      "Duration of lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finance_ledger",
				Name:      "conflict_retries_total",
				Help:      "Units of work retried after a version conflict.",
			},
			[]string{"op"},
		),
		Incomplete: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "finance_ledger",
				Name:      "incomplete_operations_total",
				Help:      "Operations that failed after validation and were rolled back.",
			},
			[]string{"op"},
		),
		AuditFindings: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "finance_ledger",
				Name:      "audit_findings",
				Help:      "Findings reported by the last audit sweep, by check.",
			},
			[]string{"check"},
		),
	}
}
