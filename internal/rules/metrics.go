package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerdictsTotal counts evaluated rules.
	// Labels: verdict (compliant, non-compliant, ignore)
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriber",
			Subsystem: "rule",
			Name:      "verdicts_total",
			Help:      "Total number of rule verdicts",
		},
		[]string{"verdict"},
	)

	// DiagnosticsTotal counts dropped and crashed rules.
	DiagnosticsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriber",
			Subsystem: "rule",
			Name:      "diagnostics_total",
			Help:      "Total number of rule diagnostics by kind",
		},
		[]string{"kind"},
	)
)
