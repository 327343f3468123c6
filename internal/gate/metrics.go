package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts admission decisions.
	// Labels: gate (context name), severity (safe, warn, block), tier
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by severity and risk tier",
		},
		[]string{"gate", "severity", "tier"},
	)

	// BlocksByCheck counts blocked decisions by the check that blocked them.
	// Labels: gate, check (command, path, confirmation, budget, internal)
	BlocksByCheck = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gate",
			Name:      "blocks_total",
			Help:      "Total number of blocked admissions by failing check",
		},
		[]string{"gate", "check"},
	)

	// BudgetCurrent reports the exploration budget level after each decision.
	BudgetCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "budget",
			Name:      "current",
			Help:      "Current exploration budget level",
		},
		[]string{"gate"},
	)
)

func observeDecision(gateName string, d Decision, check string) {
	DecisionsTotal.WithLabelValues(gateName, string(d.Severity), string(d.Tier)).Inc()
	if !d.Allowed {
		BlocksByCheck.WithLabelValues(gateName, check).Inc()
	}
}
