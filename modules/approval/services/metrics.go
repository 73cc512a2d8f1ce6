package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	approvalDescendantStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval",
		Subsystem: "resolver",
		Name:      "descendant_strategy_total",
		Help:      "Descendant queries broken down by exclusion strategy (sql/memory).",
	}, []string{"strategy"})

	approvalCascadeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval",
		Subsystem: "cascade",
		Name:      "records_total",
		Help:      "Approver records touched by inheritance cascades, by operation.",
	}, []string{"op"})

	approvalWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "approval",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Approval write conflicts broken down by kind.",
	}, []string{"kind"})
)

func recordDescendantStrategy(strategy string) {
	approvalDescendantStrategy.WithLabelValues(strategy).Inc()
}

func recordCascade(op string, n int) {
	if n <= 0 {
		return
	}
	approvalCascadeRecords.WithLabelValues(op).Add(float64(n))
}

func recordWriteConflict(kind string) {
	if kind == "" {
		kind = "other"
	}
	approvalWriteConflicts.WithLabelValues(kind).Inc()
}
