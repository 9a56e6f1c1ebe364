// Package metrics registers the prometheus collectors shared by the pipeline
// services. Every binary exposes them through promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadsTotal counts accepted artifact uploads.
	UploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "uploads_total",
		Help:      "Accepted model artifact uploads.",
	})

	// TransitionsTotal counts registry state transitions by destination state.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "state_transitions_total",
		Help:      "Registry state transitions by destination state.",
	}, []string{"to_state"})

	// TransitionConflictsTotal counts CAS transitions rejected on a stale
	// expected state.
	TransitionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "state_transition_conflicts_total",
		Help:      "Registry transitions rejected by the compare-and-swap guard.",
	})

	// ValidationOutcomesTotal counts validation check results by outcome.
	ValidationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "validation_outcomes_total",
		Help:      "Validation check results by check name and outcome.",
	}, []string{"check", "outcome"})

	// CanaryTrafficFraction tracks the current traffic fraction per tenant/model.
	CanaryTrafficFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modeld",
		Name:      "canary_traffic_fraction",
		Help:      "Current canary traffic fraction per tenant and model.",
	}, []string{"tenant", "model"})

	// CanaryDecisionsTotal counts finalized canary decisions.
	CanaryDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "canary_decisions_total",
		Help:      "Finalized canary decisions by outcome.",
	}, []string{"decision"})

	// PublishFailuresTotal counts event publishes that never reached the bus.
	PublishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "event_publish_failures_total",
		Help:      "Event publishes that failed, by subject.",
	}, []string{"subject"})

	// PromotionsTotal counts promotion attempts by result.
	PromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modeld",
		Name:      "promotions_total",
		Help:      "Promotion attempts by result (promoted, denied, conflict).",
	}, []string{"result"})
)
