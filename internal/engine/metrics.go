package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gkobilansky/abgoat/internal/store"
)

var (
	// eventsRecorded counts accepted tracking events.
	// Labels: kind (impression, conversion, revenue)
	eventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abgoat",
		Subsystem: "engine",
		Name:      "events_recorded_total",
		Help:      "Tracking events applied to variant counters",
	}, []string{"kind"})

	// eventsRejected counts events that changed nothing.
	// Labels: reason (validation, invalid_state, not_found, storage)
	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abgoat",
		Subsystem: "engine",
		Name:      "events_rejected_total",
		Help:      "Tracking events rejected before touching counters",
	}, []string{"reason"})

	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abgoat",
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Verdicts computed, by outcome",
	}, []string{"outcome"})

	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "abgoat",
		Subsystem: "engine",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to load a test and compute its verdict",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// transitions counts successful status changes.
	// Labels: to (target status)
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abgoat",
		Subsystem: "engine",
		Name:      "status_transitions_total",
		Help:      "Test status transitions, by target status",
	}, []string{"to"})
)

func rejectReason(err error) string {
	switch {
	case IsValidation(err):
		return "validation"
	case IsInvalidState(err):
		return "invalid_state"
	case IsNotFound(err):
		return "not_found"
	}
	return "storage"
}

func evaluationOutcome(significant, insufficient bool) string {
	switch {
	case insufficient:
		return "insufficient_data"
	case significant:
		return "significant"
	}
	return "not_significant"
}

// observeEvaluation counts a verdict handed to a caller. Internal
// auto-complete checks are not counted.
func observeEvaluation(v *store.Verdict) {
	evaluations.WithLabelValues(evaluationOutcome(v.StatisticallySignificant, v.InsufficientData)).Inc()
}
