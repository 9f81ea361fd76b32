// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts lifecycle transitions by target status and outcome
	// (ok, conflict, forbidden, error).
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procurebot",
		Name:      "request_transitions_total",
		Help:      "Request lifecycle transitions by target status and outcome.",
	}, []string{"to", "outcome"})

	// Flows counts finished conversation flows by kind and outcome
	// (confirmed, cancelled, suspended, failed).
	Flows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procurebot",
		Name:      "flows_total",
		Help:      "Conversation flows by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ExtractorFallbacks counts inputs parsed by the fallback extractor
	ExtractorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procurebot",
		Name:      "extractor_fallbacks_total",
		Help:      "Inputs handled by the fallback extractor because structured extraction was unavailable.",
	}, []string{"schema"})

	// ActiveWorkers is the number of live per-session workers
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "procurebot",
		Name:      "session_workers",
		Help:      "Live per-session workers.",
	})

	// DroppedEvents counts inbound events rejected because a session inbox was full
	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procurebot",
		Name:      "dropped_events_total",
		Help:      "Inbound events rejected because the session inbox was full.",
	})
)
