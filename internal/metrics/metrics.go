// Package metrics exposes Prometheus instrumentation for the engine,
// wired in as signal-bus listeners rather than calls scattered through
// the reducer, so the reducer stays free of observability side effects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lokutor-ai/lokutor-engine/engine"
)

// Registry bundles the counters and histograms this engine instance
// reports. Construct one per process and call Attach to subscribe it to a
// SignalBus.
type Registry struct {
	turnsCompleted      *prometheus.CounterVec
	turnDuration        prometheus.Histogram
	interruptions       prometheus.Counter
	phaseTransitions    *prometheus.CounterVec
	signalParseFailures prometheus.Counter
	speakingLimitHits   prometheus.Counter
}

// NewRegistry registers every metric against reg (pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry in tests to avoid duplicate-registration panics).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		turnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lokutor_engine_turns_total",
			Help: "Turns completed, labeled by end_reason.",
		}, []string{"end_reason"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lokutor_engine_turn_duration_ms",
			Help:    "Human speaking duration per turn, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}),
		interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "lokutor_engine_interruptions_total",
			Help: "Accepted barge-in interruptions.",
		}),
		phaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lokutor_engine_phase_transitions_total",
			Help: "Phase transitions, labeled by destination phase id.",
		}, []string{"to"}),
		signalParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lokutor_engine_signal_parse_failures_total",
			Help: "Signal blocks that failed all recovery strategies.",
		}),
		speakingLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "lokutor_engine_speaking_limit_exceeded_total",
			Help: "Times the human speaking limit triggered an acknowledgment.",
		}),
	}
}

// Attach subscribes every metric to the signals that drive it.
func (r *Registry) Attach(bus *engine.SignalBus) {
	bus.Subscribe(engine.SignalTurnCompleted, func(_ string, payload interface{}) {
		m, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		reason, _ := m["end_reason"].(string)
		r.turnsCompleted.WithLabelValues(reason).Inc()
		if d, ok := m["duration_ms"].(int64); ok {
			r.turnDuration.Observe(float64(d))
		}
	})

	bus.Subscribe(engine.SignalInterrupted, func(_ string, _ interface{}) {
		r.interruptions.Inc()
	})

	bus.Subscribe(engine.SignalPhaseTransitionComplete, func(_ string, payload interface{}) {
		m, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		to, _ := m["phase_id"].(string)
		r.phaseTransitions.WithLabelValues(to).Inc()
	})

	bus.Subscribe(engine.SignalLLMSignalParseFailed, func(_ string, _ interface{}) {
		r.signalParseFailures.Inc()
	})

	bus.Subscribe(engine.SignalSpeakingLimitExceeded, func(_ string, _ interface{}) {
		r.speakingLimitHits.Inc()
	})
}
