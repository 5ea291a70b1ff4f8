// Package metrics exposes Prometheus instrumentation for the orchestrator,
// agent runtime, and bridge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "parley"

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of turns completed, by status",
		},
		[]string{"status"}, // completed, cancelled
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration from startTurn to completeTurn/cancelTurn",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"agent_id", "status"},
	)

	traceEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_entries_total",
			Help:      "Total number of trace entries appended, by kind",
		},
		[]string{"kind"}, // thought, tool_call, tool_result
	)

	activeConversations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of conversations resident in memory",
		},
	)

	scenarioStepsTotal = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_steps_per_turn",
			Help:      "Number of tool-dispatch steps consumed per scenario-driven turn",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
		[]string{"agent_id"},
	)

	bridgeWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_wait_duration_seconds",
			Help:      "Duration a bridge rendezvous waited before reply or timeout",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 180},
		},
		[]string{"outcome"}, // replied, timeout, cancelled
	)

	bridgeStillWorkingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_still_working_total",
			Help:      "Total number of StillWorking responses returned to the bridge surface",
		},
		[]string{"bridge_agent_id"},
	)

	userQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_queries_total",
			Help:      "Total number of UserQuery state transitions",
		},
		[]string{"status"}, // answered, expired
	)

	upstreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Total number of contained upstream failures (policy/tool-synthesis)",
		},
		[]string{"component"}, // policy, tool_synthesis
	)

	allMetrics = []prometheus.Collector{
		turnsTotal,
		turnDuration,
		traceEntriesTotal,
		activeConversations,
		scenarioStepsTotal,
		bridgeWaitDuration,
		bridgeStillWorkingTotal,
		userQueriesTotal,
		upstreamFailuresTotal,
	}
)

// Register adds every metric to reg. Call once at process start with
// prometheus.DefaultRegisterer, or with a fresh *prometheus.Registry in
// tests.
func Register(reg prometheus.Registerer) error {
	for _, m := range allMetrics {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// RecordTurnCompleted records a sealed turn's outcome and duration.
func RecordTurnCompleted(agentID, status string, durationSeconds float64) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.WithLabelValues(agentID, status).Observe(durationSeconds)
}

// RecordTraceEntry records one appended trace entry.
func RecordTraceEntry(kind string) {
	traceEntriesTotal.WithLabelValues(kind).Inc()
}

// SetActiveConversations sets the current resident-conversation gauge.
func SetActiveConversations(n int) {
	activeConversations.Set(float64(n))
}

// RecordScenarioSteps records how many steps a scenario-driven turn used.
func RecordScenarioSteps(agentID string, steps int) {
	scenarioStepsTotal.WithLabelValues(agentID).Observe(float64(steps))
}

// RecordBridgeWait records a bridge rendezvous's outcome and duration.
func RecordBridgeWait(outcome string, durationSeconds float64) {
	bridgeWaitDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordBridgeStillWorking records a StillWorking response.
func RecordBridgeStillWorking(bridgeAgentID string) {
	bridgeStillWorkingTotal.WithLabelValues(bridgeAgentID).Inc()
}

// RecordUserQuery records a UserQuery reaching a terminal status.
func RecordUserQuery(status string) {
	userQueriesTotal.WithLabelValues(status).Inc()
}

// RecordUpstreamFailure records a contained policy/tool-synthesis failure.
func RecordUpstreamFailure(component string) {
	upstreamFailuresTotal.WithLabelValues(component).Inc()
}
