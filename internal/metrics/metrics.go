// Package metrics registers the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

const Namespace = "irrigation"

var (
	ValveCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "valve_commands_total",
			Namespace: Namespace,
			Help:      "Valve actuator commands by action and result.",
		},
		[]string{"action", "result"},
	)

	WateringSecondsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "watering_seconds_total",
			Namespace: Namespace,
			Help:      "Seconds the valve was open, by run origin.",
		},
		[]string{"origin"},
	)

	TicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      "ticks_total",
			Namespace: Namespace,
			Help:      "Control ticks executed.",
		},
	)

	TicksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name:      "ticks_skipped_total",
			Namespace: Namespace,
			Help:      "Control ticks dropped because the previous tick was still running.",
		},
	)

	ControlState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "control_state",
			Namespace: Namespace,
			Help:      "1 for the current control state, 0 otherwise.",
		},
		[]string{"state"},
	)

	BudgetUsedSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      "budget_used_seconds",
			Namespace: Namespace,
			Help:      "Automatic watering seconds used today.",
		},
	)

	SoilMoistureRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      "soil_moisture_ratio",
			Namespace: Namespace,
			Help:      "Latest soil moisture fraction seen by the controller.",
		},
	)

	ScheduleFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "schedule_entries_fired_total",
			Namespace: Namespace,
			Help:      "Schedule entries consumed, by outcome.",
		},
		[]string{"outcome"},
	)

	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "history_writes_total",
			Namespace: Namespace,
			Help:      "Reading history writes by sink and result.",
		},
		[]string{"sink", "result"},
	)

	HTTPRequestLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      "http_request_latency_seconds",
			Namespace: Namespace,
			Buckets:   prometheus.DefBuckets,
			Help:      "The latency of dashboard API requests in seconds.",
		},
		[]string{"route"},
	)
)

var states = []logic.ControlState{logic.StateIdle, logic.StateWatering, logic.StateSoaking, logic.StateError}

// SetControlState marks s as the single active state.
func SetControlState(s logic.ControlState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		ControlState.WithLabelValues(string(st)).Set(v)
	}
}

// Result maps an error to the "ok"/"error" result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
