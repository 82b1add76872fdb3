package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the Prometheus registry cmd/autopilotd serves via promhttp.
// A dedicated registry (rather than the global default) keeps metrics
// registration scoped to this process instead of leaking into every
// importer of this package.
var Registry = prometheus.NewRegistry()

var (
	// RunsTotal counts runs by recipe and terminal state.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_runs_total",
			Help: "Total number of runs by recipe and terminal state.",
		},
		[]string{"recipe", "state"},
	)

	// RunTickDurationSeconds is a histogram of how long a single Tick call took.
	RunTickDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autopilot_run_tick_duration_seconds",
			Help:    "Duration of a single run tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"recipe"},
	)

	// RetriesTotal counts retry transitions by recipe.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_retries_total",
			Help: "Total retry transitions recorded by the runner.",
		},
		[]string{"recipe"},
	)

	// ApprovalsPendingGauge is the number of runs currently parked in needs_approval.
	ApprovalsPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopilot_approvals_pending",
			Help: "Number of runs currently awaiting approval.",
		},
	)

	// MissionsFanOutTotal counts mission child runs started, by template kind.
	MissionsFanOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_mission_fan_out_total",
			Help: "Total mission child runs started, by template kind.",
		},
		[]string{"template_kind"},
	)

	// AdaptationsAppliedTotal counts profile adaptations applied by the
	// learning pipeline, by autopilot.
	AdaptationsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_adaptations_applied_total",
			Help: "Total profile adaptations applied by the learning pipeline.",
		},
		[]string{"autopilot_id"},
	)

	// InterventionsAppliedTotal counts diagnostics interventions applied, by kind.
	InterventionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_interventions_applied_total",
			Help: "Total diagnostics interventions applied, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		RunsTotal,
		RunTickDurationSeconds,
		RetriesTotal,
		ApprovalsPendingGauge,
		MissionsFanOutTotal,
		AdaptationsAppliedTotal,
		InterventionsAppliedTotal,
	)
}

// RecordRunTerminal records a run reaching a terminal state.
func RecordRunTerminal(recipe, state string) {
	RunsTotal.WithLabelValues(recipe, state).Inc()
}

// RecordTick records the wall-clock duration of one Tick call.
func RecordTick(recipe string, d time.Duration) {
	RunTickDurationSeconds.WithLabelValues(recipe).Observe(d.Seconds())
}

// RecordRetry records one retry transition.
func RecordRetry(recipe string) {
	RetriesTotal.WithLabelValues(recipe).Inc()
}

// SetApprovalsPending sets the current count of runs awaiting approval.
func SetApprovalsPending(n int) {
	ApprovalsPendingGauge.Set(float64(n))
}

// RecordMissionFanOut records one mission child run started.
func RecordMissionFanOut(templateKind string) {
	MissionsFanOutTotal.WithLabelValues(templateKind).Inc()
}

// RecordAdaptationApplied records one learning-pipeline adaptation.
func RecordAdaptationApplied(autopilotID string) {
	AdaptationsAppliedTotal.WithLabelValues(autopilotID).Inc()
}

// RecordInterventionApplied records one diagnostics intervention.
func RecordInterventionApplied(kind string) {
	InterventionsAppliedTotal.WithLabelValues(kind).Inc()
}
