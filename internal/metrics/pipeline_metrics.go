// Package metrics exposes Prometheus instrumentation for the
// incident-to-remediation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kuremedy/kuremedy/internal/models"
)

var (
	// Ingestion metrics
	AlertsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_alerts_received_total",
			Help: "Total number of alerts received by source and severity",
		},
		[]string{"source", "severity"},
	)

	AlertsDeduplicatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kuremedy_alerts_deduplicated_total",
			Help: "Total number of alerts dropped as duplicates of a live incident",
		},
	)

	AlertsRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_alerts_rate_limited_total",
			Help: "Total number of alerts rejected by per-source rate limiting",
		},
		[]string{"source"},
	)

	IncidentsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_incidents_created_total",
			Help: "Total number of incidents created by severity",
		},
		[]string{"severity"},
	)

	// Incident lifecycle metrics
	IncidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_incident_transitions_total",
			Help: "Total number of incident status transitions",
		},
		[]string{"from", "to"},
	)

	IncidentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kuremedy_incident_duration_seconds",
			Help:    "Duration of incidents from open to terminal status",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400}, // 1m to 1d
		},
		[]string{"status"},
	)

	// Evidence collection metrics
	EvidenceCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_evidence_collected_total",
			Help: "Total number of evidence records emitted by collector",
		},
		[]string{"collector"},
	)

	CollectorDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kuremedy_collector_duration_seconds",
			Help:    "Time spent per collector run",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"collector"},
	)

	CollectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_collector_failures_total",
			Help: "Total number of collector runs that ended partial or failed",
		},
		[]string{"collector", "reason"}, // timeout, upstream, cancelled
	)

	// Rules engine metrics
	HypothesesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_hypotheses_generated_total",
			Help: "Total number of hypotheses generated by category",
		},
		[]string{"category"},
	)

	// Policy gate metrics
	PolicyDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_policy_decisions_total",
			Help: "Total number of policy gate decisions by outcome and matched rule",
		},
		[]string{"decision", "rule"},
	)

	BlastRadiusScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kuremedy_blast_radius_score",
			Help:    "Distribution of blast radius scores for proposed actions",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// Approval metrics
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_approvals_total",
			Help: "Total number of approval requests by outcome",
		},
		[]string{"outcome"}, // approved, denied, timed_out
	)

	// Execution metrics
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_actions_executed_total",
			Help: "Total number of remediation actions by type and outcome",
		},
		[]string{"action_type", "outcome"},
	)

	ActionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_action_retries_total",
			Help: "Total number of remediation action retry attempts",
		},
		[]string{"action_type"},
	)

	ActionReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kuremedy_action_replays_total",
			Help: "Total number of actions answered from the idempotency cache",
		},
	)

	// Verification metrics
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kuremedy_verifications_total",
			Help: "Total number of post-remediation verifications by result",
		},
		[]string{"result"}, // verified, unverified
	)

	// Workflow metrics
	WorkflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kuremedy_workflows_active",
			Help: "Number of incident workflows currently running",
		},
	)

	WorkflowReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kuremedy_workflow_replays_total",
			Help: "Total number of workflows resumed from their journal after restart",
		},
	)
)

// RecordAlertReceived records an inbound alert before dedup.
func RecordAlertReceived(source string, severity models.Severity) {
	AlertsReceivedTotal.WithLabelValues(source, string(severity)).Inc()
}

// RecordAlertDeduplicated records an alert dropped as a duplicate.
func RecordAlertDeduplicated() {
	AlertsDeduplicatedTotal.Inc()
}

// RecordAlertRateLimited records an alert rejected by rate limiting.
func RecordAlertRateLimited(source string) {
	AlertsRateLimitedTotal.WithLabelValues(source).Inc()
}

// RecordIncidentCreated records a freshly persisted incident.
func RecordIncidentCreated(severity models.Severity) {
	IncidentsCreatedTotal.WithLabelValues(string(severity)).Inc()
}

// RecordIncidentTransition records a status change.
func RecordIncidentTransition(from, to models.IncidentStatus) {
	IncidentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordIncidentClosed records a terminal incident and observes its duration.
func RecordIncidentClosed(inc *models.Incident, closedAt time.Time) {
	if inc == nil {
		return
	}
	IncidentDurationSeconds.WithLabelValues(string(inc.Status)).Observe(closedAt.Sub(inc.StartedAt).Seconds())
}

// RecordEvidenceCollected records evidence emitted by a collector run.
func RecordEvidenceCollected(collector string, count int) {
	if count <= 0 {
		return
	}
	EvidenceCollectedTotal.WithLabelValues(collector).Add(float64(count))
}

// ObserveCollectorRun records the duration of one collector run.
func ObserveCollectorRun(collector string, elapsed time.Duration) {
	CollectorDurationSeconds.WithLabelValues(collector).Observe(elapsed.Seconds())
}

// RecordCollectorFailure records a partial or failed collector run.
func RecordCollectorFailure(collector, reason string) {
	CollectorFailuresTotal.WithLabelValues(collector, reason).Inc()
}

// RecordHypothesis records a generated hypothesis.
func RecordHypothesis(category models.HypothesisCategory) {
	HypothesesGeneratedTotal.WithLabelValues(string(category)).Inc()
}

// RecordPolicyDecision records a gate decision with the matched rule key.
func RecordPolicyDecision(decision, rule string) {
	PolicyDecisionsTotal.WithLabelValues(decision, rule).Inc()
}

// RecordBlastRadius observes a computed blast radius score.
func RecordBlastRadius(score float64) {
	BlastRadiusScore.Observe(score)
}

// RecordApproval records an approval outcome.
func RecordApproval(outcome string) {
	ApprovalsTotal.WithLabelValues(outcome).Inc()
}

// RecordActionExecuted records a terminal execution outcome.
func RecordActionExecuted(actionType models.ActionType, outcome string) {
	ActionsExecutedTotal.WithLabelValues(string(actionType), outcome).Inc()
}

// RecordActionRetry records a retry attempt for an action.
func RecordActionRetry(actionType models.ActionType) {
	ActionRetriesTotal.WithLabelValues(string(actionType)).Inc()
}

// RecordActionReplay records an idempotent replay answered from cache.
func RecordActionReplay() {
	ActionReplaysTotal.Inc()
}

// RecordVerification records a verification result.
func RecordVerification(success bool) {
	result := "unverified"
	if success {
		result = "verified"
	}
	VerificationsTotal.WithLabelValues(result).Inc()
}

// RecordWorkflowStarted increments the active workflow gauge.
func RecordWorkflowStarted() {
	WorkflowsActive.Inc()
}

// RecordWorkflowFinished decrements the active workflow gauge.
func RecordWorkflowFinished() {
	WorkflowsActive.Dec()
}

// RecordWorkflowReplay records a journal-driven resume after restart.
func RecordWorkflowReplay() {
	WorkflowReplaysTotal.Inc()
}
