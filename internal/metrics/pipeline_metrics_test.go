package metrics

import (
	"testing"
	"time"

	"github.com/kuremedy/kuremedy/internal/models"
)

func TestRecordAlertReceived(t *testing.T) {
	// Should not panic
	RecordAlertReceived("alertmanager", models.SeverityCritical)
}

func TestRecordIncidentTransition(t *testing.T) {
	// Should not panic
	RecordIncidentTransition(models.StatusOpen, models.StatusInvestigating)
}

func TestRecordIncidentClosed(t *testing.T) {
	now := time.Now()
	inc := &models.Incident{
		ID:        "inc-metrics-1",
		Status:    models.StatusResolved,
		StartedAt: now.Add(-10 * time.Minute),
	}

	// Should not panic
	RecordIncidentClosed(inc, now)
}

func TestRecordIncidentClosedNil(t *testing.T) {
	// Nil incident is a no-op
	RecordIncidentClosed(nil, time.Now())
}

func TestRecordEvidenceCollected(t *testing.T) {
	// Should not panic
	RecordEvidenceCollected("cluster", 7)

	// Zero and negative counts are no-ops
	RecordEvidenceCollected("cluster", 0)
	RecordEvidenceCollected("cluster", -1)
}

func TestObserveCollectorRun(t *testing.T) {
	// Should not panic
	ObserveCollectorRun("logs", 1500*time.Millisecond)
}

func TestRecordPolicyDecision(t *testing.T) {
	// Should not panic
	RecordPolicyDecision("deny", "protected_namespace")
}

func TestRecordActionExecuted(t *testing.T) {
	// Should not panic
	RecordActionExecuted(models.ActionRestartDeployment, "succeeded")
}

func TestRecordVerification(t *testing.T) {
	// Should not panic
	RecordVerification(true)
	RecordVerification(false)
}

func TestWorkflowGauge(t *testing.T) {
	// Should not panic
	RecordWorkflowStarted()
	RecordWorkflowFinished()
	RecordWorkflowReplay()
}
