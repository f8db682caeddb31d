package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuremedy/kuremedy/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIncident(fingerprint string) *models.Incident {
	return &models.Incident{
		ID:          models.NewIncidentID(),
		Fingerprint: fingerprint,
		Title:       "HighErrorRate: checkout",
		Severity:    models.SeverityCritical,
		Status:      models.StatusOpen,
		Source:      "prometheus",
		Cluster:     "prod-eu-1",
		Namespace:   "shop",
		Service:     "checkout",
		Labels:      map[string]string{"app": "checkout", "team": "payments"},
		StartedAt:   time.Now().Add(-10 * time.Minute).Truncate(time.Second),
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-round-trip")
	require.NoError(t, s.CreateIncident(inc))

	got, err := s.GetIncidentByFingerprint("fp-round-trip")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, inc.Title, got.Title)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.Equal(t, "checkout", got.Service)
	assert.Equal(t, "payments", got.Labels["team"])
	assert.Equal(t, inc.StartedAt.Unix(), got.StartedAt.Unix())

	byID, err := s.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Fingerprint, byID.Fingerprint)
}

func TestDuplicateFingerprintRejected(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateIncident(testIncident("fp-dup")))

	err := s.CreateIncident(testIncident("fp-dup"))
	assert.ErrorIs(t, err, ErrDuplicateFingerprint)
}

func TestGetIncidentNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetIncident("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetIncidentByFingerprint("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateIncidentStatus(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-status")
	require.NoError(t, s.CreateIncident(inc))

	require.NoError(t, s.UpdateIncidentStatus(inc.ID, models.StatusInvestigating, nil))

	got, err := s.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvestigating, got.Status)
	assert.Nil(t, got.ResolvedAt)

	resolvedAt := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpdateIncidentStatus(inc.ID, models.StatusResolved, &resolvedAt))

	got, err = s.GetIncident(inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.False(t, got.ResolvedAt.Before(got.StartedAt), "resolved_at must not precede started_at")

	assert.ErrorIs(t, s.UpdateIncidentStatus("missing", models.StatusFailed, nil), ErrNotFound)
}

func TestListIncidentsByStatus(t *testing.T) {
	s := openTestStore(t)

	open := testIncident("fp-open")
	require.NoError(t, s.CreateIncident(open))

	investigating := testIncident("fp-inv")
	require.NoError(t, s.CreateIncident(investigating))
	require.NoError(t, s.UpdateIncidentStatus(investigating.ID, models.StatusInvestigating, nil))

	resolved := testIncident("fp-res")
	require.NoError(t, s.CreateIncident(resolved))
	now := time.Now()
	require.NoError(t, s.UpdateIncidentStatus(resolved.ID, models.StatusResolved, &now))

	live, err := s.ListIncidentsByStatus(models.StatusOpen, models.StatusInvestigating)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	none, err := s.ListIncidentsByStatus()
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEvidenceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-evidence")
	require.NoError(t, s.CreateIncident(inc))

	window := models.TimeWindow{
		Start: time.Now().Add(-15 * time.Minute).Truncate(time.Second),
		End:   time.Now().Truncate(time.Second),
	}
	batch := []models.Evidence{
		{
			ID:              models.NewEvidenceID(),
			IncidentID:      inc.ID,
			Type:            models.EvidenceContainerState,
			Source:          models.SourceK8s,
			EntityName:      "checkout-7f9c4d-xk2lp",
			EntityNamespace: "shop",
			Data: models.EvidenceData{
				ContainerState: &models.ContainerStateData{
					Container:    "checkout",
					State:        "waiting",
					Reason:       "CrashLoopBackOff",
					RestartCount: 15,
				},
			},
			SignalStrength: 0.9,
			CollectedAt:    time.Now().Truncate(time.Second),
			Window:         window,
		},
		{
			ID:              models.NewEvidenceID(),
			IncidentID:      inc.ID,
			Type:            models.EvidenceLogsPattern,
			Source:          models.SourceLogs,
			EntityName:      "checkout",
			EntityNamespace: "shop",
			Data: models.EvidenceData{
				LogsPattern: &models.LogsPatternData{
					TotalLines:  400,
					ClassCounts: map[string]int{"error": 120, "timeout": 30},
					ErrorRate:   8.0,
				},
			},
			SignalStrength: 0.8,
			CollectedAt:    time.Now().Truncate(time.Second),
			Window:         window,
			Partial:        true,
		},
	}
	require.NoError(t, s.AppendEvidence(batch))

	got, err := s.EvidenceForIncident(inc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]models.Evidence{}
	for _, ev := range got {
		byID[ev.ID] = ev
	}

	container := byID[batch[0].ID]
	require.NotNil(t, container.Data.ContainerState)
	assert.Equal(t, "CrashLoopBackOff", container.Data.ContainerState.Reason)
	assert.InDelta(t, 0.9, container.SignalStrength, 1e-9)
	assert.False(t, container.Partial)

	logs := byID[batch[1].ID]
	require.NotNil(t, logs.Data.LogsPattern)
	assert.Equal(t, 120, logs.Data.LogsPattern.ClassCounts["error"])
	assert.True(t, logs.Partial)
	assert.Equal(t, window.Start.Unix(), logs.Window.Start.Unix())
}

func TestHypothesesLatestSetOnly(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-hypotheses")
	require.NoError(t, s.CreateIncident(inc))

	first := []models.Hypothesis{
		{
			ID:          "h-old",
			IncidentID:  inc.ID,
			Category:    models.CategoryUnknown,
			Title:       "Unknown cause",
			Confidence:  0.2,
			Rank:        1,
			GeneratedBy: models.GeneratedByRules,
			CreatedAt:   time.Now().Add(-time.Hour).Truncate(time.Second),
		},
	}
	require.NoError(t, s.AppendHypotheses(first))

	second := []models.Hypothesis{
		{
			ID:                 "h-new-1",
			IncidentID:         inc.ID,
			Category:           models.CategoryBadDeploy,
			Title:              "Recent deploy is crashing",
			Confidence:         0.9,
			Rank:               1,
			SupportingEvidence: []string{"ev-1", "ev-2"},
			RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionRollbackDeployment}},
			GeneratedBy:        models.GeneratedByRules,
			CreatedAt:          time.Now().Truncate(time.Second),
		},
		{
			ID:          "h-new-2",
			IncidentID:  inc.ID,
			Category:    models.CategoryExternalDependency,
			Title:       "Upstream dependency failing",
			Confidence:  0.6,
			Rank:        2,
			GeneratedBy: models.GeneratedByRules,
			CreatedAt:   time.Now().Truncate(time.Second),
		},
	}
	require.NoError(t, s.AppendHypotheses(second))

	got, err := s.HypothesesForIncident(inc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "h-new-1", got[0].ID)
	assert.Equal(t, 1, got[0].Rank)
	assert.Equal(t, []string{"ev-1", "ev-2"}, got[0].SupportingEvidence)
	require.Len(t, got[0].RecommendedActions, 1)
	assert.Equal(t, models.ActionRollbackDeployment, got[0].RecommendedActions[0].ActionType)
	assert.Equal(t, "h-new-2", got[1].ID)
}

func TestActionIdempotentReplay(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-action")
	require.NoError(t, s.CreateIncident(inc))

	action := &models.RemediationAction{
		ID:              models.NewActionID(),
		IncidentID:      inc.ID,
		IdempotencyKey:  models.IdempotencyKey(inc.ID, models.ActionRestartDeployment, "checkout", nil),
		ActionType:      models.ActionRestartDeployment,
		TargetResource:  "checkout",
		TargetNamespace: "shop",
		RiskLevel:       models.RiskLow,
		Status:          models.ActionProposed,
	}

	created, err := s.CreateAction(action)
	require.NoError(t, err)
	assert.Equal(t, action.ID, created.ID)

	// Same key: prior record comes back, no new row, even with a new ID.
	replay := *action
	replay.ID = models.NewActionID()
	got, err := s.CreateAction(&replay)
	require.NoError(t, err)
	assert.Equal(t, action.ID, got.ID)

	all, err := s.ActionsForIncident(inc.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSingleInFlightActionInvariant(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-inflight")
	require.NoError(t, s.CreateIncident(inc))

	first := &models.RemediationAction{
		ID:              models.NewActionID(),
		IncidentID:      inc.ID,
		IdempotencyKey:  models.IdempotencyKey(inc.ID, models.ActionRestartPod, "checkout-1", nil),
		ActionType:      models.ActionRestartPod,
		TargetResource:  "checkout-1",
		TargetNamespace: "shop",
		RiskLevel:       models.RiskLow,
		Status:          models.ActionExecuting,
	}
	_, err := s.CreateAction(first)
	require.NoError(t, err)

	second := &models.RemediationAction{
		ID:              models.NewActionID(),
		IncidentID:      inc.ID,
		IdempotencyKey:  models.IdempotencyKey(inc.ID, models.ActionRestartPod, "checkout-2", nil),
		ActionType:      models.ActionRestartPod,
		TargetResource:  "checkout-2",
		TargetNamespace: "shop",
		RiskLevel:       models.RiskLow,
		Status:          models.ActionProposed,
	}
	_, err = s.CreateAction(second)
	assert.ErrorIs(t, err, ErrActionInFlight)

	// Terminal state releases the slot.
	first.Status = models.ActionFailed
	require.NoError(t, s.UpdateAction(first))

	_, err = s.CreateAction(second)
	assert.NoError(t, err)
}

func TestUpdateActionPersistsResult(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-result")
	require.NoError(t, s.CreateIncident(inc))

	action := &models.RemediationAction{
		ID:              models.NewActionID(),
		IncidentID:      inc.ID,
		IdempotencyKey:  models.IdempotencyKey(inc.ID, models.ActionScaleReplicas, "checkout", nil),
		ActionType:      models.ActionScaleReplicas,
		TargetResource:  "checkout",
		TargetNamespace: "shop",
		RiskLevel:       models.RiskLow,
		Status:          models.ActionApproved,
	}
	_, err := s.CreateAction(action)
	require.NoError(t, err)

	executedAt := time.Now().Truncate(time.Second)
	completedAt := executedAt.Add(5 * time.Second)
	action.Status = models.ActionSucceeded
	action.ExecutedAt = &executedAt
	action.CompletedAt = &completedAt
	action.Result = &models.ExecutionResult{
		Outcome:    "scaled",
		Detail:     "replicas 3 -> 4",
		Attempts:   1,
		StartedAt:  executedAt,
		FinishedAt: completedAt,
	}
	require.NoError(t, s.UpdateAction(action))

	got, err := s.GetActionByKey(action.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "scaled", got.Result.Outcome)
	assert.Equal(t, 1, got.Result.Attempts)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, executedAt.Unix(), got.ExecutedAt.Unix())
}

func TestVerificationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-verify")
	require.NoError(t, s.CreateIncident(inc))

	action := &models.RemediationAction{
		ID:              models.NewActionID(),
		IncidentID:      inc.ID,
		IdempotencyKey:  models.IdempotencyKey(inc.ID, models.ActionRestartPod, "checkout-1", nil),
		ActionType:      models.ActionRestartPod,
		TargetResource:  "checkout-1",
		TargetNamespace: "shop",
		RiskLevel:       models.RiskLow,
		Status:          models.ActionSucceeded,
	}
	_, err := s.CreateAction(action)
	require.NoError(t, err)

	v := &models.VerificationResult{
		ID:              "ver-1",
		ActionID:        action.ID,
		IncidentID:      inc.ID,
		Success:         true,
		MetricsImproved: true,
		ErrorRateBefore: 0.42,
		ErrorRateAfter:  0.01,
		ReadyRatio:      1.0,
		Details:         "error rate recovered",
		CheckedAt:       time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.SaveVerification(v))

	got, err := s.VerificationsForAction(action.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.InDelta(t, 0.42, got[0].ErrorRateBefore, 1e-9)
	assert.Equal(t, "error rate recovered", got[0].Details)
}

func TestJournalAppendAssignsDenseSequence(t *testing.T) {
	s := openTestStore(t)

	inc := testIncident("fp-journal")
	require.NoError(t, s.CreateIncident(inc))

	seq1, err := s.AppendJournal(inc.ID, "transition", map[string]string{"to": "investigating"})
	require.NoError(t, err)
	seq2, err := s.AppendJournal(inc.ID, "activity", map[string]string{"name": "collect"})
	require.NoError(t, err)
	seq3, err := s.AppendJournal(inc.ID, "transition", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, seq1)
	assert.Equal(t, 2, seq2)
	assert.Equal(t, 3, seq3)

	entries, err := s.JournalEntries(inc.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "transition", entries[0].Kind)
	assert.JSONEq(t, `{"to":"investigating"}`, string(entries[0].Payload))
	assert.Empty(t, entries[2].Payload)

	// Journals are per incident.
	other := testIncident("fp-journal-2")
	require.NoError(t, s.CreateIncident(other))
	seq, err := s.AppendJournal(other.ID, "transition", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestOpenRequiresDataDir(t *testing.T) {
	_, err := Open("")
	assert.True(t, err != nil && !errors.Is(err, ErrNotFound))
}
