package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuremedy/kuremedy/internal/models"
)

func TestBuildPlanResolvesTargets(t *testing.T) {
	hyp := models.Hypothesis{
		ID:       "h1",
		Category: models.CategoryMemoryExhaustion,
		RecommendedActions: []models.ActionTemplate{
			{ActionType: models.ActionRestartPod, Reason: "recover the killed replicas immediately"},
			{ActionType: models.ActionUpdateResourceLimits, Reason: "raise the memory limit"},
		},
	}
	signals := Signals{DeploymentName: "payments"}

	plan := BuildPlan(testIncident(), hyp, signals)

	require.Len(t, plan, 2)
	first := plan[0]
	assert.Equal(t, models.ActionRestartPod, first.ActionType)
	assert.Equal(t, "payments", first.TargetResource)
	assert.Equal(t, "shop", first.TargetNamespace)
	assert.Equal(t, "h1", first.HypothesisID)
	assert.Equal(t, models.RiskLow, first.RiskLevel)
	assert.Equal(t, models.ActionProposed, first.Status)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.IdempotencyKey)

	second := plan[1]
	assert.Equal(t, models.ActionUpdateResourceLimits, second.ActionType)
	assert.Equal(t, models.RiskHigh, second.RiskLevel)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
}

func TestBuildPlanFallsBackToIncidentService(t *testing.T) {
	hyp := models.Hypothesis{
		ID:                 "h1",
		RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionRestartDeployment}},
	}

	plan := BuildPlan(testIncident(), hyp, Signals{})

	require.Len(t, plan, 1)
	assert.Equal(t, "payments", plan[0].TargetResource)
}

func TestBuildPlanNodeActions(t *testing.T) {
	hyp := models.Hypothesis{
		ID: "h1",
		RecommendedActions: []models.ActionTemplate{
			{ActionType: models.ActionCordonNode},
			{ActionType: models.ActionDrainNode},
		},
	}

	plan := BuildPlan(testIncident(), hyp, Signals{WorstNode: "node-7"})
	require.Len(t, plan, 2)
	assert.Equal(t, "node-7", plan[0].TargetResource)
	assert.Equal(t, "node-7", plan[1].TargetResource)

	// Without a node in the evidence the templates cannot be bound.
	plan = BuildPlan(testIncident(), hyp, Signals{})
	assert.Empty(t, plan)
}

func TestBuildPlanScaleReplicas(t *testing.T) {
	hyp := models.Hypothesis{
		ID:                 "h1",
		RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionScaleReplicas}},
	}

	plan := BuildPlan(testIncident(), hyp, Signals{DeploymentName: "payments", HPAMaxReplicas: 10})
	require.Len(t, plan, 1)
	require.NotNil(t, plan[0].Parameters)
	require.NotNil(t, plan[0].Parameters.Replicas)
	assert.Equal(t, int32(12), *plan[0].Parameters.Replicas)

	// No autoscaler ceiling known means no defensible replica target.
	plan = BuildPlan(testIncident(), hyp, Signals{DeploymentName: "payments"})
	assert.Empty(t, plan)
}

func TestBuildPlanRollbackRevision(t *testing.T) {
	hyp := models.Hypothesis{
		ID:                 "h1",
		RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionRollbackDeployment}},
	}
	signals := Signals{DeploymentName: "payments", CurrentRevision: 42, PriorRevision: 41}

	plan := BuildPlan(testIncident(), hyp, signals)

	require.Len(t, plan, 1)
	require.NotNil(t, plan[0].Parameters)
	assert.Equal(t, int64(41), plan[0].Parameters.Revision)
}

func TestBuildPlanIdempotencyKeyStable(t *testing.T) {
	hyp := models.Hypothesis{
		ID:                 "h1",
		RecommendedActions: []models.ActionTemplate{{ActionType: models.ActionRestartPod}},
	}
	signals := Signals{DeploymentName: "payments"}

	a := BuildPlan(testIncident(), hyp, signals)
	b := BuildPlan(testIncident(), hyp, signals)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].ID, b[0].ID)
	assert.Equal(t, a[0].IdempotencyKey, b[0].IdempotencyKey, "same incident, action, and target must key identically")
}

func TestBuildRunbook(t *testing.T) {
	hyps := []models.Hypothesis{{
		ID:          "h1",
		Category:    models.CategoryBadDeploy,
		Title:       "Recent deployment is crash looping",
		Description: "The workload entered a crash loop right after a rollout.",
		Confidence:  0.90,
		Rank:        1,
		RecommendedActions: []models.ActionTemplate{
			{ActionType: models.ActionRollbackDeployment, Reason: "revert to the last revision that ran cleanly"},
		},
	}}

	rb := BuildRunbook(testIncident(), hyps, "https://grafana.example.com")

	assert.Equal(t, "01JBLMN0000000000000000001", rb.IncidentID)
	assert.Contains(t, rb.Summary, "90% confidence")
	assert.Equal(t, "Recent deployment is crash looping", rb.TopHypothesis)

	var commands []string
	for _, c := range rb.Commands {
		commands = append(commands, c.Command)
	}
	joined := strings.Join(commands, "\n")
	assert.Contains(t, joined, "kubectl -n shop get pods -l app=payments")
	assert.Contains(t, joined, "rollout undo deployment/payments")

	require.NotEmpty(t, rb.Queries)
	assert.Contains(t, rb.Queries[0].Query, "kube_pod_container_status_restarts_total")

	require.Len(t, rb.Links, 2)
	assert.Contains(t, rb.Links[0].URL, "https://grafana.example.com")
	assert.Contains(t, rb.Links[0].URL, "var-namespace=shop")

	require.NotEmpty(t, rb.Steps)
	assert.Contains(t, rb.Steps[0], "bad_deploy")
}

func TestBuildRunbookWithoutGrafana(t *testing.T) {
	hyps := []models.Hypothesis{{
		Category:   models.CategoryMemoryExhaustion,
		Title:      "Containers killed at the memory limit",
		Confidence: 0.95,
	}}

	rb := BuildRunbook(testIncident(), hyps, "")

	assert.Empty(t, rb.Links)
	require.NotEmpty(t, rb.Queries)
	assert.Contains(t, rb.Queries[0].Query, "container_memory_working_set_bytes")
}

func TestBuildRunbookNoHypotheses(t *testing.T) {
	rb := BuildRunbook(testIncident(), nil, "")
	assert.Contains(t, rb.Summary, "No hypotheses")
	assert.Empty(t, rb.Commands)
}
