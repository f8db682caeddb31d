package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

// Monday 14:00 UTC, outside every freeze condition.
var weekdayNoon = time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)

func testGate(t *testing.T) *Gate {
	t.Helper()
	cfg := &config.Config{
		ProtectedNamespaces: []string{
			"kube-system", "kube-public", "kube-node-lease",
			"istio-system", "cert-manager", "monitoring",
		},
		HighRiskActions: []string{
			"drain_node", "delete_pvc", "update_resource_limits",
			"delete_namespace", "update_configmap", "uncordon_node",
		},
		FreezeHoursStart: 22,
		FreezeHoursEnd:   6,
	}
	return NewGate(cfg)
}

func gateInput(env config.Environment, action models.ActionType) Input {
	return Input{
		IncidentID:  "inc-1",
		ActionID:    "act-1",
		Environment: env,
		ActionType:  action,
		Namespace:   "shop",
		BlastRadius: 20,
		Now:         weekdayNoon,
	}
}

func TestScoreComponents(t *testing.T) {
	protected := []string{"kube-system"}

	in := BlastRadiusInput{
		AffectedReplicas: 2,
		TotalReplicas:    10,
		Namespace:        "shop",
		Environment:      config.EnvProd,
		ActionType:       models.ActionRestartPod,
	}
	// 40*0.2 + 20*0.2 + 20*1.0 + 20*0.2
	assert.InDelta(t, 36.0, Score(in, DefaultBlastRadiusWeights, protected), 1e-9)

	in = BlastRadiusInput{
		AffectedReplicas: 5,
		TotalReplicas:    5,
		Namespace:        "kube-system",
		Environment:      config.EnvStaging,
		ActionType:       models.ActionDrainNode,
	}
	// 40*1.0 + 20*1.0 + 20*0.5 + 20*1.0
	assert.InDelta(t, 90.0, Score(in, DefaultBlastRadiusWeights, protected), 1e-9)
}

func TestScoreUnknownTotalGradesFullReach(t *testing.T) {
	in := BlastRadiusInput{
		AffectedReplicas: 3,
		TotalReplicas:    0,
		Namespace:        "shop",
		Environment:      config.EnvDev,
		ActionType:       models.ActionRestartPod,
	}
	// 40*1.0 + 20*0.2 + 20*0.1 + 20*0.2
	assert.InDelta(t, 50.0, Score(in, DefaultBlastRadiusWeights, nil), 1e-9)
}

func TestScoreRoundsToTwoDecimals(t *testing.T) {
	in := BlastRadiusInput{
		AffectedReplicas: 1,
		TotalReplicas:    3,
		Namespace:        "shop",
		Environment:      config.EnvDev,
		ActionType:       models.ActionRestartPod,
	}
	assert.InDelta(t, 23.33, Score(in, DefaultBlastRadiusWeights, nil), 1e-9)
}

func TestNamespaceCriticality(t *testing.T) {
	protected := []string{"kube-system", "team-*"}

	assert.InDelta(t, 1.0, namespaceCriticality("kube-system", protected), 1e-9)
	assert.InDelta(t, 1.0, namespaceCriticality("team-platform", protected), 1e-9)
	assert.InDelta(t, 0.5, namespaceCriticality("payments-prod", protected), 1e-9)
	assert.InDelta(t, 0.5, namespaceCriticality("checkout-production", protected), 1e-9)
	assert.InDelta(t, 0.5, namespaceCriticality("prod", protected), 1e-9)
	assert.InDelta(t, 0.2, namespaceCriticality("shop", protected), 1e-9)
}

func TestGateHighRiskDeniedOutsideDev(t *testing.T) {
	g := testGate(t)

	for _, env := range []config.Environment{config.EnvStaging, config.EnvProd} {
		res := g.Evaluate(gateInput(env, models.ActionUpdateResourceLimits))
		assert.Equal(t, DecisionDeny, res.Decision, "env %s", env)
		assert.Equal(t, RuleHighRiskAction, res.Rule)
	}

	// Dev skips the high-risk rule but the allowlist still blocks it.
	res := g.Evaluate(gateInput(config.EnvDev, models.ActionUpdateResourceLimits))
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleNotAllowlisted, res.Rule)
}

func TestGateProtectedNamespace(t *testing.T) {
	g := testGate(t)

	in := gateInput(config.EnvProd, models.ActionRestartPod)
	in.Namespace = "kube-system"
	res := g.Evaluate(in)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleProtectedNamespace, res.Rule)

	// The same namespace is fair game in dev.
	in.Environment = config.EnvDev
	res = g.Evaluate(in)
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestGateBlastRadiusBoundaries(t *testing.T) {
	g := testGate(t)

	prod := gateInput(config.EnvProd, models.ActionRestartPod)
	prod.BlastRadius = 49
	res := g.Evaluate(prod)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleProduction, res.Rule)

	prod.BlastRadius = 50
	res = g.Evaluate(prod)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleBlastRadius, res.Rule)

	staging := gateInput(config.EnvStaging, models.ActionRestartPod)
	staging.BlastRadius = 74
	res = g.Evaluate(staging)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleStagingBlast, res.Rule)

	staging.BlastRadius = 75
	res = g.Evaluate(staging)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleBlastRadius, res.Rule)

	// Dev never denies on blast radius.
	dev := gateInput(config.EnvDev, models.ActionRestartPod)
	dev.BlastRadius = 99
	res = g.Evaluate(dev)
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestGateReplicaCeiling(t *testing.T) {
	g := testGate(t)

	staging := gateInput(config.EnvStaging, models.ActionRestartPod)
	staging.AffectedReplicas = 5
	res := g.Evaluate(staging)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleReplicaCeiling, res.Rule)

	// Dev takes the spread to approval instead of denying.
	dev := gateInput(config.EnvDev, models.ActionRestartPod)
	dev.AffectedReplicas = 5
	res = g.Evaluate(dev)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleReplicaSpread, res.Rule)
}

func TestGateAllowlist(t *testing.T) {
	g := testGate(t)

	res := g.Evaluate(gateInput(config.EnvStaging, models.ActionCordonNode))
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleNotAllowlisted, res.Rule)

	// Same action is allowlisted in dev, where it needs approval instead.
	res = g.Evaluate(gateInput(config.EnvDev, models.ActionCordonNode))
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleRiskyAction, res.Rule)
}

func TestGateApprovalRules(t *testing.T) {
	g := testGate(t)

	res := g.Evaluate(gateInput(config.EnvProd, models.ActionRestartPod))
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleProduction, res.Rule)

	res = g.Evaluate(gateInput(config.EnvStaging, models.ActionRollbackDeployment))
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleRiskyAction, res.Rule)

	staging := gateInput(config.EnvStaging, models.ActionRestartPod)
	staging.BlastRadius = 30
	res = g.Evaluate(staging)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleStagingBlast, res.Rule)

	staging.BlastRadius = 29
	staging.AffectedReplicas = 3
	res = g.Evaluate(staging)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleReplicaSpread, res.Rule)
}

func TestGateFreezeWindow(t *testing.T) {
	g := testGate(t)

	hourOf := func(hour int) time.Time {
		return time.Date(2025, 11, 3, hour, 0, 0, 0, time.UTC)
	}

	// Production during the freeze reports freeze_window, not the broader
	// production rule.
	prod := gateInput(config.EnvProd, models.ActionRestartPod)
	prod.Now = hourOf(23)
	res := g.Evaluate(prod)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleFreezeWindow, res.Rule)

	prod.Now = hourOf(22)
	res = g.Evaluate(prod)
	assert.Equal(t, RuleFreezeWindow, res.Rule, "hour 22 enters the freeze")

	prod.Now = hourOf(6)
	res = g.Evaluate(prod)
	assert.Equal(t, RuleProduction, res.Rule, "hour 6 exits the freeze")

	prod.Now = hourOf(5)
	res = g.Evaluate(prod)
	assert.Equal(t, RuleFreezeWindow, res.Rule)

	// Saturday noon freezes prod only.
	saturday := time.Date(2025, 11, 8, 14, 0, 0, 0, time.UTC)
	prod.Now = saturday
	res = g.Evaluate(prod)
	assert.Equal(t, RuleFreezeWindow, res.Rule)

	staging := gateInput(config.EnvStaging, models.ActionRestartPod)
	staging.BlastRadius = 10
	staging.Now = saturday
	res = g.Evaluate(staging)
	assert.Equal(t, DecisionAllow, res.Decision)

	// The manual switch freezes everything, dev included.
	dev := gateInput(config.EnvDev, models.ActionRestartPod)
	dev.FreezeActive = true
	res = g.Evaluate(dev)
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleFreezeWindow, res.Rule)
}

func TestGateDevDefaultAllow(t *testing.T) {
	g := testGate(t)

	res := g.Evaluate(gateInput(config.EnvDev, models.ActionRestartPod))
	assert.Equal(t, DecisionAllow, res.Decision)
	assert.Equal(t, RuleDefaultAllow, res.Rule)
}

func TestApplyOverlay(t *testing.T) {
	g := testGate(t)

	g.ApplyOverlay(config.PolicyOverlay{
		FreezeActive:        true,
		ProtectedNamespaces: []string{"team-*"},
		Allowlists:          map[string][]string{"staging": {"restart_pod"}},
	})

	// Manual freeze applies to every evaluation.
	res := g.Evaluate(gateInput(config.EnvDev, models.ActionRestartPod))
	assert.Equal(t, DecisionRequireApproval, res.Decision)
	assert.Equal(t, RuleFreezeWindow, res.Rule)

	// Extra protected namespaces match as wildcards.
	in := gateInput(config.EnvStaging, models.ActionRestartPod)
	in.Namespace = "team-alpha"
	res = g.Evaluate(in)
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleProtectedNamespace, res.Rule)

	// The staging allowlist narrowed to restart_pod only.
	res = g.Evaluate(gateInput(config.EnvStaging, models.ActionRestartDeployment))
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleNotAllowlisted, res.Rule)

	// Builtin namespaces stay protected after the overlay lands.
	in = gateInput(config.EnvProd, models.ActionRestartPod)
	in.Namespace = "kube-system"
	res = g.Evaluate(in)
	assert.Equal(t, RuleProtectedNamespace, res.Rule)

	// Clearing the overlay restores the builtin tables.
	g.ApplyOverlay(config.PolicyOverlay{})
	res = g.Evaluate(gateInput(config.EnvStaging, models.ActionRestartDeployment))
	assert.Equal(t, DecisionAllow, res.Decision)
}

func TestApplyOverlayCannotWiden(t *testing.T) {
	g := testGate(t)

	// cordon_node is not in the builtin staging allowlist; listing it in the
	// overlay must not smuggle it in.
	g.ApplyOverlay(config.PolicyOverlay{
		Allowlists: map[string][]string{"staging": {"restart_pod", "cordon_node"}},
	})

	res := g.Evaluate(gateInput(config.EnvStaging, models.ActionCordonNode))
	assert.Equal(t, DecisionDeny, res.Decision)
	assert.Equal(t, RuleNotAllowlisted, res.Rule)
}

type captureAuditLogger struct {
	events []audit.Event
}

func (c *captureAuditLogger) Log(e audit.Event) error                        { c.events = append(c.events, e); return nil }
func (c *captureAuditLogger) Query(audit.QueryFilter) ([]audit.Event, error) { return c.events, nil }
func (c *captureAuditLogger) Count(audit.QueryFilter) (int, error)           { return len(c.events), nil }
func (c *captureAuditLogger) Close() error                                   { return nil }

func TestDecideWritesAuditRecord(t *testing.T) {
	capture := &captureAuditLogger{}
	audit.SetLogger(capture)
	defer audit.SetLogger(audit.NewConsoleLogger())

	g := testGate(t)
	in := gateInput(config.EnvProd, models.ActionRestartPod)
	in.Namespace = "kube-system"

	res := g.Decide(in)

	assert.Equal(t, DecisionDeny, res.Decision)
	require.Len(t, capture.events, 1)
	event := capture.events[0]
	assert.Equal(t, audit.EventPolicyDecision, event.EventType)
	assert.Equal(t, "inc-1", event.IncidentID)
	assert.Equal(t, "act-1", event.ActionID)
	assert.Equal(t, string(DecisionDeny), event.Outcome)
	assert.False(t, event.Success)
	assert.Contains(t, event.Details, RuleProtectedNamespace)
}
