package policy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/config"
	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

// Decision is the gate's verdict on a proposed action.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionDeny            Decision = "deny"
)

// Rule keys surfaced in results, metrics, and audit records.
const (
	RuleHighRiskAction     = "high_risk_action"
	RuleProtectedNamespace = "protected_namespace"
	RuleBlastRadius        = "blast_radius_threshold"
	RuleReplicaCeiling     = "replica_ceiling"
	RuleNotAllowlisted     = "action_not_allowlisted"
	RuleFreezeWindow       = "freeze_window"
	RuleProduction         = "production_environment"
	RuleStagingBlast       = "staging_blast_radius"
	RuleRiskyAction        = "risky_action_type"
	RuleReplicaSpread      = "replica_spread"
	RuleDefaultAllow       = "default_allow"
)

// Input is everything the gate looks at. Current time and freeze state are
// passed in rather than read inside so evaluation stays a pure function.
type Input struct {
	IncidentID       string
	ActionID         string
	Environment      config.Environment
	ActionType       models.ActionType
	Namespace        string
	BlastRadius      float64
	AffectedReplicas int32
	Now              time.Time
	FreezeActive     bool
}

// Result is the gate's verdict with the rule that produced it.
type Result struct {
	Decision Decision `json:"decision"`
	Rule     string   `json:"rule"`
	Detail   string   `json:"detail"`
}

// Gate evaluates remediation policy. Construction bakes in the static
// configuration; ApplyOverlay folds in operator-adjustable state at runtime.
type Gate struct {
	mu            sync.RWMutex
	highRisk      map[models.ActionType]bool
	baseProtected []string
	protected     []string
	allowlists    map[config.Environment]map[models.ActionType]bool
	freezeStart   int
	freezeEnd     int
	frozen        bool
}

// defaultAllowlists are the action types each environment may automate.
var defaultAllowlists = map[config.Environment][]models.ActionType{
	config.EnvDev: {
		models.ActionRestartPod, models.ActionDeletePod, models.ActionRestartDeployment,
		models.ActionRollbackDeployment, models.ActionScaleReplicas, models.ActionCordonNode,
	},
	config.EnvStaging: {
		models.ActionRestartPod, models.ActionDeletePod, models.ActionRestartDeployment,
		models.ActionScaleReplicas, models.ActionRollbackDeployment,
	},
	config.EnvProd: {
		models.ActionRestartPod, models.ActionDeletePod, models.ActionRestartDeployment,
		models.ActionScaleReplicas,
	},
}

// approvalActions always require a human outside the fully automated paths.
var approvalActions = map[models.ActionType]bool{
	models.ActionRollbackDeployment: true,
	models.ActionCordonNode:         true,
}

// NewGate builds a gate from the static configuration.
func NewGate(cfg *config.Config) *Gate {
	g := &Gate{
		highRisk:      make(map[models.ActionType]bool, len(cfg.HighRiskActions)),
		baseProtected: append([]string(nil), cfg.ProtectedNamespaces...),
		protected:     append([]string(nil), cfg.ProtectedNamespaces...),
		allowlists:    make(map[config.Environment]map[models.ActionType]bool, len(defaultAllowlists)),
		freezeStart:   cfg.FreezeHoursStart,
		freezeEnd:     cfg.FreezeHoursEnd,
	}
	for _, a := range cfg.HighRiskActions {
		g.highRisk[models.ActionType(a)] = true
	}
	for env, actions := range defaultAllowlists {
		set := make(map[models.ActionType]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		g.allowlists[env] = set
	}
	return g
}

// ApplyOverlay folds operator-adjustable policy into the gate. The overlay
// only ever tightens: extra protected namespaces are appended, overlay
// allowlists intersect with the builtin ones, and the freeze switch is OR-ed
// into every evaluation.
func (g *Gate) ApplyOverlay(overlay config.PolicyOverlay) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.frozen = overlay.FreezeActive
	g.protected = append([]string(nil), g.baseProtected...)
	g.protected = append(g.protected, overlay.ProtectedNamespaces...)

	for env, actions := range defaultAllowlists {
		set := make(map[models.ActionType]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		if narrowed, ok := overlay.Allowlists[string(env)]; ok {
			keep := make(map[models.ActionType]bool, len(narrowed))
			for _, a := range narrowed {
				t := models.ActionType(a)
				if set[t] {
					keep[t] = true
				}
			}
			set = keep
		}
		g.allowlists[env] = set
	}

	log.Info().
		Bool("freezeActive", overlay.FreezeActive).
		Int("protectedNamespaces", len(g.protected)).
		Msg("Policy overlay applied")
}

// blastThreshold is the score at and above which an environment denies
// outright. Dev never denies on blast radius.
func blastThreshold(env config.Environment) float64 {
	switch env {
	case config.EnvProd:
		return 50
	case config.EnvStaging:
		return 75
	default:
		return math.Inf(1)
	}
}

// Evaluate runs the policy rules in order and returns the first match. It is
// pure: the same input against the same gate state always yields the same
// result, and it cannot fail.
func (g *Gate) Evaluate(in Input) Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	dev := in.Environment == config.EnvDev

	if g.highRisk[in.ActionType] && !dev {
		return Result{
			Decision: DecisionDeny,
			Rule:     RuleHighRiskAction,
			Detail:   fmt.Sprintf("%s is a high-risk action and %s is not dev", in.ActionType, in.Environment),
		}
	}

	if namespaceMatches(in.Namespace, g.protected) && !dev {
		return Result{
			Decision: DecisionDeny,
			Rule:     RuleProtectedNamespace,
			Detail:   fmt.Sprintf("namespace %s is protected in %s", in.Namespace, in.Environment),
		}
	}

	if threshold := blastThreshold(in.Environment); in.BlastRadius >= threshold {
		return Result{
			Decision: DecisionDeny,
			Rule:     RuleBlastRadius,
			Detail:   fmt.Sprintf("blast radius %.2f reaches the %s threshold %.0f", in.BlastRadius, in.Environment, threshold),
		}
	}
	if in.AffectedReplicas >= 5 && !dev {
		return Result{
			Decision: DecisionDeny,
			Rule:     RuleReplicaCeiling,
			Detail:   fmt.Sprintf("%d replicas affected, ceiling is 5 outside dev", in.AffectedReplicas),
		}
	}

	if !g.allowlists[in.Environment][in.ActionType] {
		return Result{
			Decision: DecisionDeny,
			Rule:     RuleNotAllowlisted,
			Detail:   fmt.Sprintf("%s is not allowlisted in %s", in.ActionType, in.Environment),
		}
	}

	// Freeze is checked before the other approval conditions so operators
	// always see freeze_window as the reason during a freeze, production
	// included.
	if g.inFreezeWindow(in) {
		return Result{
			Decision: DecisionRequireApproval,
			Rule:     RuleFreezeWindow,
			Detail:   fmt.Sprintf("change freeze in effect at hour %d", in.Now.Hour()),
		}
	}
	if in.Environment == config.EnvProd {
		return Result{
			Decision: DecisionRequireApproval,
			Rule:     RuleProduction,
			Detail:   "all production remediations need a human",
		}
	}
	if in.Environment == config.EnvStaging && in.BlastRadius >= 30 {
		return Result{
			Decision: DecisionRequireApproval,
			Rule:     RuleStagingBlast,
			Detail:   fmt.Sprintf("blast radius %.2f needs review in staging", in.BlastRadius),
		}
	}
	if approvalActions[in.ActionType] {
		return Result{
			Decision: DecisionRequireApproval,
			Rule:     RuleRiskyAction,
			Detail:   fmt.Sprintf("%s always needs review", in.ActionType),
		}
	}
	if in.AffectedReplicas >= 3 {
		return Result{
			Decision: DecisionRequireApproval,
			Rule:     RuleReplicaSpread,
			Detail:   fmt.Sprintf("%d replicas affected", in.AffectedReplicas),
		}
	}

	return Result{
		Decision: DecisionAllow,
		Rule:     RuleDefaultAllow,
		Detail:   "no policy rule matched",
	}
}

// Decide evaluates the input and records the outcome in the audit trail and
// metrics. The evaluation itself never changes state; only the recording does.
func (g *Gate) Decide(in Input) Result {
	res := g.Evaluate(in)

	metrics.RecordPolicyDecision(string(res.Decision), res.Rule)
	metrics.RecordBlastRadius(in.BlastRadius)
	audit.Log(
		audit.EventPolicyDecision,
		in.IncidentID,
		in.ActionID,
		"policy",
		string(res.Decision),
		res.Decision != DecisionDeny,
		fmt.Sprintf("%s: %s (action=%s namespace=%s blast=%.2f env=%s)",
			res.Rule, res.Detail, in.ActionType, in.Namespace, in.BlastRadius, in.Environment),
	)
	log.Info().
		Str("incidentId", in.IncidentID).
		Str("actionId", in.ActionID).
		Str("actionType", string(in.ActionType)).
		Str("decision", string(res.Decision)).
		Str("rule", res.Rule).
		Float64("blastRadius", in.BlastRadius).
		Msg("Policy decision")
	return res
}

// inFreezeWindow applies the configured nightly freeze, the prod weekend
// freeze, and the manual freeze switches.
func (g *Gate) inFreezeWindow(in Input) bool {
	hour := in.Now.Hour()
	var inHours bool
	if g.freezeStart <= g.freezeEnd {
		inHours = hour >= g.freezeStart && hour < g.freezeEnd
	} else {
		inHours = hour >= g.freezeStart || hour < g.freezeEnd
	}

	weekday := in.Now.Weekday()
	weekend := weekday == time.Saturday || weekday == time.Sunday

	return inHours ||
		(in.Environment == config.EnvProd && weekend) ||
		in.FreezeActive ||
		g.frozen
}
