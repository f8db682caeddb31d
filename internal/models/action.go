package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType identifies a remediation operation against the cluster.
type ActionType string

const (
	ActionRestartPod           ActionType = "restart_pod"
	ActionDeletePod            ActionType = "delete_pod"
	ActionRestartDeployment    ActionType = "restart_deployment"
	ActionRollbackDeployment   ActionType = "rollback_deployment"
	ActionScaleReplicas        ActionType = "scale_replicas"
	ActionCordonNode           ActionType = "cordon_node"
	ActionUncordonNode         ActionType = "uncordon_node"
	ActionDrainNode            ActionType = "drain_node"
	ActionUpdateResourceLimits ActionType = "update_resource_limits"
	ActionUpdateConfigMap      ActionType = "update_configmap"
	ActionDeletePVC            ActionType = "delete_pvc"
	ActionDeleteNamespace      ActionType = "delete_namespace"
)

// RiskLevel grades how disruptive an action type is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// actionRisks assigns the default risk grade per action type.
var actionRisks = map[ActionType]RiskLevel{
	ActionRestartPod:           RiskLow,
	ActionDeletePod:            RiskLow,
	ActionRestartDeployment:    RiskLow,
	ActionScaleReplicas:        RiskLow,
	ActionRollbackDeployment:   RiskMedium,
	ActionCordonNode:           RiskMedium,
	ActionUncordonNode:         RiskMedium,
	ActionDrainNode:            RiskHigh,
	ActionUpdateResourceLimits: RiskHigh,
	ActionUpdateConfigMap:      RiskHigh,
	ActionDeletePVC:            RiskHigh,
	ActionDeleteNamespace:      RiskHigh,
}

// Risk returns the default risk level for the action type. Unknown types are
// graded high.
func (t ActionType) Risk() RiskLevel {
	if r, ok := actionRisks[t]; ok {
		return r
	}
	return RiskHigh
}

// ActionStatus tracks a remediation action through its lifecycle.
type ActionStatus string

const (
	ActionProposed         ActionStatus = "proposed"
	ActionPolicyDenied     ActionStatus = "policy_denied"
	ActionAwaitingApproval ActionStatus = "awaiting_approval"
	ActionApproved         ActionStatus = "approved"
	ActionExecuting        ActionStatus = "executing"
	ActionSucceeded        ActionStatus = "succeeded"
	ActionFailed           ActionStatus = "failed"
	ActionVerified         ActionStatus = "verified"
	ActionUnverified       ActionStatus = "unverified"
)

// Terminal reports whether the action status admits no further transitions.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionPolicyDenied, ActionFailed, ActionVerified, ActionUnverified:
		return true
	}
	return false
}

// ActionParameters is the typed parameter bag for an action, keyed by
// ActionType. Unused fields stay zero.
type ActionParameters struct {
	Replicas           *int32 `json:"replicas,omitempty"`
	Revision           int64  `json:"revision,omitempty"`
	GracePeriodSeconds *int64 `json:"gracePeriodSeconds,omitempty"`
	Container          string `json:"container,omitempty"`
	MemoryLimit        string `json:"memoryLimit,omitempty"`
	CPULimit           string `json:"cpuLimit,omitempty"`
}

// Hash returns a stable digest of the parameters for idempotency keys.
func (p *ActionParameters) Hash() string {
	if p == nil {
		return "none"
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "none"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// IdempotencyKey derives the replay-safe identity of an action. Re-issuing an
// action with the same key returns the prior record without touching the
// cluster.
func IdempotencyKey(incidentID string, actionType ActionType, target string, params *ActionParameters) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", incidentID, actionType, target, params.Hash())))
	return hex.EncodeToString(sum[:16])
}

// ExecutionResult records what the executor observed.
type ExecutionResult struct {
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Replayed   bool      `json:"replayed,omitempty"`
}

// RemediationAction is one proposed or performed cluster mutation. At most
// one non-terminal action exists per incident at a time.
type RemediationAction struct {
	ID               string            `json:"id"`
	IncidentID       string            `json:"incidentId"`
	HypothesisID     string            `json:"hypothesisId,omitempty"`
	IdempotencyKey   string            `json:"idempotencyKey"`
	ActionType       ActionType        `json:"actionType"`
	TargetResource   string            `json:"targetResource"`
	TargetNamespace  string            `json:"targetNamespace"`
	Parameters       *ActionParameters `json:"parameters,omitempty"`
	RiskLevel        RiskLevel         `json:"riskLevel"`
	BlastRadiusScore float64           `json:"blastRadiusScore"`
	Status           ActionStatus      `json:"status"`
	RequiresApproval bool              `json:"requiresApproval"`
	ApprovedBy       string            `json:"approvedBy,omitempty"`
	ApprovedAt       *time.Time        `json:"approvedAt,omitempty"`
	ExecutedAt       *time.Time        `json:"executedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	Result           *ExecutionResult  `json:"result,omitempty"`
}

// NewActionID returns a fresh action ID.
func NewActionID() string {
	return uuid.New().String()
}

// VerificationResult records the post-action metric comparison for an action.
type VerificationResult struct {
	ID              string    `json:"id"`
	ActionID        string    `json:"actionId"`
	IncidentID      string    `json:"incidentId"`
	Success         bool      `json:"success"`
	MetricsImproved bool      `json:"metricsImproved"`
	ErrorRateBefore float64   `json:"errorRateBefore"`
	ErrorRateAfter  float64   `json:"errorRateAfter"`
	LatencyBefore   float64   `json:"latencyBefore"`
	LatencyAfter    float64   `json:"latencyAfter"`
	RestartDelta    float64   `json:"restartDelta"`
	ReadyRatio      float64   `json:"readyRatio"`
	Details         string    `json:"details,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}
