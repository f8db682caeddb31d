package models

import "time"

// HypothesisCategory classifies the suspected root cause.
type HypothesisCategory string

const (
	CategoryBadDeploy          HypothesisCategory = "bad_deploy"
	CategoryExternalDependency HypothesisCategory = "external_dependency"
	CategoryMemoryExhaustion   HypothesisCategory = "memory_exhaustion"
	CategoryImageIssue         HypothesisCategory = "image_issue"
	CategoryScalingLimit       HypothesisCategory = "scaling_limit"
	CategoryInfrastructure     HypothesisCategory = "infrastructure"
	CategoryConfigDrift        HypothesisCategory = "config_drift"
	CategoryNetwork            HypothesisCategory = "network"
	CategoryResourceContention HypothesisCategory = "resource_contention"
	CategoryUnknown            HypothesisCategory = "unknown"
)

// CategoryPriority orders categories for rank tie-breaking; earlier wins.
var CategoryPriority = []HypothesisCategory{
	CategoryMemoryExhaustion,
	CategoryImageIssue,
	CategoryBadDeploy,
	CategoryInfrastructure,
	CategoryScalingLimit,
	CategoryExternalDependency,
	CategoryConfigDrift,
	CategoryNetwork,
	CategoryResourceContention,
	CategoryUnknown,
}

// PriorityIndex returns the tie-break position of c (lower wins). Unlisted
// categories sort last.
func (c HypothesisCategory) PriorityIndex() int {
	for i, p := range CategoryPriority {
		if p == c {
			return i
		}
	}
	return len(CategoryPriority)
}

// GeneratedBy records whether a hypothesis was touched by LLM enrichment.
type GeneratedBy string

const (
	GeneratedByRules    GeneratedBy = "rules"
	GeneratedByRulesLLM GeneratedBy = "rules+llm"
)

// ActionTemplate is a recommended remediation carried by a hypothesis. It
// names an action type and default parameters; the runbook builder resolves
// it against the incident's concrete target.
type ActionTemplate struct {
	ActionType ActionType        `json:"actionType"`
	Reason     string            `json:"reason,omitempty"`
	Parameters *ActionParameters `json:"parameters,omitempty"`
}

// Hypothesis is a candidate causal explanation for an incident. Rank is dense
// and unique per incident; rank 1 is the strongest. Enrichment may rewrite
// Title and Description only.
type Hypothesis struct {
	ID                    string             `json:"id"`
	IncidentID            string             `json:"incidentId"`
	Category              HypothesisCategory `json:"category"`
	Title                 string             `json:"title"`
	Description           string             `json:"description"`
	Confidence            float64            `json:"confidence"`
	Rank                  int                `json:"rank"`
	SupportingEvidence    []string           `json:"supportingEvidence,omitempty"`
	ContradictingEvidence []string           `json:"contradictingEvidence,omitempty"`
	RecommendedActions    []ActionTemplate   `json:"recommendedActions,omitempty"`
	GeneratedBy           GeneratedBy        `json:"generatedBy"`
	CreatedAt             time.Time          `json:"createdAt"`
}
