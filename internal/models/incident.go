package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity represents how urgent an incident is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityPage     Severity = "page"
)

// IncidentStatus represents where an incident is in its lifecycle.
type IncidentStatus string

const (
	StatusOpen             IncidentStatus = "open"
	StatusInvestigating    IncidentStatus = "investigating"
	StatusRemediating      IncidentStatus = "remediating"
	StatusAwaitingApproval IncidentStatus = "awaiting_approval"
	StatusVerifying        IncidentStatus = "verifying"
	StatusResolved         IncidentStatus = "resolved"
	StatusFailed           IncidentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s IncidentStatus) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

// legalTransitions is the incident state machine. A transition absent from
// this map is rejected by CanTransition.
var legalTransitions = map[IncidentStatus][]IncidentStatus{
	StatusOpen:             {StatusInvestigating, StatusResolved},
	StatusInvestigating:    {StatusRemediating, StatusResolved, StatusFailed},
	StatusRemediating:      {StatusAwaitingApproval, StatusVerifying, StatusResolved, StatusFailed},
	StatusAwaitingApproval: {StatusRemediating, StatusVerifying, StatusResolved, StatusFailed},
	StatusVerifying:        {StatusRemediating, StatusResolved, StatusFailed},
	StatusResolved:         {},
	StatusFailed:           {StatusRemediating},
}

// CanTransition reports whether moving from s to next is legal.
// External acknowledgement may resolve from any non-terminal state.
func (s IncidentStatus) CanTransition(next IncidentStatus) bool {
	if next == StatusResolved && !s.Terminal() {
		return true
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Incident is the deduplicated, persistent representation of one ongoing
// issue. Fingerprint is globally unique; two alerts with the same fingerprint
// map to the same incident.
type Incident struct {
	ID             string            `json:"id"`
	Fingerprint    string            `json:"fingerprint"`
	Title          string            `json:"title"`
	Severity       Severity          `json:"severity"`
	Status         IncidentStatus    `json:"status"`
	Source         string            `json:"source"`
	Cluster        string            `json:"cluster"`
	Namespace      string            `json:"namespace"`
	Service        string            `json:"service,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
	StartedAt      time.Time         `json:"startedAt"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
}

// NewIncidentID returns a lexicographically sortable incident ID.
func NewIncidentID() string {
	return ulid.Make().String()
}

// Clone returns a deep copy safe to share across goroutines.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Labels != nil {
		clone.Labels = make(map[string]string, len(i.Labels))
		for k, v := range i.Labels {
			clone.Labels[k] = v
		}
	}
	if i.Annotations != nil {
		clone.Annotations = make(map[string]string, len(i.Annotations))
		for k, v := range i.Annotations {
			clone.Annotations[k] = v
		}
	}
	if i.AcknowledgedAt != nil {
		t := *i.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}
