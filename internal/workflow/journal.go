package workflow

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/policy"
	"github.com/kuremedy/kuremedy/internal/store"
)

// Journal entry kinds, in the order a workflow emits them. Effects are
// applied first and journaled after, so every kind names something that has
// already been observed; replay trusts the entry instead of re-running the
// step.
const (
	kindTransition       = "transition"
	kindInvestigated     = "investigated"
	kindActionPlanned    = "action_planned"
	kindPolicyDecided    = "policy_decided"
	kindApprovalResolved = "approval_resolved"
	kindActionExecuted   = "action_executed"
	kindVerified         = "verified"
	kindFinished         = "finished"
)

type transitionRecord struct {
	From models.IncidentStatus `json:"from"`
	To   models.IncidentStatus `json:"to"`
	At   time.Time             `json:"at"`
}

type investigationRecord struct {
	WindowStart     time.Time         `json:"windowStart"`
	WindowEnd       time.Time         `json:"windowEnd"`
	EvidenceCount   int               `json:"evidenceCount"`
	Partial         bool              `json:"partial"`
	Failures        map[string]string `json:"failures,omitempty"`
	HypothesisCount int               `json:"hypothesisCount"`
	TopCategory     string            `json:"topCategory"`
	TopConfidence   float64           `json:"topConfidence"`
}

type planRecord struct {
	ActionID       string            `json:"actionId"`
	HypothesisID   string            `json:"hypothesisId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	ActionType     models.ActionType `json:"actionType"`
	Target         string            `json:"target"`
	BlastRadius    float64           `json:"blastRadius"`
	// Skipped marks a candidate whose idempotency key resolved to an action
	// an earlier round already settled.
	Skipped bool `json:"skipped,omitempty"`
}

type policyRecord struct {
	ActionID string          `json:"actionId"`
	Decision policy.Decision `json:"decision"`
	Rule     string          `json:"rule"`
	Detail   string          `json:"detail,omitempty"`
}

type approvalRecord struct {
	ActionID  string `json:"actionId"`
	Outcome   string `json:"outcome"`
	DecidedBy string `json:"decidedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type executionRecord struct {
	ActionID   string    `json:"actionId"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Replayed   bool      `json:"replayed,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

type verificationRecord struct {
	ActionID       string `json:"actionId"`
	VerificationID string `json:"verificationId"`
	Success        bool   `json:"success"`
}

type finishRecord struct {
	Status models.IncidentStatus `json:"status"`
	Reason string                `json:"reason,omitempty"`
}

// journalCursor walks a persisted journal during replay. Entries are
// consumed strictly in order; the first kind mismatch means the stored
// history no longer matches the code's step sequence, and the cursor goes
// live so every remaining step executes for real. Idempotency keys and
// upsert semantics make that safe.
type journalCursor struct {
	incidentID string
	entries    []store.JournalEntry
	pos        int
}

func newJournalCursor(incidentID string, entries []store.JournalEntry) *journalCursor {
	return &journalCursor{incidentID: incidentID, entries: entries}
}

// goLive abandons whatever remains of the journal so every subsequent step
// executes for real. Escalation paths use it to journal a terminal state
// that the recorded history never reached.
func (c *journalCursor) goLive() {
	c.pos = len(c.entries)
}

// replay consumes the next entry when its kind matches, decoding the payload
// into out. A mismatch abandons the rest of the journal.
func (c *journalCursor) replay(kind string, out interface{}) bool {
	if c.pos >= len(c.entries) {
		return false
	}
	entry := c.entries[c.pos]
	if entry.Kind != kind {
		log.Warn().
			Str("incidentId", c.incidentID).
			Str("expected", kind).
			Str("found", entry.Kind).
			Int("seq", entry.Seq).
			Msg("Journal diverged from workflow steps, continuing live")
		c.pos = len(c.entries)
		return false
	}
	c.pos++
	if out == nil {
		return true
	}
	if err := json.Unmarshal(entry.Payload, out); err != nil {
		log.Error().Err(err).
			Str("incidentId", c.incidentID).
			Str("kind", kind).
			Int("seq", entry.Seq).
			Msg("Journal entry is unreadable, continuing live")
		c.pos = len(c.entries)
		return false
	}
	return true
}
