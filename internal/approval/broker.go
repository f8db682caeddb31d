package approval

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

// Notifier pushes a newly raised request to wherever operators watch.
type Notifier interface {
	Notify(ctx context.Context, req *Request) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, req *Request) error

func (f NotifierFunc) Notify(ctx context.Context, req *Request) error { return f(ctx, req) }

// Broker raises approval requests and blocks the caller until they resolve.
// With auto-approve enabled it answers immediately, which is how dev
// clusters skip the human without skipping the audit trail.
type Broker struct {
	store       *Store
	notifier    Notifier
	autoApprove bool
}

// BrokerOption adjusts broker construction.
type BrokerOption func(*Broker)

// WithAutoApprove makes every request resolve as approved without waiting.
func WithAutoApprove(enabled bool) BrokerOption {
	return func(b *Broker) { b.autoApprove = enabled }
}

// NewBroker wires a store and an optional notifier. A nil notifier means
// requests are only visible through the store's pending list.
func NewBroker(store *Store, notifier Notifier, opts ...BrokerOption) *Broker {
	b := &Broker{store: store, notifier: notifier}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Store exposes the underlying request store for decision endpoints.
func (b *Broker) Store() *Store { return b.store }

// Request raises (or reattaches to) an approval request and blocks until it
// resolves one way or the other. The timeout caps how long this call waits;
// zero falls back to the store's default expiry.
func (b *Broker) Request(ctx context.Context, req *Request, timeout time.Duration) (Decision, error) {
	if timeout > 0 && req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().Add(timeout)
	}
	created, err := b.store.Create(req)
	if err != nil {
		return Decision{}, err
	}

	if created {
		audit.Log(audit.EventApprovalRequested, req.IncidentID, req.ActionID, "workflow",
			"pending", true, string(req.ActionType)+" on "+req.Namespace+"/"+req.Target)
	}

	if b.autoApprove {
		if _, err := b.store.Approve(req.ID, "auto-dev"); err != nil {
			// Races with an operator decision or an expiry; fall through
			// to the wait, which reads whatever won.
			log.Debug().Err(err).Str("id", req.ID).Msg("auto-approve did not apply")
		}
	} else if b.notifier != nil && created {
		if err := b.notifier.Notify(ctx, req); err != nil {
			// Operators can still decide through the API, so a failed
			// notification degrades to a silent wait rather than an error.
			log.Warn().Err(err).Str("id", req.ID).Msg("Failed to deliver approval notification")
		}
	}

	decision, err := b.store.Wait(ctx, req.ID)
	if err != nil {
		return Decision{}, err
	}

	if decision.Outcome == OutcomeApproved {
		if _, err := b.store.Consume(req.ID, req.ActionType, req.Namespace, req.Target); err != nil {
			// A consumed or mismatched approval must not authorize this run.
			log.Warn().Err(err).Str("id", req.ID).Msg("Approval could not be consumed")
			decision = Decision{Outcome: OutcomeDenied, Reason: err.Error()}
		}
	}

	metrics.RecordApproval(string(decision.Outcome))
	audit.Log(audit.EventApprovalResolved, req.IncidentID, req.ActionID,
		actorFor(decision), string(decision.Outcome),
		decision.Outcome == OutcomeApproved, decision.Reason)
	log.Info().
		Str("incidentId", req.IncidentID).
		Str("actionId", req.ActionID).
		Str("outcome", string(decision.Outcome)).
		Str("decidedBy", decision.DecidedBy).
		Msg("Approval resolved")

	return decision, nil
}

func actorFor(d Decision) string {
	if d.DecidedBy != "" {
		return d.DecidedBy
	}
	return "timeout"
}
