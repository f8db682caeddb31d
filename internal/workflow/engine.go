// Package workflow drives an incident from open to closed. Each incident
// runs as one durable state machine: activities execute in a fixed order,
// every completion is journaled to SQLite before the next step observes it,
// and a restarted process replays the journal to resume exactly where the
// previous run stopped. Cluster mutations stay safe across replays because
// the executor keys them idempotently.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/approval"
	"github.com/kuremedy/kuremedy/internal/collect"
	"github.com/kuremedy/kuremedy/internal/execute"
	"github.com/kuremedy/kuremedy/internal/metrics"
	"github.com/kuremedy/kuremedy/internal/models"
	"github.com/kuremedy/kuremedy/internal/policy"
	"github.com/kuremedy/kuremedy/internal/rules"
	"github.com/kuremedy/kuremedy/internal/store"
	"github.com/kuremedy/kuremedy/pkg/audit"
)

const maxActivityAttempts = 3

var activityBackoff = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

// Failure reasons recorded on the terminal journal entry.
const (
	reasonPolicyDenied     = "PolicyDenied"
	reasonApprovalDenied   = "ApprovalDenied"
	reasonApprovalTimeout  = "ApprovalTimeout"
	reasonExecutionFailed  = "ExecutionFailed"
	reasonUnverified       = "VerificationFailed"
	reasonNoRemediation    = "NoExecutableRemediation"
	reasonBudgetExhausted  = "RetryBudgetExhausted"
	reasonCancelled        = "Cancelled"
	reasonDeadlineExceeded = "DeadlineExceeded"
)

// run is one incident's pass through the workflow.
type run struct {
	d      *Driver
	inc    *models.Incident
	began  time.Time
	cursor *journalCursor
}

func newRun(d *Driver, inc *models.Incident) *run {
	return &run{d: d, inc: inc.Clone(), began: d.now()}
}

// execute drives the incident to a terminal state or returns the context
// error that interrupted it.
func (w *run) execute(ctx context.Context) error {
	entries, err := w.d.st.JournalEntries(w.inc.ID)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	w.cursor = newJournalCursor(w.inc.ID, entries)
	if len(entries) > 0 {
		metrics.RecordWorkflowReplay()
		// Replay re-walks the recorded history from the top; the journal
		// advances the in-memory status without re-persisting anything.
		w.inc.Status = models.StatusOpen
		log.Info().
			Str("incidentId", w.inc.ID).
			Int("entries", len(entries)).
			Msg("Resuming workflow from journal")
	}

	if done, err := w.checkExternallyResolved(); done || err != nil {
		return err
	}

	if w.inc.Status == models.StatusOpen {
		if err := w.transition(models.StatusInvestigating); err != nil {
			return err
		}
	}

	evidence, hyps, err := w.investigate(ctx)
	if err != nil {
		return err
	}
	signals := rules.ExtractSignals(evidence)

	return w.remediate(ctx, hyps, signals)
}

// checkExternallyResolved reloads the stored incident and reports whether an
// external actor already closed it.
func (w *run) checkExternallyResolved() (bool, error) {
	stored, err := w.d.st.GetIncident(w.inc.ID)
	if err != nil {
		return false, fmt.Errorf("refresh incident: %w", err)
	}
	w.inc.AcknowledgedAt = stored.AcknowledgedAt
	if stored.Status.Terminal() {
		w.inc.Status = stored.Status
		w.inc.ResolvedAt = stored.ResolvedAt
		log.Info().
			Str("incidentId", w.inc.ID).
			Str("status", string(stored.Status)).
			Msg("Incident closed externally, workflow stopping")
		return true, nil
	}
	return false, nil
}

// transition moves the incident to the next status, records it everywhere
// the status is mirrored, and journals it. Replay applies the journaled
// target without re-persisting.
func (w *run) transition(to models.IncidentStatus) error {
	var rec transitionRecord
	if w.cursor.replay(kindTransition, &rec) {
		w.inc.Status = rec.To
		if rec.To == models.StatusResolved {
			at := rec.At
			w.inc.ResolvedAt = &at
		}
		return nil
	}

	from := w.inc.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for incident %s", from, to, w.inc.ID)
	}

	now := w.d.now().UTC()
	var resolvedAt *time.Time
	if to == models.StatusResolved {
		resolvedAt = &now
	}
	if err := w.d.st.UpdateIncidentStatus(w.inc.ID, to, resolvedAt); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}
	w.inc.Status = to
	if resolvedAt != nil {
		w.inc.ResolvedAt = resolvedAt
	}
	metrics.RecordIncidentTransition(from, to)
	if _, err := w.d.graph.UpsertIncident(w.inc); err != nil {
		log.Warn().Err(err).Str("incidentId", w.inc.ID).Msg("Graph incident refresh failed")
	}

	if _, err := w.d.st.AppendJournal(w.inc.ID, kindTransition, transitionRecord{From: from, To: to, At: now}); err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	log.Debug().
		Str("incidentId", w.inc.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Incident transitioned")
	return nil
}

// investigate collects evidence, attaches it to the graph, and generates
// ranked hypotheses. On replay both sets are read back from the store.
func (w *run) investigate(ctx context.Context) ([]models.Evidence, []models.Hypothesis, error) {
	var rec investigationRecord
	if w.cursor.replay(kindInvestigated, &rec) {
		evidence, err := w.d.st.EvidenceForIncident(w.inc.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reload evidence: %w", err)
		}
		hyps, err := w.d.st.HypothesesForIncident(w.inc.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reload hypotheses: %w", err)
		}
		return evidence, hyps, nil
	}

	// The window reaches back past the alert so pre-incident context (the
	// deploy that caused it, the first error lines) is inside it.
	window := models.TimeWindow{
		Start: w.inc.StartedAt.Add(-w.d.cfg.DeployLookback),
		End:   w.d.now().UTC(),
	}
	collectCtx, cancel := context.WithTimeout(ctx, w.d.cfg.CollectionDeadlineTotal)
	result, err := w.d.collectors.RunAll(collectCtx, collect.ContextFor(w.inc), window, w.d.cfg.CollectionDeadlinePerSource)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("collect evidence: %w", err)
	}

	if err := w.retryActivity(ctx, "persist-evidence", func() error {
		return w.d.st.AppendEvidence(result.Evidence)
	}); err != nil {
		return nil, nil, err
	}
	if err := w.attachToGraph(ctx, result.Evidence); err != nil {
		return nil, nil, err
	}

	hyps := w.d.rules.Generate(w.inc, result.Evidence)
	hyps = rules.EnrichAll(ctx, w.d.enricher, w.inc, hyps)
	if err := w.retryActivity(ctx, "persist-hypotheses", func() error {
		return w.d.st.AppendHypotheses(hyps)
	}); err != nil {
		return nil, nil, err
	}

	runbook := rules.BuildRunbook(w.inc, hyps, w.d.cfg.GrafanaURL)
	log.Info().
		Str("incidentId", w.inc.ID).
		Str("topHypothesis", runbook.TopHypothesis).
		Int("commands", len(runbook.Commands)).
		Int("evidence", len(result.Evidence)).
		Bool("partial", result.Partial).
		Msg("Investigation complete")

	rec = investigationRecord{
		WindowStart:     window.Start,
		WindowEnd:       window.End,
		EvidenceCount:   len(result.Evidence),
		Partial:         result.Partial,
		HypothesisCount: len(hyps),
		TopCategory:     string(hyps[0].Category),
		TopConfidence:   hyps[0].Confidence,
	}
	if len(result.Failures) > 0 {
		rec.Failures = make(map[string]string, len(result.Failures))
		for name, ferr := range result.Failures {
			rec.Failures[name] = ferr.Error()
		}
	}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindInvestigated, rec); err != nil {
		return nil, nil, fmt.Errorf("journal investigation: %w", err)
	}
	return result.Evidence, hyps, nil
}

// attachToGraph mirrors the incident, its evidence, and the cluster topology
// the evidence describes into the entity graph. Graph writes are upserts, so
// retries and replays converge.
func (w *run) attachToGraph(ctx context.Context, evidence []models.Evidence) error {
	return w.retryActivity(ctx, "graph-attach", func() error {
		if _, err := w.d.graph.UpsertIncident(w.inc); err != nil {
			return err
		}
		for _, ev := range evidence {
			if err := w.d.graph.AttachEvidence(w.inc, ev); err != nil {
				return err
			}
		}
		return w.d.graph.AttachTopology(w.inc, evidence)
	})
}

// candidate pairs a hypothesis with one of its planned actions.
type candidate struct {
	hyp    models.Hypothesis
	action models.RemediationAction
}

// remediate works through the ranked candidates until one verifies, the
// retry budget runs out, or nothing is left to try.
func (w *run) remediate(ctx context.Context, hyps []models.Hypothesis, signals rules.Signals) error {
	candidates := w.buildCandidates(hyps, signals)
	if len(candidates) == 0 {
		log.Warn().
			Str("incidentId", w.inc.ID).
			Msg("No executable remediation for any hypothesis, escalating")
		if err := w.transition(models.StatusFailed); err != nil {
			return err
		}
		return w.finish(models.StatusFailed, reasonNoRemediation)
	}

	// The budget counts re-entries from failed back into remediating, so
	// the workflow attempts at most 1+RetryBudget failing rounds.
	budget := w.d.cfg.RetryBudget
	lastReason := reasonNoRemediation

	for _, cand := range candidates {
		if done, err := w.checkExternallyResolved(); err != nil {
			return err
		} else if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if w.inc.Status == models.StatusFailed {
			if budget == 0 {
				lastReason = reasonBudgetExhausted
				break
			}
			budget--
		}
		if w.inc.Status != models.StatusRemediating {
			if err := w.transition(models.StatusRemediating); err != nil {
				return err
			}
		}

		action, err := w.planAction(cand, signals)
		if err != nil {
			return err
		}
		if action == nil {
			// Same idempotency key as an already settled action; this
			// candidate was handled in an earlier round.
			continue
		}

		verdict, err := w.decidePolicy(action, signals)
		if err != nil {
			return err
		}
		switch verdict.Decision {
		case policy.DecisionDeny:
			// Deterministic refusal: re-proposing the same action can
			// never pass, so skip without burning retry budget.
			lastReason = reasonPolicyDenied
			if err := w.markActionDenied(action, verdict.Rule+": "+verdict.Detail); err != nil {
				return err
			}
			continue
		case policy.DecisionRequireApproval:
			outcome, err := w.awaitApproval(ctx, action, cand.hyp, verdict, signals)
			if err != nil {
				return err
			}
			if outcome != approval.OutcomeApproved {
				lastReason = reasonApprovalDenied
				if outcome == approval.OutcomeTimedOut {
					lastReason = reasonApprovalTimeout
				}
				if err := w.transition(models.StatusFailed); err != nil {
					return err
				}
				continue
			}
		}

		result, err := w.executeAction(ctx, action)
		if err != nil {
			return err
		}
		if result.Outcome != execute.OutcomeSucceeded {
			lastReason = reasonExecutionFailed
			if err := w.transition(models.StatusFailed); err != nil {
				return err
			}
			continue
		}

		if err := w.transition(models.StatusVerifying); err != nil {
			return err
		}
		verified, err := w.verifyAction(ctx, action, result.FinishedAt)
		if err != nil {
			return err
		}
		if verified {
			if err := w.transition(models.StatusResolved); err != nil {
				return err
			}
			return w.finish(models.StatusResolved, string(cand.hyp.Category))
		}

		lastReason = reasonUnverified
		if err := w.transition(models.StatusFailed); err != nil {
			return err
		}
	}

	if w.inc.Status != models.StatusFailed {
		if err := w.transition(models.StatusFailed); err != nil {
			return err
		}
	}
	return w.finish(models.StatusFailed, lastReason)
}

// buildCandidates flattens the ranked hypotheses into an ordered action
// list. Plans are rebuilt deterministically from stored data, so a replayed
// workflow walks the same sequence.
func (w *run) buildCandidates(hyps []models.Hypothesis, signals rules.Signals) []candidate {
	var out []candidate
	for _, hyp := range hyps {
		for _, action := range rules.BuildPlan(w.inc, hyp, signals) {
			out = append(out, candidate{hyp: hyp, action: action})
		}
	}
	return out
}

// planAction persists the candidate action, scoring its blast radius first
// so the stored record carries it. The idempotency key makes this converge
// on the original row across replays. Returns nil when the key maps to an
// action that already reached a terminal state, meaning an earlier round
// fully handled this candidate; the skip is journaled so replay stays
// aligned with the candidate walk.
func (w *run) planAction(cand candidate, signals rules.Signals) (*models.RemediationAction, error) {
	var rec planRecord
	if w.cursor.replay(kindActionPlanned, &rec) {
		if rec.Skipped {
			return nil, nil
		}
		stored, err := w.d.st.GetActionByKey(rec.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("reload planned action: %w", err)
		}
		return stored, nil
	}

	proposed := cand.action
	total := int32(signals.PodsTotal)
	proposed.BlastRadiusScore = policy.Score(policy.BlastRadiusInput{
		AffectedReplicas: affectedReplicas(proposed.ActionType, total),
		TotalReplicas:    total,
		Namespace:        proposed.TargetNamespace,
		Environment:      w.d.cfg.Environment,
		ActionType:       proposed.ActionType,
	}, policy.DefaultBlastRadiusWeights, w.d.cfg.ProtectedNamespaces)

	action, err := w.createAction(&proposed)
	if err != nil {
		return nil, err
	}

	rec = planRecord{
		ActionID:       action.ID,
		HypothesisID:   action.HypothesisID,
		IdempotencyKey: action.IdempotencyKey,
		ActionType:     action.ActionType,
		Target:         action.TargetNamespace + "/" + action.TargetResource,
		BlastRadius:    action.BlastRadiusScore,
		Skipped:        action.Status.Terminal(),
	}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindActionPlanned, rec); err != nil {
		return nil, fmt.Errorf("journal plan: %w", err)
	}
	if rec.Skipped {
		return nil, nil
	}
	return action, nil
}

// createAction inserts the proposal, reconciling a stale in-flight action
// left behind by an abandoned journal if one blocks the insert.
func (w *run) createAction(proposed *models.RemediationAction) (*models.RemediationAction, error) {
	action, err := w.d.st.CreateAction(proposed)
	if err == nil {
		return action, nil
	}
	if !errors.Is(err, store.ErrActionInFlight) {
		return nil, fmt.Errorf("persist action: %w", err)
	}

	stale, listErr := w.d.st.ActionsForIncident(w.inc.ID)
	if listErr != nil {
		return nil, fmt.Errorf("list in-flight actions: %w", listErr)
	}
	for _, old := range stale {
		if old.Status.Terminal() {
			continue
		}
		old.Status = models.ActionFailed
		now := w.d.now().UTC()
		old.CompletedAt = &now
		if updErr := w.d.st.UpdateAction(old); updErr != nil {
			return nil, fmt.Errorf("reconcile stale action %s: %w", old.ID, updErr)
		}
		w.d.exec.ReleaseLease(old)
		log.Warn().
			Str("incidentId", w.inc.ID).
			Str("actionId", old.ID).
			Msg("Marked stale in-flight action failed")
	}
	action, err = w.d.st.CreateAction(proposed)
	if err != nil {
		return nil, fmt.Errorf("persist action after reconcile: %w", err)
	}
	return action, nil
}

// decidePolicy runs the gate, or replays its journaled verdict. Replays use
// the recorded decision even if overlays have since changed; the decision
// that matters is the one the workflow already acted on.
func (w *run) decidePolicy(action *models.RemediationAction, signals rules.Signals) (policy.Result, error) {
	var rec policyRecord
	if w.cursor.replay(kindPolicyDecided, &rec) {
		return policy.Result{Decision: rec.Decision, Rule: rec.Rule, Detail: rec.Detail}, nil
	}

	verdict := w.d.gate.Decide(policy.Input{
		IncidentID:       w.inc.ID,
		ActionID:         action.ID,
		Environment:      w.d.cfg.Environment,
		ActionType:       action.ActionType,
		Namespace:        action.TargetNamespace,
		BlastRadius:      action.BlastRadiusScore,
		AffectedReplicas: affectedReplicas(action.ActionType, int32(signals.PodsTotal)),
		Now:              w.d.now(),
	})

	rec = policyRecord{ActionID: action.ID, Decision: verdict.Decision, Rule: verdict.Rule, Detail: verdict.Detail}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindPolicyDecided, rec); err != nil {
		return policy.Result{}, fmt.Errorf("journal policy decision: %w", err)
	}
	return verdict, nil
}

func (w *run) markActionDenied(action *models.RemediationAction, detail string) error {
	action.Status = models.ActionPolicyDenied
	now := w.d.now().UTC()
	action.CompletedAt = &now
	if err := w.d.st.UpdateAction(action); err != nil {
		return fmt.Errorf("record policy denial: %w", err)
	}
	log.Info().
		Str("incidentId", w.inc.ID).
		Str("actionId", action.ID).
		Str("detail", detail).
		Msg("Action denied by policy")
	return nil
}

// awaitApproval suspends the workflow on the human gate. The request ID is
// the action ID, so a restarted workflow reattaches to the same request and
// an operator's answer is never lost to a crash.
func (w *run) awaitApproval(ctx context.Context, action *models.RemediationAction, hyp models.Hypothesis, verdict policy.Result, signals rules.Signals) (approval.Outcome, error) {
	// The suspension transition lands in the journal before the outcome, so
	// replay has to consume it first.
	if err := w.transition(models.StatusAwaitingApproval); err != nil {
		return "", err
	}

	var rec approvalRecord
	if w.cursor.replay(kindApprovalResolved, &rec) {
		return approval.Outcome(rec.Outcome), nil
	}

	action.Status = models.ActionAwaitingApproval
	action.RequiresApproval = true
	if err := w.d.st.UpdateAction(action); err != nil {
		return "", fmt.Errorf("mark action awaiting approval: %w", err)
	}

	decision, err := w.d.approvals.Request(ctx, &approval.Request{
		ID:               action.ID,
		IncidentID:       w.inc.ID,
		ActionID:         action.ID,
		ActionType:       action.ActionType,
		Target:           action.TargetResource,
		Namespace:        action.TargetNamespace,
		Environment:      string(w.d.cfg.Environment),
		Severity:         w.inc.Severity,
		Title:            w.inc.Title,
		Reason:           fmt.Sprintf("%s (%s: %s)", hyp.Title, verdict.Rule, verdict.Detail),
		BlastRadius:      action.BlastRadiusScore,
		AffectedReplicas: int(affectedReplicas(action.ActionType, int32(signals.PodsTotal))),
	}, w.d.cfg.ApprovalTimeout)
	if err != nil {
		return "", fmt.Errorf("approval request: %w", err)
	}

	now := w.d.now().UTC()
	switch decision.Outcome {
	case approval.OutcomeApproved:
		action.Status = models.ActionApproved
		action.ApprovedBy = decision.DecidedBy
		action.ApprovedAt = &now
	default:
		action.Status = models.ActionPolicyDenied
		action.CompletedAt = &now
	}
	if err := w.d.st.UpdateAction(action); err != nil {
		return "", fmt.Errorf("record approval outcome: %w", err)
	}

	rec = approvalRecord{
		ActionID:  action.ID,
		Outcome:   string(decision.Outcome),
		DecidedBy: decision.DecidedBy,
		Reason:    decision.Reason,
	}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindApprovalResolved, rec); err != nil {
		return "", fmt.Errorf("journal approval: %w", err)
	}
	return decision.Outcome, nil
}

// executeAction performs the remediation. The journal short-circuits a
// replay, and beneath that the executor's idempotency key replays the stored
// result rather than touching the cluster again.
func (w *run) executeAction(ctx context.Context, action *models.RemediationAction) (*models.ExecutionResult, error) {
	var rec executionRecord
	if w.cursor.replay(kindActionExecuted, &rec) {
		stored, err := w.d.st.GetAction(rec.ActionID)
		if err != nil {
			return nil, fmt.Errorf("reload executed action: %w", err)
		}
		*action = *stored
		if stored.Result != nil {
			return stored.Result, nil
		}
		return &models.ExecutionResult{Outcome: rec.Outcome, Attempts: rec.Attempts, FinishedAt: rec.FinishedAt}, nil
	}

	var result *models.ExecutionResult
	err := w.retryActivity(ctx, "execute", func() error {
		var execErr error
		result, execErr = w.d.exec.Execute(ctx, action)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("execute action %s: %w", action.ID, err)
	}

	rec = executionRecord{
		ActionID:   action.ID,
		Outcome:    result.Outcome,
		Attempts:   result.Attempts,
		Replayed:   result.Replayed,
		FinishedAt: result.FinishedAt,
	}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindActionExecuted, rec); err != nil {
		return nil, fmt.Errorf("journal execution: %w", err)
	}
	return result, nil
}

// verifyAction waits out the settle delay, asks the verifier whether the
// action actually fixed anything, settles the action's final status, and
// frees its target lease.
func (w *run) verifyAction(ctx context.Context, action *models.RemediationAction, finishedAt time.Time) (bool, error) {
	var rec verificationRecord
	if w.cursor.replay(kindVerified, &rec) {
		return rec.Success, nil
	}

	// Wait relative to when the action landed, not when this code runs, so
	// a restart mid-delay does not stretch the wait.
	if until := finishedAt.Add(w.d.cfg.VerificationDelay); w.d.now().Before(until) {
		if err := w.d.sleep(ctx, until.Sub(w.d.now())); err != nil {
			return false, err
		}
	}

	var result *models.VerificationResult
	err := w.retryActivity(ctx, "verify", func() error {
		var verr error
		result, verr = w.d.verifier.Verify(ctx, w.inc, action)
		return verr
	})
	if err != nil {
		return false, fmt.Errorf("verify action %s: %w", action.ID, err)
	}

	if result.Success {
		action.Status = models.ActionVerified
	} else {
		action.Status = models.ActionUnverified
	}
	now := w.d.now().UTC()
	action.CompletedAt = &now
	if err := w.d.st.UpdateAction(action); err != nil {
		return false, fmt.Errorf("record verification status: %w", err)
	}
	w.d.exec.ReleaseLease(action)

	rec = verificationRecord{ActionID: action.ID, VerificationID: result.ID, Success: result.Success}
	if _, err := w.d.st.AppendJournal(w.inc.ID, kindVerified, rec); err != nil {
		return false, fmt.Errorf("journal verification: %w", err)
	}
	return result.Success, nil
}

// finish journals the terminal state and emits the closing records.
func (w *run) finish(status models.IncidentStatus, reason string) error {
	var rec finishRecord
	if w.cursor.replay(kindFinished, &rec) {
		return nil
	}

	resolved := status == models.StatusResolved
	now := w.d.now().UTC()
	if resolved {
		metrics.RecordIncidentClosed(w.inc, now)
	}
	audit.Log(audit.EventIncidentResolved, w.inc.ID, "", "workflow",
		string(status), resolved, reason)
	log.Info().
		Str("incidentId", w.inc.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Dur("elapsed", now.Sub(w.began)).
		Msg("Workflow finished")

	if _, err := w.d.st.AppendJournal(w.inc.ID, kindFinished, finishRecord{Status: status, Reason: reason}); err != nil {
		return fmt.Errorf("journal finish: %w", err)
	}
	return nil
}

// escalate is the out-of-band failure path for deadline blowouts and
// explicit cancellation. Best effort: the incident may already be terminal.
func (w *run) escalate(reason string) {
	if w.inc == nil || w.inc.Status.Terminal() {
		return
	}
	if w.cursor != nil {
		w.cursor.goLive()
	}
	if err := w.transition(models.StatusFailed); err != nil {
		log.Error().Err(err).Str("incidentId", w.inc.ID).Msg("Failed to escalate incident")
		return
	}
	if err := w.finish(models.StatusFailed, reason); err != nil {
		log.Error().Err(err).Str("incidentId", w.inc.ID).Msg("Failed to journal escalation")
	}
}

// retryActivity retries transient activity failures on the shared backoff
// schedule. Context errors pass through untouched.
func (w *run) retryActivity(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxActivityAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == maxActivityAttempts {
			break
		}
		delay := withJitter(activityBackoff[attempt-1])
		log.Warn().Err(lastErr).
			Str("incidentId", w.inc.ID).
			Str("activity", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Activity failed, retrying")
		if err := w.d.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxActivityAttempts, lastErr)
}

// affectedReplicas estimates how many replicas an action touches. Pod-level
// actions touch one; workload and node level actions are graded as touching
// the whole set.
func affectedReplicas(t models.ActionType, total int32) int32 {
	switch t {
	case models.ActionDeletePod, models.ActionRestartPod:
		return 1
	default:
		if total <= 0 {
			return 1
		}
		return total
	}
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
