// Package approval manages the human gate in front of risky remediations.
// Requests are held in memory with periodic JSON persistence so pending
// approvals survive a restart, and callers block on a decision channel until
// an operator (or the timeout) resolves the request.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kuremedy/kuremedy/internal/models"
)

var (
	// ErrNotFound reports an unknown approval request ID.
	ErrNotFound = errors.New("approval request not found")
	// ErrNotPending reports a request that was already decided.
	ErrNotPending = errors.New("approval request is not pending")
	// ErrExpired reports a request whose expiry passed undecided.
	ErrExpired = errors.New("approval request has expired")
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Outcome is the terminal answer a waiting workflow receives.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// Decision is delivered to waiters when a request resolves.
type Decision struct {
	Outcome   Outcome `json:"outcome"`
	DecidedBy string  `json:"decidedBy,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Request represents one remediation action awaiting an operator's answer.
type Request struct {
	ID               string            `json:"id"`
	IncidentID       string            `json:"incidentId"`
	ActionID         string            `json:"actionId"`
	ActionType       models.ActionType `json:"actionType"`
	Target           string            `json:"target"`
	Namespace        string            `json:"namespace"`
	Environment      string            `json:"environment"`
	Severity         models.Severity   `json:"severity"`
	Title            string            `json:"title"`
	Reason           string            `json:"reason,omitempty"`
	BlastRadius      float64           `json:"blastRadius"`
	AffectedReplicas int               `json:"affectedReplicas"`
	Status           Status            `json:"status"`
	RequestedAt      time.Time         `json:"requestedAt"`
	ExpiresAt        time.Time         `json:"expiresAt"`
	DecidedAt        *time.Time        `json:"decidedAt,omitempty"`
	DecidedBy        string            `json:"decidedBy,omitempty"`
	DenyReason       string            `json:"denyReason,omitempty"`
	// ActionHash binds the approval to the exact action it was raised for.
	ActionHash string `json:"actionHash,omitempty"`
	// Consumed marks an approval that has already gated an execution.
	Consumed bool `json:"consumed,omitempty"`
}

// Store manages approval requests and the waiters blocked on them.
type Store struct {
	mu             sync.RWMutex
	requests       map[string]*Request
	waiters        map[string][]chan Decision
	dataDir        string
	defaultTimeout time.Duration
	maxPending     int
	persist        bool
	saveTimer      *time.Timer
	savePending    bool
}

// StoreConfig configures the approval store.
type StoreConfig struct {
	DataDir        string
	DefaultTimeout time.Duration // Default 4 hours
	MaxPending     int           // Maximum pending approvals (default 100)
	// DisablePersistence skips load/save for in-memory use (tests, ephemeral flows).
	DisablePersistence bool
}

// NewStore creates a new approval store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DataDir == "" && !cfg.DisablePersistence {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 4 * time.Hour
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 100
	}

	s := &Store{
		requests:       make(map[string]*Request),
		waiters:        make(map[string][]chan Decision),
		dataDir:        cfg.DataDir,
		defaultTimeout: cfg.DefaultTimeout,
		maxPending:     cfg.MaxPending,
		persist:        !cfg.DisablePersistence,
	}

	if s.persist {
		if err := s.load(); err != nil {
			log.Warn().Err(err).Msg("Failed to load approval data, starting fresh")
		}
	}

	// Note: Call StartCleanup(ctx) after creating the store to begin cleanup goroutine

	return s, nil
}

// Create registers a request and reports whether it was newly raised.
// Creating an ID that already exists is a no-op so a replayed workflow
// reattaches to the original request instead of raising a duplicate.
func (s *Store) Create(req *Request) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return false, fmt.Errorf("approval request ID is required")
	}
	if _, exists := s.requests[req.ID]; exists {
		return false, nil
	}

	pendingCount := 0
	for _, r := range s.requests {
		if r.Status == StatusPending {
			pendingCount++
		}
	}
	if pendingCount >= s.maxPending {
		return false, fmt.Errorf("maximum pending approvals (%d) reached", s.maxPending)
	}

	req.Status = StatusPending
	req.RequestedAt = time.Now()
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.RequestedAt.Add(s.defaultTimeout)
	}
	if req.ActionHash == "" {
		req.ActionHash = ComputeActionHash(string(req.ActionType), req.Namespace, req.Target)
	}

	s.requests[req.ID] = req
	s.saveAsync()

	log.Info().
		Str("id", req.ID).
		Str("incidentId", req.IncidentID).
		Str("action", string(req.ActionType)).
		Str("target", req.Namespace+"/"+req.Target).
		Float64("blastRadius", req.BlastRadius).
		Msg("Created approval request")

	return true, nil
}

// Get returns a request by ID. A pending request past its expiry reads as
// expired; the cleanup loop performs the actual mutation.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	if req.Status == StatusPending && time.Now().After(req.ExpiresAt) {
		reqCopy := *req
		reqCopy.Status = StatusExpired
		return &reqCopy, true
	}
	return req, true
}

// Pending returns all requests still awaiting a decision.
func (s *Store) Pending() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var pending []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending && now.Before(req.ExpiresAt) {
			pending = append(pending, req)
		}
	}
	return pending
}

// ForIncident returns all requests raised for an incident.
func (s *Store) ForIncident(incidentID string) []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Request
	for _, req := range s.requests {
		if req.IncidentID == incidentID {
			results = append(results, req)
		}
	}
	return results
}

// Approve marks a request as approved and wakes its waiters.
func (s *Store) Approve(id, username string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Idempotent: if already approved, return success (handles double-clicks, race conditions)
	if req.Status == StatusApproved {
		return req, nil
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w (status: %s)", ErrNotPending, req.Status)
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		s.notifyLocked(id, Decision{Outcome: OutcomeTimedOut})
		s.saveAsync()
		return nil, fmt.Errorf("%w: %s (expires_at: %v)", ErrExpired, id, req.ExpiresAt)
	}

	now := time.Now()
	req.Status = StatusApproved
	req.DecidedAt = &now
	req.DecidedBy = username

	s.notifyLocked(id, Decision{Outcome: OutcomeApproved, DecidedBy: username})
	s.saveAsync()

	log.Info().
		Str("id", id).
		Str("by", username).
		Str("action", string(req.ActionType)).
		Msg("Approval request approved")

	return req, nil
}

// Deny marks a request as denied and wakes its waiters.
func (s *Store) Deny(id, username, reason string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w (status: %s)", ErrNotPending, req.Status)
	}

	now := time.Now()
	req.Status = StatusDenied
	req.DecidedAt = &now
	req.DecidedBy = username
	req.DenyReason = reason

	s.notifyLocked(id, Decision{Outcome: OutcomeDenied, DecidedBy: username, Reason: reason})
	s.saveAsync()

	log.Info().
		Str("id", id).
		Str("by", username).
		Str("reason", reason).
		Msg("Approval request denied")

	return req, nil
}

// Consume validates an approved request against the action about to run and
// marks it used. An approval gates exactly one execution of exactly the
// action it was raised for.
func (s *Store) Consume(id string, actionType models.ActionType, namespace, target string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("approval request is not approved (status: %s)", req.Status)
	}

	expectedHash := ComputeActionHash(string(actionType), namespace, target)
	if req.ActionHash != "" && req.ActionHash != expectedHash {
		log.Warn().
			Str("id", id).
			Str("expected_hash", req.ActionHash).
			Str("actual_hash", expectedHash).
			Msg("Approval action hash mismatch - possible replay")
		return nil, fmt.Errorf("approval action mismatch - this approval is for a different action/target")
	}

	// Consuming again for the identical action is a replay of the same
	// workflow step, not a second use; the executor's idempotency key
	// already prevents the action itself from running twice.
	req.Consumed = true
	s.saveAsync()

	return req, nil
}

// Wait blocks until the request resolves, its expiry passes, or the context
// ends. A request that is already decided answers immediately, which is what
// lets a restarted workflow reattach without losing the operator's answer.
func (s *Store) Wait(ctx context.Context, id string) (Decision, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if d, done := decisionFor(req); done {
		s.mu.Unlock()
		return d, nil
	}

	ch := make(chan Decision, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	expiresAt := req.ExpiresAt
	s.mu.Unlock()

	timer := time.NewTimer(time.Until(expiresAt))
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		s.expire(id)
		return Decision{Outcome: OutcomeTimedOut}, nil
	case <-ctx.Done():
		s.dropWaiter(id, ch)
		return Decision{}, ctx.Err()
	}
}

// decisionFor maps a resolved request to the decision waiters receive.
func decisionFor(req *Request) (Decision, bool) {
	switch req.Status {
	case StatusApproved:
		return Decision{Outcome: OutcomeApproved, DecidedBy: req.DecidedBy}, true
	case StatusDenied:
		return Decision{Outcome: OutcomeDenied, DecidedBy: req.DecidedBy, Reason: req.DenyReason}, true
	case StatusExpired:
		return Decision{Outcome: OutcomeTimedOut}, true
	}
	if time.Now().After(req.ExpiresAt) {
		return Decision{Outcome: OutcomeTimedOut}, true
	}
	return Decision{}, false
}

// expire transitions a pending request whose deadline passed.
func (s *Store) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || req.Status != StatusPending {
		return
	}
	req.Status = StatusExpired
	s.notifyLocked(id, Decision{Outcome: OutcomeTimedOut})
	s.saveAsync()
}

// notifyLocked delivers a decision to every waiter. Channels are buffered so
// delivery never blocks under the lock.
func (s *Store) notifyLocked(id string, d Decision) {
	for _, ch := range s.waiters[id] {
		select {
		case ch <- d:
		default:
		}
	}
	delete(s.waiters, id)
}

func (s *Store) dropWaiter(id string, ch chan Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.waiters[id][:0]
	for _, w := range s.waiters[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = remaining
	}
}

// CleanupExpired expires overdue pending requests and drops decided ones
// older than a day.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0

	for id, req := range s.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			s.notifyLocked(id, Decision{Outcome: OutcomeTimedOut})
			cleaned++
		}
	}

	cutoff := now.Add(-24 * time.Hour)
	for id, req := range s.requests {
		if req.Status != StatusPending && req.DecidedAt != nil && req.DecidedAt.Before(cutoff) {
			delete(s.requests, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.saveAsync()
	}
	return cleaned
}

// Stats returns counts by status, for the metrics endpoint.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]int{
		"pending":  0,
		"approved": 0,
		"denied":   0,
		"expired":  0,
	}
	for _, req := range s.requests {
		switch req.Status {
		case StatusPending:
			stats["pending"]++
		case StatusApproved:
			stats["approved"]++
		case StatusDenied:
			stats["denied"]++
		case StatusExpired:
			stats["expired"]++
		}
	}
	return stats
}

// StartCleanup begins periodic cleanup of expired requests.
// Call this with a context that cancels on shutdown.
func (s *Store) StartCleanup(ctx context.Context) {
	go s.cleanupLoop(ctx)
}

func (s *Store) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Approval store cleanup loop stopped")
			return
		case <-ticker.C:
			cleaned := s.CleanupExpired()
			if cleaned > 0 {
				log.Debug().Int("count", cleaned).Msg("Cleaned up expired approval requests")
			}
		}
	}
}

// Persistence

func (s *Store) requestsFile() string {
	return filepath.Join(s.dataDir, "approvals.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.requestsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var requests []*Request
	if err := json.Unmarshal(data, &requests); err != nil {
		return err
	}
	for _, r := range requests {
		s.requests[r.ID] = r
	}
	return nil
}

// scheduleSave debounces save operations: at most one write per 5 seconds.
// Must be called while s.mu is held (read or write lock).
func (s *Store) scheduleSave() {
	if !s.persist || s.savePending {
		return
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(5*time.Second, func() {
		s.mu.RLock()
		s.savePending = false
		requests := make([]*Request, 0, len(s.requests))
		for _, r := range s.requests {
			requests = append(requests, r)
		}
		s.mu.RUnlock()

		s.write(requests)
	})
}

func (s *Store) write(requests []*Request) {
	data, err := json.MarshalIndent(requests, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode approvals")
		return
	}
	if err := os.WriteFile(s.requestsFile(), data, 0600); err != nil {
		log.Error().Err(err).Msg("Failed to save approvals")
	}
}

// Flush triggers an immediate save, cancelling any pending debounced save.
// Intended for shutdown paths.
func (s *Store) Flush() {
	if !s.persist {
		return
	}
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = false
	requests := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		requests = append(requests, r)
	}
	s.mu.Unlock()

	s.write(requests)
}

func (s *Store) saveAsync() {
	if !s.persist {
		return
	}
	s.scheduleSave()
}

// ComputeActionHash binds an approval to one action+target so an approved
// ID cannot authorize anything else.
func ComputeActionHash(actionType, namespace, target string) string {
	h := sha256.New()
	h.Write([]byte(actionType))
	h.Write([]byte("|"))
	h.Write([]byte(namespace))
	h.Write([]byte("|"))
	h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}
