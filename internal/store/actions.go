package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kuremedy/kuremedy/internal/models"
)

// CreateAction persists a proposed remediation action. It enforces the
// single-in-flight invariant: if the incident already has a non-terminal
// action, ErrActionInFlight is returned. If an action with the same
// idempotency key exists, that record is returned with no insert.
func (s *Store) CreateAction(action *models.RemediationAction) (*models.RemediationAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin action create: %w", err)
	}
	defer tx.Rollback()

	// Replay: same idempotency key returns the prior record untouched.
	row := tx.QueryRow(actionSelect+" WHERE idempotency_key = ?", action.IdempotencyKey)
	if existing, err := scanAction(row); err == nil {
		return existing, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	var inFlight int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM remediation_actions
		WHERE incident_id = ? AND status NOT IN ('policy_denied','failed','verified','unverified')`,
		action.IncidentID).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("count in-flight actions: %w", err)
	}
	if inFlight > 0 {
		return nil, ErrActionInFlight
	}

	params, err := marshalJSON(action.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal action parameters: %w", err)
	}
	result, err := marshalJSON(action.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal action result: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO remediation_actions (id, incident_id, hypothesis_id, idempotency_key, action_type, target_resource, target_namespace, parameters, risk_level, blast_radius, status, requires_approval, approved_by, approved_at, executed_at, completed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.IncidentID, action.HypothesisID, action.IdempotencyKey,
		string(action.ActionType), action.TargetResource, action.TargetNamespace, params,
		string(action.RiskLevel), action.BlastRadiusScore, string(action.Status),
		boolInt(action.RequiresApproval), action.ApprovedBy,
		nullTime(action.ApprovedAt), nullTime(action.ExecutedAt), nullTime(action.CompletedAt), result)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit action create: %w", err)
	}
	return action, nil
}

// GetActionByKey returns the action carrying the idempotency key.
func (s *Store) GetActionByKey(idempotencyKey string) (*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(actionSelect+" WHERE idempotency_key = ?", idempotencyKey)
	return scanAction(row)
}

// GetAction returns the action by ID.
func (s *Store) GetAction(id string) (*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(actionSelect+" WHERE id = ?", id)
	return scanAction(row)
}

// UpdateAction persists mutable action fields: status, approval data,
// execution timestamps, and result.
func (s *Store) UpdateAction(action *models.RemediationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := marshalJSON(action.Result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE remediation_actions
		SET status = ?, requires_approval = ?, approved_by = ?, approved_at = ?, executed_at = ?, completed_at = ?, result = ?, blast_radius = ?, risk_level = ?
		WHERE id = ?`,
		string(action.Status), boolInt(action.RequiresApproval), action.ApprovedBy,
		nullTime(action.ApprovedAt), nullTime(action.ExecutedAt), nullTime(action.CompletedAt),
		result, action.BlastRadiusScore, string(action.RiskLevel), action.ID)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActionsForIncident returns all actions for an incident, oldest first.
func (s *Store) ActionsForIncident(incidentID string) ([]*models.RemediationAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(actionSelect+" WHERE incident_id = ? ORDER BY rowid ASC", incidentID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []*models.RemediationAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

const actionSelect = `SELECT id, incident_id, hypothesis_id, idempotency_key, action_type, target_resource, target_namespace, parameters, risk_level, blast_radius, status, requires_approval, approved_by, approved_at, executed_at, completed_at, result FROM remediation_actions`

func scanAction(row rowScanner) (*models.RemediationAction, error) {
	var a models.RemediationAction
	var actionType, riskLevel, status string
	var hypothesisID, params, approvedBy, result sql.NullString
	var requiresApproval int
	var approvedAt, executedAt, completedAt sql.NullInt64

	err := row.Scan(&a.ID, &a.IncidentID, &hypothesisID, &a.IdempotencyKey, &actionType,
		&a.TargetResource, &a.TargetNamespace, &params, &riskLevel, &a.BlastRadiusScore,
		&status, &requiresApproval, &approvedBy, &approvedAt, &executedAt, &completedAt, &result)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}

	a.HypothesisID = hypothesisID.String
	a.ActionType = models.ActionType(actionType)
	a.RiskLevel = models.RiskLevel(riskLevel)
	a.Status = models.ActionStatus(status)
	a.RequiresApproval = requiresApproval == 1
	a.ApprovedBy = approvedBy.String
	if err := unmarshalInto(params, &a.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalInto(result, &a.Result); err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		t := time.Unix(approvedAt.Int64, 0).UTC()
		a.ApprovedAt = &t
	}
	if executedAt.Valid {
		t := time.Unix(executedAt.Int64, 0).UTC()
		a.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		a.CompletedAt = &t
	}
	return &a, nil
}
