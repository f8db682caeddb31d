package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kuremedy/kuremedy/internal/models"
)

// CreateIncident persists a new incident. A fingerprint collision returns
// ErrDuplicateFingerprint.
func (s *Store) CreateIncident(inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels, err := marshalJSON(inc.Labels)
	if err != nil {
		return fmt.Errorf("marshal incident labels: %w", err)
	}
	annotations, err := marshalJSON(inc.Annotations)
	if err != nil {
		return fmt.Errorf("marshal incident annotations: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO incidents (id, fingerprint, title, severity, status, source, cluster, namespace, service, labels, annotations, started_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID,
		inc.Fingerprint,
		inc.Title,
		string(inc.Severity),
		string(inc.Status),
		inc.Source,
		inc.Cluster,
		inc.Namespace,
		inc.Service,
		labels,
		annotations,
		inc.StartedAt.Unix(),
		nullTime(inc.AcknowledgedAt),
		nullTime(inc.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicateFingerprint
	}
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// GetIncident returns the incident by ID.
func (s *Store) GetIncident(id string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(incidentSelect+" WHERE id = ?", id)
	return scanIncident(row)
}

// GetIncidentByFingerprint returns the incident carrying the fingerprint.
func (s *Store) GetIncidentByFingerprint(fingerprint string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(incidentSelect+" WHERE fingerprint = ?", fingerprint)
	return scanIncident(row)
}

// ListIncidentsByStatus returns incidents in any of the given statuses,
// oldest first. Used on startup to resume interrupted workflows.
func (s *Store) ListIncidentsByStatus(statuses ...models.IncidentStatus) ([]*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(statuses) == 0 {
		return nil, nil
	}

	query := incidentSelect + " WHERE status IN (?" + strings.Repeat(",?", len(statuses)-1) + ") ORDER BY started_at ASC"
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// UpdateIncidentStatus persists a status change and its side timestamps. The
// caller is responsible for transition legality; the store only records.
func (s *Store) UpdateIncidentStatus(id string, status models.IncidentStatus, resolvedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE incidents SET status = ?, resolved_at = COALESCE(?, resolved_at) WHERE id = ?`,
		string(status), nullTime(resolvedAt), id)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcknowledgeIncident records an external acknowledgement time.
func (s *Store) AcknowledgeIncident(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE incidents SET acknowledged_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("acknowledge incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const incidentSelect = `SELECT id, fingerprint, title, severity, status, source, cluster, namespace, service, labels, annotations, started_at, acknowledged_at, resolved_at FROM incidents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var severity, status string
	var source, cluster, namespace, service, labels, annotations sql.NullString
	var startedAt int64
	var ackAt, resolvedAt sql.NullInt64

	err := row.Scan(&inc.ID, &inc.Fingerprint, &inc.Title, &severity, &status,
		&source, &cluster, &namespace, &service, &labels, &annotations,
		&startedAt, &ackAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	inc.Source = source.String
	inc.Cluster = cluster.String
	inc.Namespace = namespace.String
	inc.Service = service.String
	inc.StartedAt = time.Unix(startedAt, 0).UTC()
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &inc.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal incident labels: %w", err)
		}
	}
	if annotations.Valid && annotations.String != "" {
		if err := json.Unmarshal([]byte(annotations.String), &inc.Annotations); err != nil {
			return nil, fmt.Errorf("unmarshal incident annotations: %w", err)
		}
	}
	if ackAt.Valid {
		t := time.Unix(ackAt.Int64, 0).UTC()
		inc.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := time.Unix(resolvedAt.Int64, 0).UTC()
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

// AppendEvidence persists a batch of evidence records in one transaction.
// Evidence is append-only; records are never updated.
func (s *Store) AppendEvidence(batch []models.Evidence) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin evidence append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO evidence (id, incident_id, type, source, entity_name, entity_namespace, data, signal_strength, collected_at, window_start, window_end, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare evidence insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		data, err := marshalJSON(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal evidence data: %w", err)
		}
		if _, err := stmt.Exec(ev.ID, ev.IncidentID, string(ev.Type), string(ev.Source),
			ev.EntityName, ev.EntityNamespace, data, ev.SignalStrength,
			ev.CollectedAt.Unix(), ev.Window.Start.Unix(), ev.Window.End.Unix(), boolInt(ev.Partial)); err != nil {
			return fmt.Errorf("insert evidence %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// EvidenceForIncident returns all evidence for the incident in collection
// order.
func (s *Store) EvidenceForIncident(incidentID string) ([]models.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, incident_id, type, source, entity_name, entity_namespace, data, signal_strength, collected_at, window_start, window_end, partial
		FROM evidence WHERE incident_id = ? ORDER BY collected_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []models.Evidence
	for rows.Next() {
		var ev models.Evidence
		var evType, source string
		var entityName, entityNamespace, data sql.NullString
		var collectedAt, windowStart, windowEnd int64
		var partial int

		if err := rows.Scan(&ev.ID, &ev.IncidentID, &evType, &source, &entityName, &entityNamespace,
			&data, &ev.SignalStrength, &collectedAt, &windowStart, &windowEnd, &partial); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}

		ev.Type = models.EvidenceType(evType)
		ev.Source = models.EvidenceSource(source)
		ev.EntityName = entityName.String
		ev.EntityNamespace = entityNamespace.String
		ev.CollectedAt = time.Unix(collectedAt, 0).UTC()
		ev.Window = models.TimeWindow{Start: time.Unix(windowStart, 0).UTC(), End: time.Unix(windowEnd, 0).UTC()}
		ev.Partial = partial == 1
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal evidence data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendHypotheses persists a ranked hypothesis set. Hypotheses are immutable
// once written; a workflow re-run appends a fresh set with new IDs.
func (s *Store) AppendHypotheses(batch []models.Hypothesis) error {
	if len(batch) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin hypothesis append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO hypotheses (id, incident_id, category, title, description, confidence, rank, supporting, contradicting, recommended_actions, generated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare hypothesis insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range batch {
		supporting, err := marshalJSON(h.SupportingEvidence)
		if err != nil {
			return fmt.Errorf("marshal supporting evidence: %w", err)
		}
		contradicting, err := marshalJSON(h.ContradictingEvidence)
		if err != nil {
			return fmt.Errorf("marshal contradicting evidence: %w", err)
		}
		actions, err := marshalJSON(h.RecommendedActions)
		if err != nil {
			return fmt.Errorf("marshal recommended actions: %w", err)
		}
		if _, err := stmt.Exec(h.ID, h.IncidentID, string(h.Category), h.Title, h.Description,
			h.Confidence, h.Rank, supporting, contradicting, actions, string(h.GeneratedBy), h.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("insert hypothesis %s: %w", h.ID, err)
		}
	}
	return tx.Commit()
}

// HypothesesForIncident returns the most recent hypothesis set, rank order.
func (s *Store) HypothesesForIncident(incidentID string) ([]models.Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, incident_id, category, title, description, confidence, rank, supporting, contradicting, recommended_actions, generated_by, created_at
		FROM hypotheses WHERE incident_id = ? AND created_at = (
			SELECT MAX(created_at) FROM hypotheses WHERE incident_id = ?
		) ORDER BY rank ASC`, incidentID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query hypotheses: %w", err)
	}
	defer rows.Close()

	var out []models.Hypothesis
	for rows.Next() {
		var h models.Hypothesis
		var category, generatedBy string
		var description, supporting, contradicting, actions sql.NullString
		var createdAt int64

		if err := rows.Scan(&h.ID, &h.IncidentID, &category, &h.Title, &description,
			&h.Confidence, &h.Rank, &supporting, &contradicting, &actions, &generatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scan hypothesis: %w", err)
		}

		h.Category = models.HypothesisCategory(category)
		h.Description = description.String
		h.GeneratedBy = models.GeneratedBy(generatedBy)
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		if err := unmarshalInto(supporting, &h.SupportingEvidence); err != nil {
			return nil, err
		}
		if err := unmarshalInto(contradicting, &h.ContradictingEvidence); err != nil {
			return nil, err
		}
		if err := unmarshalInto(actions, &h.RecommendedActions); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveVerification appends a verification result for an action.
func (s *Store) SaveVerification(v *models.VerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO verifications (id, action_id, incident_id, success, metrics_improved, error_rate_before, error_rate_after, latency_before, latency_after, restart_delta, ready_ratio, details, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ActionID, v.IncidentID, boolInt(v.Success), boolInt(v.MetricsImproved),
		v.ErrorRateBefore, v.ErrorRateAfter, v.LatencyBefore, v.LatencyAfter,
		v.RestartDelta, v.ReadyRatio, v.Details, v.CheckedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// VerificationsForAction returns verification results for an action, oldest
// first.
func (s *Store) VerificationsForAction(actionID string) ([]models.VerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, action_id, incident_id, success, metrics_improved, error_rate_before, error_rate_after, latency_before, latency_after, restart_delta, ready_ratio, details, checked_at
		FROM verifications WHERE action_id = ? ORDER BY checked_at ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query verifications: %w", err)
	}
	defer rows.Close()

	var out []models.VerificationResult
	for rows.Next() {
		var v models.VerificationResult
		var success, improved int
		var details sql.NullString
		var checkedAt int64

		if err := rows.Scan(&v.ID, &v.ActionID, &v.IncidentID, &success, &improved,
			&v.ErrorRateBefore, &v.ErrorRateAfter, &v.LatencyBefore, &v.LatencyAfter,
			&v.RestartDelta, &v.ReadyRatio, &details, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		v.Success = success == 1
		v.MetricsImproved = improved == 1
		v.Details = details.String
		v.CheckedAt = time.Unix(checkedAt, 0).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalInto(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("unmarshal stored json: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
