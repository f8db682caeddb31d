package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JournalEntry is one append-only record in an incident's workflow journal.
// Entries are written before their effects are observed by downstream steps,
// so replaying the journal reproduces the workflow's position after a crash.
type JournalEntry struct {
	IncidentID string          `json:"incidentId"`
	Seq        int             `json:"seq"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// AppendJournal appends an entry for the incident and returns its sequence
// number. Sequence numbers are dense per incident, starting at 1.
func (s *Store) AppendJournal(incidentID, kind string, payload interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal journal payload: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin journal append: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM workflow_journal WHERE incident_id = ?`,
		incidentID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next journal seq: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO workflow_journal (incident_id, seq, kind, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		incidentID, seq, kind, string(raw), time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit journal append: %w", err)
	}
	return seq, nil
}

// JournalEntries returns the incident's journal in sequence order.
func (s *Store) JournalEntries(incidentID string) ([]JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT incident_id, seq, kind, payload, recorded_at
		FROM workflow_journal WHERE incident_id = ? ORDER BY seq ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payload sql.NullString
		var recordedAt int64

		if err := rows.Scan(&entry.IncidentID, &entry.Seq, &entry.Kind, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if payload.Valid && payload.String != "" {
			entry.Payload = json.RawMessage(payload.String)
		}
		entry.RecordedAt = time.Unix(recordedAt, 0).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}
