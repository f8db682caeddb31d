package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateFingerprint is returned when an incident with the same
	// fingerprint already exists.
	ErrDuplicateFingerprint = errors.New("store: duplicate fingerprint")
	// ErrActionInFlight is returned when an incident already has a
	// non-terminal remediation action.
	ErrActionInFlight = errors.New("store: non-terminal action in flight")
)

// Store is the SQLite-backed persistence layer for incidents, evidence,
// hypotheses, remediation actions, verification results, and the workflow
// journal. SQLite works best with a single writer connection, so the pool is
// capped at one.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open creates or opens the incident database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "kuremedy.db")

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open incident database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize incident schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Incident store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT,
		cluster TEXT,
		namespace TEXT,
		service TEXT,
		labels TEXT,
		annotations TEXT,
		started_at INTEGER NOT NULL,
		acknowledged_at INTEGER,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	CREATE INDEX IF NOT EXISTS idx_incidents_started ON incidents(started_at);

	CREATE TABLE IF NOT EXISTS evidence (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id),
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		entity_name TEXT,
		entity_namespace TEXT,
		data TEXT NOT NULL,
		signal_strength REAL NOT NULL,
		collected_at INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		partial INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence(incident_id);

	CREATE TABLE IF NOT EXISTS hypotheses (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id),
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		confidence REAL NOT NULL,
		rank INTEGER NOT NULL,
		supporting TEXT,
		contradicting TEXT,
		recommended_actions TEXT,
		generated_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hypotheses_incident ON hypotheses(incident_id);

	CREATE TABLE IF NOT EXISTS remediation_actions (
		id TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL REFERENCES incidents(id),
		hypothesis_id TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		action_type TEXT NOT NULL,
		target_resource TEXT NOT NULL,
		target_namespace TEXT NOT NULL,
		parameters TEXT,
		risk_level TEXT NOT NULL,
		blast_radius REAL NOT NULL,
		status TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		approved_by TEXT,
		approved_at INTEGER,
		executed_at INTEGER,
		completed_at INTEGER,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_actions_incident ON remediation_actions(incident_id);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON remediation_actions(status);

	CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL REFERENCES remediation_actions(id),
		incident_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		metrics_improved INTEGER NOT NULL,
		error_rate_before REAL,
		error_rate_after REAL,
		latency_before REAL,
		latency_after REAL,
		restart_delta REAL,
		ready_ratio REAL,
		details TEXT,
		checked_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_verifications_action ON verifications(action_id);

	CREATE TABLE IF NOT EXISTS workflow_journal (
		incident_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (incident_id, seq)
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, strftime('%s','now'))`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the error text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
