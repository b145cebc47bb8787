// Package store keeps session history in SQLite: one row per session, one
// row per recorded result, one row per alert. The core pipeline does not
// depend on it; recording is an optional consumer-side concern.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"neurovision/fusion"
)

// Store handles SQLite operations for session history.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Session is one recorded pipeline run.
type Session struct {
	ID           string     `json:"id"`
	Modality     string     `json:"modality"`
	AnalysisMode string     `json:"analysis_mode"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Summary aggregates a session's recorded results.
type Summary struct {
	SessionID        string         `json:"session_id"`
	Frames           int64          `json:"frames"`
	AverageScore     float64        `json:"average_score"`
	MinScore         int            `json:"min_score"`
	AlertsBySeverity map[string]int `json:"alerts_by_severity"`
}

// Open creates and initializes the session store at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			modality TEXT NOT NULL,
			analysis_mode TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			frame_id INTEGER NOT NULL,
			captured_at TIMESTAMP NOT NULL,
			safety_score INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			frame_id INTEGER NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			raised_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_session ON results(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// BeginSession opens a new session and returns its identifier.
func (s *Store) BeginSession(modality, analysisMode string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, modality, analysis_mode, started_at) VALUES (?, ?, ?, ?)`,
		id, modality, analysisMode, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to begin session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (s *Store) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	return nil
}

// RecordResult stores one fused result and its alerts in a single
// transaction.
func (s *Store) RecordResult(sessionID string, r fusion.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO results (session_id, frame_id, captured_at, safety_score) VALUES (?, ?, ?, ?)`,
		sessionID, r.FrameID, r.Timestamp.UTC(), r.SafetyScore); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	if len(r.Alerts) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO alerts (session_id, frame_id, severity, category, message, raised_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare alert insert: %w", err)
		}
		defer stmt.Close()
		for _, a := range r.Alerts {
			if _, err := stmt.Exec(sessionID, r.FrameID, string(a.Severity), a.Category, a.Message, a.Timestamp.UTC()); err != nil {
				return fmt.Errorf("failed to insert alert: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetSession fetches a session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	var ended sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, modality, analysis_mode, started_at, ended_at FROM sessions WHERE id = ?`,
		sessionID).Scan(&sess.ID, &sess.Modality, &sess.AnalysisMode, &sess.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return &sess, nil
}

// Summary aggregates the session's results and alert counts.
func (s *Store) Summary(sessionID string) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{
		SessionID:        sessionID,
		AlertsBySeverity: make(map[string]int),
	}

	var avg sql.NullFloat64
	var min sql.NullInt64
	err := s.db.QueryRow(
		`SELECT COUNT(*), AVG(safety_score), MIN(safety_score) FROM results WHERE session_id = ?`,
		sessionID).Scan(&sum.Frames, &avg, &min)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate results: %w", err)
	}
	if avg.Valid {
		sum.AverageScore = avg.Float64
	}
	if min.Valid {
		sum.MinScore = int(min.Int64)
	} else {
		sum.MinScore = 100
	}

	rows, err := s.db.Query(
		`SELECT severity, COUNT(*) FROM alerts WHERE session_id = ? GROUP BY severity`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan alert count: %w", err)
		}
		sum.AlertsBySeverity[severity] = count
	}
	return sum, rows.Err()
}
