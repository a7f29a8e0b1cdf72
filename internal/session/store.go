// Package session tracks long-lived streaming exchanges so operators can
// see which agent conversations are active and reap abandoned ones. The
// store is SQLite behind sqlx; the proxy works fine with sessions
// disabled.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Info describes one tracked session.
type Info struct {
	ID            string            `db:"id"`
	AgentID       string            `db:"agent_id"`
	CorrelationID string            `db:"correlation_id"`
	CreatedAt     time.Time         `db:"created_at"`
	LastActivity  time.Time         `db:"last_activity"`
	ExpiresAt     time.Time         `db:"expires_at"`
	Metadata      map[string]string `db:"-"`
}

// Stats summarises the store.
type Stats struct {
	Total   int
	Active  int
	Expired int
	ByAgent map[string]int
}

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store persists sessions in SQLite.
type Store struct {
	db *sqlx.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
id TEXT PRIMARY KEY,
agent_id TEXT NOT NULL,
correlation_id TEXT NOT NULL,
created_at TIMESTAMP NOT NULL,
last_activity TIMESTAMP NOT NULL,
expires_at TIMESTAMP NOT NULL,
metadata TEXT
)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`)
	return err
}

// Create inserts a new session with the given TTL.
func (s *Store) Create(agentID, correlationID string, ttl time.Duration, metadata map[string]string) (*Info, error) {
	now := time.Now().UTC()
	info := &Info{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		CorrelationID: correlationID,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(ttl),
		Metadata:      metadata,
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("serialise session metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, agent_id, correlation_id, created_at, last_activity, expires_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.AgentID, info.CorrelationID, info.CreatedAt, info.LastActivity, info.ExpiresAt, string(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return info, nil
}

// Get fetches a session by id.
func (s *Store) Get(id string) (*Info, error) {
	var (
		info Info
		meta sql.NullString
	)
	row := s.db.QueryRow(
		`SELECT id, agent_id, correlation_id, created_at, last_activity, expires_at, metadata
FROM sessions WHERE id = ?`, id)
	err := row.Scan(&info.ID, &info.AgentID, &info.CorrelationID, &info.CreatedAt, &info.LastActivity, &info.ExpiresAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &info.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &info, nil
}

// Touch refreshes last_activity and pushes expiry out by ttl.
func (s *Store) Touch(id string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sessions SET last_activity = ?, expires_at = ? WHERE id = ?`,
		now, now.Add(ttl), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired reaps every session past its expiry; returns how many
// went.
func (s *Store) DeleteExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StatsSnapshot summarises the table.
func (s *Store) StatsSnapshot(now time.Time) (*Stats, error) {
	rows, err := s.db.Query(`SELECT agent_id, expires_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByAgent: make(map[string]int)}
	for rows.Next() {
		var (
			agentID   string
			expiresAt time.Time
		)
		if err := rows.Scan(&agentID, &expiresAt); err != nil {
			return nil, err
		}
		stats.Total++
		stats.ByAgent[agentID]++
		if expiresAt.Before(now) {
			stats.Expired++
		} else {
			stats.Active++
		}
	}
	return stats, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
