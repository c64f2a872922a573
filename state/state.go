// Package state persists projects and sessions in a file-backed relational
// store and serves them from write-through in-memory maps. The orchestrator
// only ever writes session status transitions; everything else is driven by
// the HTTP layer.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/wplace-tools/guardmaster/structs"
)

// DefaultDatabaseURL is used when DATABASE_URL is unset.
const DefaultDatabaseURL = "sqlite://master.db"

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	mode       TEXT NOT NULL,
	config     TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	slave_ids  TEXT NOT NULL,
	strategy   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// StateStore owns the sqlite handle plus the in-memory project/session
// maps. Reads are served from memory; writes go through to the database.
type StateStore struct {
	logger hclog.Logger
	db     *sql.DB

	mu       sync.RWMutex
	projects map[string]*structs.Project
	sessions map[string]*structs.Session
}

// Open connects to the store, creates the schema if needed and loads the
// persisted projects and sessions.
func Open(databaseURL string, logger hclog.Logger) (*StateStore, error) {
	if databaseURL == "" {
		databaseURL = DefaultDatabaseURL
	}
	db, err := sql.Open("sqlite", dsnFromURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &StateStore{
		logger:   logger.Named("state"),
		db:       db,
		projects: make(map[string]*structs.Project),
		sessions: make(map[string]*structs.Session),
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("state store loaded",
		"projects", len(s.projects), "sessions", len(s.sessions))
	return s, nil
}

// dsnFromURL maps a DATABASE_URL to a driver DSN. Only sqlite URLs and bare
// file paths are recognised; other schemes are reserved. Trimming stops at
// the scheme's double slash so sqlite:///abs/path keeps its leading slash.
func dsnFromURL(u string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(u, prefix) {
			return strings.TrimPrefix(u, prefix)
		}
	}
	return u
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) load() error {
	rows, err := s.db.Query(`SELECT id, name, mode, config, created_at FROM projects`)
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p structs.Project
		var config, createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Mode, &config, &createdAt); err != nil {
			return fmt.Errorf("failed to scan project: %w", err)
		}
		if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
			s.logger.Warn("dropping project with malformed config", "project_id", p.ID, "error", err)
			continue
		}
		p.CreatedAt = parseTime(createdAt)
		s.projects[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}

	srows, err := s.db.Query(`SELECT id, project_id, slave_ids, strategy, status, created_at, updated_at FROM sessions`)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var sess structs.Session
		var slaveIDs, createdAt, updatedAt string
		if err := srows.Scan(&sess.ID, &sess.ProjectID, &slaveIDs, &sess.Strategy, &sess.Status, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(slaveIDs), &sess.SlaveIDs); err != nil {
			s.logger.Warn("dropping session with malformed slave ids", "session_id", sess.ID, "error", err)
			continue
		}
		sess.CreatedAt = parseTime(createdAt)
		sess.UpdatedAt = parseTime(updatedAt)
		s.sessions[sess.ID] = &sess
	}
	return srows.Err()
}

// CreateProject persists a new project and adds it to the in-memory map.
func (s *StateStore) CreateProject(p *structs.Project) error {
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to encode project config: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(
		`INSERT INTO projects (id, name, mode, config, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Mode, string(config), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist project: %w", err)
	}

	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return nil
}

// Project returns the project by id, or ErrProjectNotFound.
func (s *StateStore) Project(id string) (*structs.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, structs.ErrProjectNotFound
	}
	return p, nil
}

// Projects returns all projects.
func (s *StateStore) Projects() []*structs.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*structs.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}

// CreateSession persists a new session and adds it to the in-memory map.
func (s *StateStore) CreateSession(sess *structs.Session) error {
	slaveIDs, err := json.Marshal(sess.SlaveIDs)
	if err != nil {
		return fmt.Errorf("failed to encode slave ids: %w", err)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = structs.SessionStatusCreated
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, project_id, slave_ids, strategy, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, string(slaveIDs), sess.Strategy, sess.Status,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

// Session returns a copy of the session by id, or ErrSessionNotFound.
func (s *StateStore) Session(id string) (*structs.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, structs.ErrSessionNotFound
	}
	return sess.Copy(), nil
}

// Sessions returns copies of all sessions.
func (s *StateStore) Sessions() []*structs.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*structs.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Copy())
	}
	return out
}

// UpdateSessionStatus records a lifecycle transition. A database failure is
// logged but the in-memory transition still applies, so the loop and UI
// state stay consistent with each other.
func (s *StateStore) UpdateSessionStatus(id, status string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return structs.ErrSessionNotFound
	}
	sess.Status = status
	sess.UpdatedAt = now
	s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(now), id)
	if err != nil {
		s.logger.Error("failed to persist session status", "session_id", id,
			"status", status, "error", err)
	}
	return nil
}

// ClearAll deletes every project and session, returning the deleted counts.
func (s *StateStore) ClearAll() (projects int, sessions int, err error) {
	s.mu.Lock()
	s.projects = make(map[string]*structs.Project)
	s.sessions = make(map[string]*structs.Session)
	s.mu.Unlock()

	if res, derr := s.db.Exec(`DELETE FROM sessions`); derr == nil {
		if n, aerr := res.RowsAffected(); aerr == nil {
			sessions = int(n)
		}
	} else {
		err = derr
	}
	if res, derr := s.db.Exec(`DELETE FROM projects`); derr == nil {
		if n, aerr := res.RowsAffected(); aerr == nil {
			projects = int(n)
		}
	} else {
		err = derr
	}
	return projects, sessions, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
