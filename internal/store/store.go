// Package store persists reconciled session transcripts in a local SQLite
// database so a cold start can render the last known state before the
// channel connects. The backlog received on connect remains the source of
// truth; the cache is replaced wholesale on every history sync.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tiller/internal/protocol"
	"tiller/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS transcript (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	agent_id    TEXT NOT NULL DEFAULT '',
	approval    TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript(session_id, seq);
`

// approvalColumn carries the optional approval payloads of a transcript
// entry as one JSON document.
type approvalColumn struct {
	Request *protocol.ApprovalRequest `json:"request,omitempty"`
	Result  *session.ApprovalResult   `json:"result,omitempty"`
}

// Store is a transcript cache. It implements session.TranscriptCache.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and if needed creates) the cache database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Replace installs msgs as the full transcript for the session.
func (s *Store) Replace(sessionID string, msgs []session.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM transcript WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	if err := insertMessages(tx, sessionID, 0, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

// Append adds msgs after the current end of the session transcript.
func (s *Store) Append(sessionID string, msgs []session.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	row := tx.QueryRow("SELECT COALESCE(MAX(seq)+1, 0) FROM transcript WHERE session_id = ?", sessionID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if err := insertMessages(tx, sessionID, next, msgs); err != nil {
		return err
	}
	return tx.Commit()
}

func insertMessages(tx *sql.Tx, sessionID string, startSeq int, msgs []session.ChatMessage) error {
	stmt, err := tx.Prepare(`INSERT INTO transcript
		(id, session_id, seq, role, content, agent_id, approval, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		var approval *string
		if m.ApprovalRequest != nil || m.ApprovalResult != nil {
			data, err := json.Marshal(approvalColumn{
				Request: m.ApprovalRequest,
				Result:  m.ApprovalResult,
			})
			if err != nil {
				return fmt.Errorf("marshal approval: %w", err)
			}
			v := string(data)
			approval = &v
		}
		if _, err := stmt.Exec(
			m.ID, sessionID, startSeq+i,
			string(m.Role), m.Content, m.AgentID,
			approval, m.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// Transcript loads the cached transcript for the session in order.
func (s *Store) Transcript(sessionID string) ([]session.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT id, role, content, agent_id, approval, created_at
		FROM transcript WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []session.ChatMessage
	for rows.Next() {
		var (
			m        session.ChatMessage
			role     string
			approval sql.NullString
			created  string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.AgentID, &approval, &created); err != nil {
			return nil, err
		}
		m.Role = session.Role(role)
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = ts
		if approval.Valid {
			var col approvalColumn
			if err := json.Unmarshal([]byte(approval.String), &col); err != nil {
				return nil, fmt.Errorf("unmarshal approval: %w", err)
			}
			m.ApprovalRequest = col.Request
			m.ApprovalResult = col.Result
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LastSession returns the id of the most recently written session, or an
// empty string when the cache is empty.
func (s *Store) LastSession() (string, error) {
	var id string
	row := s.db.QueryRow("SELECT session_id FROM transcript ORDER BY rowid DESC LIMIT 1")
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// Sessions lists the session ids present in the cache.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT session_id FROM transcript ORDER BY session_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
