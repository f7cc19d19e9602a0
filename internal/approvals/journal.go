package approvals

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type RecordKind string

const (
	RecordRequested RecordKind = "requested"
	RecordDecided   RecordKind = "decided"
	RecordResolved  RecordKind = "resolved"
	RecordExpired   RecordKind = "expired"
)

type Record struct {
	Kind     RecordKind
	Entry    Entry
	Decision Decision
	At       time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS approval_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  approval_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  decision TEXT,
  agent_id TEXT,
  session_key TEXT,
  command TEXT NOT NULL,
  cwd TEXT,
  host TEXT,
  expires_at_ms INTEGER NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approval_events_approval ON approval_events(approval_id, seq);
`

// Journal is an append-only SQLite log of approval transitions.
type Journal struct {
	db *sql.DB
}

func OpenJournal(path string) (*Journal, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) Record(ctx context.Context, rec Record) error {
	if j == nil || j.db == nil {
		return nil
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	e := rec.Entry
	_, err := j.db.ExecContext(ctx, `
INSERT INTO approval_events (approval_id, kind, decision, agent_id, session_key, command, cwd, host, expires_at_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(rec.Kind), nullString(string(rec.Decision)), nullString(e.Request.AgentID), nullString(e.Request.SessionKey),
		e.Request.Command, nullString(e.Request.Cwd), nullString(e.Request.Host), e.ExpiresAtMs,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert approval event: %w", err)
	}
	return nil
}

// Recent returns the newest records first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT approval_id, kind, decision, agent_id, session_key, command, cwd, host, expires_at_ms, created_at
FROM approval_events
ORDER BY seq DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query approval events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                                      Record
			kind, createdAt                          string
			decision, agentID, sessionKey, cwd, host sql.NullString
		)
		if err := rows.Scan(&rec.Entry.ID, &kind, &decision, &agentID, &sessionKey, &rec.Entry.Request.Command,
			&cwd, &host, &rec.Entry.ExpiresAtMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan approval event: %w", err)
		}
		rec.Kind = RecordKind(kind)
		rec.Decision = Decision(decision.String)
		rec.Entry.Request.AgentID = agentID.String
		rec.Entry.Request.SessionKey = sessionKey.String
		rec.Entry.Request.Cwd = cwd.String
		rec.Entry.Request.Host = host.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.At = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
