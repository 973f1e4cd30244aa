package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists event logs in a single sqlite database. WAL mode
// with an immediate transaction per append gives the per-session CAS its
// atomicity; the contentless FTS5 side table indexes searchable text.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL,
	payload    BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);

CREATE TABLE IF NOT EXISTS session_heads (
	session_id TEXT PRIMARY KEY,
	head_id    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	content,
	content='',
	contentless_delete=1
);
`

// OpenSQLite opens (creating if needed) the event database at path and
// applies the schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY churn under concurrent appenders.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db, logger)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle. The caller owns schema
// setup when using this constructor directly (tests inject mocks here).
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "events.sqlite")}
}

// Migrate applies the schema. Idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate events schema: %w", err)
	}
	return nil
}

const eventColumns = "id, session_id, parent_id, type, payload, created_at"

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var ev Event
	var parentID string
	var payload []byte
	var createdAt int64
	if err := row.Scan(&ev.ID, &ev.SessionID, &parentID, &ev.Type, &payload, &createdAt); err != nil {
		return nil, err
	}
	ev.ParentID = parentID
	if len(payload) > 0 {
		ev.Payload = payload
	}
	ev.Timestamp = time.Unix(0, createdAt).UTC()
	return &ev, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID, parentID string, t Type, payload any) (*Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !ValidType(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(t, raw); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var head string
	err = tx.QueryRowContext(ctx, "SELECT head_id FROM session_heads WHERE session_id = ?", sessionID).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if parentID != "" {
			return nil, fmt.Errorf("%w: session %s has no events", ErrHeadMoved, sessionID)
		}
	case err != nil:
		return nil, fmt.Errorf("read head: %w", err)
	default:
		if parentID != head {
			return nil, fmt.Errorf("%w: head is %s, got parent %s", ErrHeadMoved, head, parentID)
		}
	}

	ev := &Event{
		ID:        NewID(),
		SessionID: sessionID,
		ParentID:  parentID,
		Type:      t,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO events (id, session_id, parent_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID, ev.SessionID, ev.ParentID, string(ev.Type), []byte(ev.Payload), ev.Timestamp.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO session_heads (session_id, head_id, updated_at) VALUES (?, ?, ?) ON CONFLICT(session_id) DO UPDATE SET head_id = excluded.head_id, updated_at = excluded.updated_at",
		sessionID, ev.ID, ev.Timestamp.UnixNano()); err != nil {
		return nil, fmt.Errorf("advance head: %w", err)
	}

	if text := searchText(t, raw); text != "" {
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("event rowid: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO events_fts (rowid, content) VALUES (?, ?)", seq, text); err != nil {
			return nil, fmt.Errorf("index event text: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) Head(ctx context.Context, sessionID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = (SELECT head_id FROM session_heads WHERE session_id = ?)",
		sessionID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}
	return ev, nil
}

const lineageCTE = `
WITH RECURSIVE lineage(id, session_id, parent_id, type, payload, created_at) AS (
	SELECT id, session_id, parent_id, type, payload, created_at
	  FROM events
	 WHERE id = (SELECT head_id FROM session_heads WHERE session_id = ?)
	UNION ALL
	SELECT e.id, e.session_id, e.parent_id, e.type, e.payload, e.created_at
	  FROM events e
	  JOIN lineage l ON e.id = l.parent_id
)
`

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string) ([]*Event, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, lineageCTE+"SELECT id, session_id, parent_id, type, payload, created_at FROM lineage ORDER BY id", sessionID)
}

func (s *SQLiteStore) GetSince(ctx context.Context, sessionID, afterID string) ([]*Event, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if afterID == "" {
		return s.GetHistory(ctx, sessionID)
	}
	if _, err := s.Get(ctx, afterID); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx,
		lineageCTE+"SELECT id, session_id, parent_id, type, payload, created_at FROM lineage WHERE id > ? ORDER BY id",
		sessionID, afterID)
}

func (s *SQLiteStore) Children(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, "SELECT "+eventColumns+" FROM events WHERE parent_id = ? ORDER BY id", id)
}

func (s *SQLiteStore) Branches(ctx context.Context, sessionID string) ([]*Event, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `
SELECT `+eventColumns+` FROM events e
 WHERE e.session_id = ?
   AND (SELECT COUNT(*) FROM events c WHERE c.parent_id = e.id) > 1
 ORDER BY e.id`, sessionID)
}

func (s *SQLiteStore) Subtree(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `
WITH RECURSIVE sub(id, session_id, parent_id, type, payload, created_at) AS (
	SELECT id, session_id, parent_id, type, payload, created_at FROM events WHERE id = ?
	UNION ALL
	SELECT e.id, e.session_id, e.parent_id, e.type, e.payload, e.created_at
	  FROM events e
	  JOIN sub s ON e.parent_id = s.id
)
SELECT id, session_id, parent_id, type, payload, created_at FROM sub ORDER BY id`, id)
}

func (s *SQLiteStore) Ancestors(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `
WITH RECURSIVE anc(id, session_id, parent_id, type, payload, created_at) AS (
	SELECT id, session_id, parent_id, type, payload, created_at
	  FROM events
	 WHERE id = (SELECT parent_id FROM events WHERE id = ? AND parent_id != '')
	UNION ALL
	SELECT e.id, e.session_id, e.parent_id, e.type, e.payload, e.created_at
	  FROM events e
	  JOIN anc a ON e.id = a.parent_id
)
SELECT id, session_id, parent_id, type, payload, created_at FROM anc ORDER BY id`, id)
}

func (s *SQLiteStore) SetHead(ctx context.Context, sessionID, eventID string) error {
	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.SessionID != sessionID {
		return fmt.Errorf("%w: %s belongs to session %s", ErrNotFound, eventID, ev.SessionID)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE session_heads SET head_id = ?, updated_at = ? WHERE session_id = ?",
		eventID, time.Now().UTC().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM events_fts WHERE rowid IN (SELECT seq FROM events WHERE session_id = ?)", sessionID); err != nil {
		return fmt.Errorf("delete fts rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_heads WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("delete head: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT h.session_id, h.head_id, e.created_at,
       (SELECT COUNT(*) FROM events c WHERE c.session_id = h.session_id)
  FROM session_heads h
  JOIN events e ON e.id = h.head_id
 ORDER BY e.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var createdAt int64
		if err := rows.Scan(&info.SessionID, &info.HeadID, &createdAt, &info.EventCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.LastActivity = time.Unix(0, createdAt).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SearchContent(ctx context.Context, sessionID, query string, limit int) ([]*Event, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `
SELECT `+eventColumns+` FROM events e
 WHERE e.session_id = ?
   AND e.seq IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)
 ORDER BY e.id DESC LIMIT ?`, sessionID, match, limit)
}

func (s *SQLiteStore) SearchEvents(ctx context.Context, sessionID string, q Query) ([]*Event, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + eventColumns + " FROM events WHERE session_id = ?")
	args := []any{sessionID}

	if len(q.Types) > 0 {
		sb.WriteString(" AND type IN (")
		for i, t := range q.Types {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, string(t))
		}
		sb.WriteString(")")
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		sb.WriteString(" AND created_at <= ?")
		args = append(args, q.Until.UnixNano())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" ORDER BY id LIMIT ?")
	args = append(args, limit)

	return s.queryEvents(ctx, sb.String(), args...)
}

// DB exposes the underlying handle so sibling stores (todos) can share
// the database file on the same serialized connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) requireSession(ctx context.Context, sessionID string) error {
	var head string
	err := s.db.QueryRowContext(ctx, "SELECT head_id FROM session_heads WHERE session_id = ?", sessionID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
