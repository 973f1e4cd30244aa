// Package todos persists session todo lists. The working list is
// replaced wholesale by the todo_write tool; completed items age into a
// backlog table they can be restored from.
package todos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbor-sh/arbor/pkg/models"
)

// ErrBacklogEntryNotFound reports a restore of an unknown backlog row.
var ErrBacklogEntryNotFound = errors.New("todos: backlog entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS todo_lists (
	session_id TEXT PRIMARY KEY,
	todos      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS todo_backlog (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	todo_id     TEXT NOT NULL,
	content     TEXT NOT NULL,
	priority    TEXT NOT NULL DEFAULT '',
	archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_todo_backlog_session ON todo_backlog(session_id, id);
`

// Store is the sqlite-backed todo persistence.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the todo database at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("todos: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("todos: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle, applying the schema.
// Used to share the event store's database file.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("todos: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Write replaces the session's working list. Completed items move to
// the backlog instead of staying current.
func (s *Store) Write(ctx context.Context, sessionID string, todos []models.Todo) error {
	var current []models.Todo
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("todos: begin: %w", err)
	}
	defer tx.Rollback()

	for _, td := range todos {
		if td.Status == models.TodoCompleted {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO todo_backlog (session_id, todo_id, content, priority, archived_at) VALUES (?, ?, ?, ?, ?)`,
				sessionID, td.ID, td.Content, td.Priority, now); err != nil {
				return fmt.Errorf("todos: archive completed item: %w", err)
			}
			continue
		}
		current = append(current, td)
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("todos: encode list: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO todo_lists (session_id, todos, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET todos = excluded.todos, updated_at = excluded.updated_at`,
		sessionID, string(encoded), now); err != nil {
		return fmt.Errorf("todos: store list: %w", err)
	}
	return tx.Commit()
}

// List returns the session's working list.
func (s *Store) List(ctx context.Context, sessionID string) ([]models.Todo, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT todos FROM todo_lists WHERE session_id = ?`, sessionID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("todos: load list: %w", err)
	}
	var todos []models.Todo
	if err := json.Unmarshal([]byte(encoded), &todos); err != nil {
		return nil, fmt.Errorf("todos: decode list: %w", err)
	}
	return todos, nil
}

// Summary aggregates the working list and backlog for one session.
type Summary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Backlog    int `json:"backlog"`
}

// GetSummary returns per-status counts.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	todos, err := s.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Total: len(todos)}
	for _, td := range todos {
		switch td.Status {
		case models.TodoPending:
			summary.Pending++
		case models.TodoInProgress:
			summary.InProgress++
		}
	}
	count, err := s.GetBacklogCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	summary.Backlog = count
	return summary, nil
}

// BacklogEntry is one archived todo.
type BacklogEntry struct {
	ID         int64  `json:"id"`
	SessionID  string `json:"sessionId"`
	TodoID     string `json:"todoId"`
	Content    string `json:"content"`
	Priority   string `json:"priority,omitempty"`
	ArchivedAt int64  `json:"archivedAt"`
}

// GetBacklog returns the session's archived items, oldest first.
func (s *Store) GetBacklog(ctx context.Context, sessionID string) ([]BacklogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, todo_id, content, priority, archived_at
		 FROM todo_backlog WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("todos: load backlog: %w", err)
	}
	defer rows.Close()

	var entries []BacklogEntry
	for rows.Next() {
		var e BacklogEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TodoID, &e.Content, &e.Priority, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("todos: scan backlog: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBacklogCount returns the number of archived items.
func (s *Store) GetBacklogCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM todo_backlog WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("todos: count backlog: %w", err)
	}
	return count, nil
}

// Restore moves a backlog entry back onto the working list as pending.
func (s *Store) Restore(ctx context.Context, sessionID string, backlogID int64) (*models.Todo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("todos: begin: %w", err)
	}
	defer tx.Rollback()

	var e BacklogEntry
	err = tx.QueryRowContext(ctx,
		`SELECT id, todo_id, content, priority FROM todo_backlog WHERE id = ? AND session_id = ?`,
		backlogID, sessionID).Scan(&e.ID, &e.TodoID, &e.Content, &e.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBacklogEntryNotFound, backlogID)
	}
	if err != nil {
		return nil, fmt.Errorf("todos: load backlog entry: %w", err)
	}

	var todos []models.Todo
	var encoded string
	err = tx.QueryRowContext(ctx,
		`SELECT todos FROM todo_lists WHERE session_id = ?`, sessionID).Scan(&encoded)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("todos: load list: %w", err)
	}
	if encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &todos); err != nil {
			return nil, fmt.Errorf("todos: decode list: %w", err)
		}
	}

	restored := models.Todo{ID: e.TodoID, Content: e.Content, Status: models.TodoPending, Priority: e.Priority}
	todos = append(todos, restored)
	out, err := json.Marshal(todos)
	if err != nil {
		return nil, fmt.Errorf("todos: encode list: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO todo_lists (session_id, todos, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET todos = excluded.todos, updated_at = excluded.updated_at`,
		sessionID, string(out), time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("todos: store list: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM todo_backlog WHERE id = ?`, backlogID); err != nil {
		return nil, fmt.Errorf("todos: drop backlog entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &restored, nil
}

// Sink adapts the store to the todo_write tool's sink signature.
func (s *Store) Sink() func(ctx context.Context, sessionID string, todos []models.Todo) error {
	return s.Write
}
