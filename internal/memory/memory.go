// Package memory defines the long-term memory surface. The shipped
// implementation persists entries to a JSONL file and answers queries
// with empty results; the interface leaves room for an indexed backend.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one remembered fact or handoff note.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Kind      string    `json:"kind"` // "note" or "handoff"
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SearchResult pairs an entry with its relevance score.
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Store is the memory surface the RPC methods sit on.
type Store interface {
	// Search returns entries relevant to the query.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// AddEntry persists one entry and returns it with its id filled in.
	AddEntry(ctx context.Context, entry Entry) (*Entry, error)

	// GetHandoffs returns handoff notes left for future sessions.
	GetHandoffs(ctx context.Context, sessionID string) ([]Entry, error)
}

// FileStore appends entries to a JSONL file. Queries return empty
// results; the file is the substrate a future index would build from.
type FileStore struct {
	path string

	mu   sync.Mutex
	next int
}

// NewFileStore builds a FileStore writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("memory: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	return &FileStore{path: path, next: 1}, nil
}

// Search always reports no matches.
func (s *FileStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, nil
}

// AddEntry appends the entry to the JSONL file.
func (s *FileStore) AddEntry(ctx context.Context, entry Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Kind == "" {
		entry.Kind = "note"
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("mem-%d-%d", entry.CreatedAt.UnixMilli(), s.next)
		s.next++
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("memory: encode entry: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("memory: open file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("memory: append entry: %w", err)
	}
	return &entry, nil
}

// GetHandoffs always reports none pending.
func (s *FileStore) GetHandoffs(ctx context.Context, sessionID string) ([]Entry, error) {
	return nil, nil
}

// Entries reads every persisted entry back. Test and inspection helper.
func (s *FileStore) Entries() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: open file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("memory: decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
