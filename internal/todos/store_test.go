package todos

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arbor-sh/arbor/pkg/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "todos.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const sid = "sess-1"

	err := s.Write(ctx, sid, []models.Todo{
		{ID: "t1", Content: "write tests", Status: models.TodoInProgress},
		{ID: "t2", Content: "ship", Status: models.TodoPending, Priority: "high"},
	})
	if err != nil {
		t.Fatal(err)
	}

	todos, err := s.List(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(todos) != 2 || todos[1].Priority != "high" {
		t.Fatalf("todos = %+v", todos)
	}

	// Empty session has no list.
	todos, err = s.List(ctx, "other")
	if err != nil || todos != nil {
		t.Fatalf("empty list = %v, %v", todos, err)
	}
}

func TestWrite_CompletedAgeIntoBacklog(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const sid = "sess-1"

	err := s.Write(ctx, sid, []models.Todo{
		{ID: "t1", Content: "done already", Status: models.TodoCompleted},
		{ID: "t2", Content: "keep going", Status: models.TodoInProgress},
	})
	if err != nil {
		t.Fatal(err)
	}

	todos, err := s.List(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(todos) != 1 || todos[0].ID != "t2" {
		t.Fatalf("current = %+v", todos)
	}

	backlog, err := s.GetBacklog(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 1 || backlog[0].Content != "done already" {
		t.Fatalf("backlog = %+v", backlog)
	}

	count, err := s.GetBacklogCount(ctx, sid)
	if err != nil || count != 1 {
		t.Fatalf("count = %d, %v", count, err)
	}
	// Other sessions are unaffected.
	count, err = s.GetBacklogCount(ctx, "other")
	if err != nil || count != 0 {
		t.Fatalf("foreign count = %d, %v", count, err)
	}
}

func TestGetSummary(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const sid = "sess-1"

	err := s.Write(ctx, sid, []models.Todo{
		{ID: "t1", Content: "a", Status: models.TodoPending},
		{ID: "t2", Content: "b", Status: models.TodoPending},
		{ID: "t3", Content: "c", Status: models.TodoInProgress},
		{ID: "t4", Content: "d", Status: models.TodoCompleted},
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := s.GetSummary(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Total: 3, Pending: 2, InProgress: 1, Backlog: 1}
	if *summary != want {
		t.Errorf("summary = %+v, want %+v", *summary, want)
	}
}

func TestRestore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const sid = "sess-1"

	err := s.Write(ctx, sid, []models.Todo{
		{ID: "t1", Content: "revisit later", Status: models.TodoCompleted},
	})
	if err != nil {
		t.Fatal(err)
	}
	backlog, err := s.GetBacklog(ctx, sid)
	if err != nil || len(backlog) != 1 {
		t.Fatalf("backlog = %+v, %v", backlog, err)
	}

	restored, err := s.Restore(ctx, sid, backlog[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != models.TodoPending || restored.Content != "revisit later" {
		t.Errorf("restored = %+v", restored)
	}

	todos, err := s.List(ctx, sid)
	if err != nil || len(todos) != 1 || todos[0].ID != "t1" {
		t.Fatalf("list = %+v, %v", todos, err)
	}
	if count, _ := s.GetBacklogCount(ctx, sid); count != 0 {
		t.Errorf("backlog count = %d after restore", count)
	}

	// Restoring again fails.
	if _, err := s.Restore(ctx, sid, backlog[0].ID); !errors.Is(err, ErrBacklogEntryNotFound) {
		t.Errorf("double restore err = %v", err)
	}
	// Wrong session cannot restore another session's entry.
	if _, err := s.Restore(ctx, "other", backlog[0].ID); !errors.Is(err, ErrBacklogEntryNotFound) {
		t.Errorf("cross-session restore err = %v", err)
	}
}

func TestWrite_ReplacesList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	const sid = "sess-1"

	if err := s.Write(ctx, sid, []models.Todo{{ID: "t1", Content: "old", Status: models.TodoPending}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(ctx, sid, []models.Todo{{ID: "t2", Content: "new", Status: models.TodoPending}}); err != nil {
		t.Fatal(err)
	}
	todos, err := s.List(ctx, sid)
	if err != nil || len(todos) != 1 || todos[0].ID != "t2" {
		t.Fatalf("list = %+v, %v", todos, err)
	}
}
