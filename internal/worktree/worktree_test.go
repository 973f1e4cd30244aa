package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/arbor-sh/arbor/internal/events"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@localhost")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("base\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return repo
}

func newManager(t *testing.T, repo string) (*Manager, events.Store) {
	t.Helper()
	store := events.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	m, err := NewManager(Options{Repo: repo, Appender: appenderFunc(func(ctx context.Context, sid string, typ events.Type, payload any) (*events.Event, error) {
		return events.AppendAuto(ctx, store, sid, typ, payload)
	})})
	if err != nil {
		t.Fatal(err)
	}
	return m, store
}

func sessionTypes(t *testing.T, store events.Store, sessionID string) []events.Type {
	t.Helper()
	history, err := store.GetHistory(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]events.Type, len(history))
	for i, ev := range history {
		types[i] = ev.Type
	}
	return types
}

func TestLifecycle(t *testing.T) {
	repo := initRepo(t)
	m, store := newManager(t, repo)
	ctx := context.Background()
	const sessionID = "0199aaaa-bbbb-cccc-dddd-eeeeffff0001"

	wt, err := m.Acquire(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if wt.Branch != BranchPrefix+"0199aaaa" {
		t.Errorf("branch = %q", wt.Branch)
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "README.md")); err != nil {
		t.Fatalf("checkout missing: %v", err)
	}

	// Acquire is idempotent per session.
	again, err := m.Acquire(ctx, sessionID)
	if err != nil || again != wt {
		t.Fatalf("second acquire = %v, %v", again, err)
	}

	status, err := m.GetStatus(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Dirty {
		t.Errorf("fresh worktree dirty: %+v", status)
	}

	if err := os.WriteFile(filepath.Join(wt.Path, "feature.go"), []byte("package feature\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	status, err = m.GetStatus(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Dirty || len(status.Files) != 1 || status.Files[0] != "feature.go" {
		t.Errorf("status = %+v", status)
	}

	hash, err := m.Commit(ctx, sessionID, "add feature")
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 40 {
		t.Errorf("commit hash = %q", hash)
	}

	mergeHash, err := m.Merge(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if mergeHash == hash {
		t.Error("merge produced no new commit")
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Errorf("merged file missing from repo: %v", err)
	}

	if err := m.Release(ctx, sessionID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(sessionID); !errors.Is(err, ErrNoWorktree) {
		t.Errorf("released worktree still tracked: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("checkout still on disk: %v", err)
	}

	types := sessionTypes(t, store, sessionID)
	want := []events.Type{
		events.TypeWorktreeAcquired,
		events.TypeWorktreeCommit,
		events.TypeWorktreeMerged,
		events.TypeWorktreeReleased,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events = %v, want %v", types, want)
		}
	}
}

func TestRelease_DirtyNeedsForce(t *testing.T) {
	repo := initRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()
	const sessionID = "sess-dirty"

	wt, err := m.Acquire(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("wip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Release(ctx, sessionID, false); err == nil {
		t.Fatal("dirty release without force succeeded")
	}
	if err := m.Release(ctx, sessionID, true); err != nil {
		t.Fatal(err)
	}
}

func TestCommit_CleanTreeFails(t *testing.T) {
	repo := initRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "sess-clean"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Commit(ctx, "sess-clean", "nothing"); err == nil {
		t.Fatal("empty commit succeeded")
	}
}

func TestOpsWithoutWorktree(t *testing.T) {
	repo := initRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()

	if _, err := m.GetStatus(ctx, "ghost"); !errors.Is(err, ErrNoWorktree) {
		t.Errorf("status err = %v", err)
	}
	if _, err := m.Commit(ctx, "ghost", "x"); !errors.Is(err, ErrNoWorktree) {
		t.Errorf("commit err = %v", err)
	}
	if err := m.Release(ctx, "ghost", false); !errors.Is(err, ErrNoWorktree) {
		t.Errorf("release err = %v", err)
	}
}

func TestList(t *testing.T) {
	repo := initRepo(t)
	m, _ := newManager(t, repo)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "bbb-session"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, "aaa-session"); err != nil {
		t.Fatal(err)
	}
	list := m.List()
	if len(list) != 2 || list[0].SessionID != "aaa-session" {
		t.Errorf("list = %+v", list)
	}
}

type appenderFunc func(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error)

func (f appenderFunc) Append(ctx context.Context, sessionID string, t events.Type, payload any) (*events.Event, error) {
	return f(ctx, sessionID, t, payload)
}
