// Package worktree gives each session an isolated git worktree inside
// the workspace repository. Acquire creates a session branch, commit
// snapshots it, merge folds it back into the base branch, and release
// tears the checkout down. Every transition lands on the session log.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
)

// ErrNoWorktree reports an operation on a session without one.
var ErrNoWorktree = errors.New("worktree: session has no worktree")

// BranchPrefix namespaces session branches.
const BranchPrefix = "arbor/"

// Options wires a Manager.
type Options struct {
	// Repo is the git repository the worktrees branch from.
	Repo string

	// Root is where worktree checkouts are created.
	Root string

	// Appender records worktree.* events on the owning session.
	// Optional.
	Appender contextmgr.Appender

	Logger *observability.Logger
}

// Worktree is one session's checkout.
type Worktree struct {
	SessionID string `json:"sessionId"`
	Branch    string `json:"branch"`
	Path      string `json:"path"`
}

// Status describes the working state of a session's worktree.
type Status struct {
	Worktree
	Dirty bool     `json:"dirty"`
	Files []string `json:"files,omitempty"`
}

// Manager tracks the active worktrees.
type Manager struct {
	repo     string
	root     string
	appender contextmgr.Appender
	log      *observability.Logger

	mu     sync.Mutex
	active map[string]*Worktree
}

// NewManager builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Repo == "" {
		return nil, errors.New("worktree: Options.Repo is required")
	}
	root := opts.Root
	if root == "" {
		root = filepath.Join(opts.Repo, ".arbor", "worktrees")
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Manager{
		repo:     opts.Repo,
		root:     root,
		appender: opts.Appender,
		log:      log,
		active:   make(map[string]*Worktree),
	}, nil
}

// Acquire creates (or returns) the session's worktree, branched from
// the repository HEAD.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Worktree, error) {
	m.mu.Lock()
	if wt, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return wt, nil
	}
	m.mu.Unlock()

	branch := BranchPrefix + shortID(sessionID)
	path := filepath.Join(m.root, shortID(sessionID))
	if _, err := m.git(ctx, m.repo, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, err
	}

	wt := &Worktree{SessionID: sessionID, Branch: branch, Path: path}
	m.mu.Lock()
	m.active[sessionID] = wt
	m.mu.Unlock()

	m.record(ctx, sessionID, events.TypeWorktreeAcquired, events.WorktreePayload{Branch: branch, Path: path})
	m.log.Info(ctx, "worktree acquired", "session_id", sessionID, "branch", branch)
	return wt, nil
}

// Get returns the session's worktree.
func (m *Manager) Get(sessionID string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.active[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoWorktree, sessionID)
	}
	return wt, nil
}

// List returns the active worktrees sorted by session id.
func (m *Manager) List() []*Worktree {
	m.mu.Lock()
	out := make([]*Worktree, 0, len(m.active))
	for _, wt := range m.active {
		out = append(out, wt)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// GetStatus reports the worktree's dirty state and changed files.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	wt, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	out, err := m.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	status := &Status{Worktree: *wt}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if len(line) > 3 {
			status.Files = append(status.Files, strings.TrimSpace(line[3:]))
		}
	}
	status.Dirty = len(status.Files) > 0
	return status, nil
}

// Commit stages everything in the worktree and commits it, returning
// the new commit hash. Committing a clean tree is an error.
func (m *Manager) Commit(ctx context.Context, sessionID, message string) (string, error) {
	wt, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(message) == "" {
		message = "checkpoint"
	}
	if _, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := m.git(ctx, wt.Path, "-c", "user.name=arbor", "-c", "user.email=arbor@localhost", "commit", "-m", message); err != nil {
		return "", err
	}
	hash, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)

	m.record(ctx, sessionID, events.TypeWorktreeCommit, events.WorktreePayload{Branch: wt.Branch, Path: wt.Path, Commit: hash})
	return hash, nil
}

// Merge folds the session branch into the branch checked out in the
// repository root and returns the merge commit.
func (m *Manager) Merge(ctx context.Context, sessionID string) (string, error) {
	wt, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	if _, err := m.git(ctx, m.repo, "-c", "user.name=arbor", "-c", "user.email=arbor@localhost",
		"merge", "--no-ff", "-m", "merge "+wt.Branch, wt.Branch); err != nil {
		return "", err
	}
	hash, err := m.git(ctx, m.repo, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)

	m.record(ctx, sessionID, events.TypeWorktreeMerged, events.WorktreePayload{Branch: wt.Branch, Commit: hash})
	return hash, nil
}

// Release removes the worktree and deletes its branch. force discards
// uncommitted changes.
func (m *Manager) Release(ctx context.Context, sessionID string, force bool) error {
	wt, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	args := []string{"worktree", "remove", wt.Path}
	if force {
		args = []string{"worktree", "remove", "--force", wt.Path}
	}
	if _, err := m.git(ctx, m.repo, args...); err != nil {
		return err
	}
	if _, err := m.git(ctx, m.repo, "branch", "-D", wt.Branch); err != nil {
		m.log.Warn(ctx, "failed to delete worktree branch", "branch", wt.Branch, "error", err)
	}

	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	m.record(ctx, sessionID, events.TypeWorktreeReleased, events.WorktreePayload{Branch: wt.Branch, Path: wt.Path})
	m.log.Info(ctx, "worktree released", "session_id", sessionID, "branch", wt.Branch)
	return nil
}

// ReleaseAll force-releases every active worktree. Used on shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for _, wt := range m.List() {
		if err := m.Release(ctx, wt.SessionID, true); err != nil {
			m.log.Warn(ctx, "failed to release worktree", "session_id", wt.SessionID, "error", err)
		}
	}
}

func (m *Manager) record(ctx context.Context, sessionID string, t events.Type, payload events.WorktreePayload) {
	if m.appender == nil {
		return
	}
	if _, err := m.appender.Append(ctx, sessionID, t, payload); err != nil {
		m.log.Warn(ctx, "failed to record worktree event", "session_id", sessionID, "type", string(t), "error", err)
	}
}

// git runs one git command in dir, returning stdout. Failures carry the
// combined output so callers see what git said.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}
