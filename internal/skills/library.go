package skills

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arbor-sh/arbor/internal/contextmgr"
	"github.com/arbor-sh/arbor/internal/events"
	"github.com/arbor-sh/arbor/internal/observability"
)

// ErrSkillNotFound reports a lookup for an unknown skill.
var ErrSkillNotFound = errors.New("skills: not found")

// Options wires a Library.
type Options struct {
	// Dir holds one folder per skill, each with a SKILL.md.
	Dir string

	// Watch reloads the library when files under Dir change.
	Watch bool

	// Context receives matched skill content in the skills zone.
	Context *contextmgr.Manager

	// Appender records rules.loaded events when skills enter a
	// session's context. Optional.
	Appender contextmgr.Appender

	Logger *observability.Logger
}

// Library is the loaded skill set. Reloads swap the whole map; removed
// skills stay suppressed until an explicit Refresh.
type Library struct {
	dir      string
	ctxmgr   *contextmgr.Manager
	appender contextmgr.Appender
	log      *observability.Logger

	mu      sync.RWMutex
	skills  map[string]*Skill
	removed map[string]struct{}

	watcher  *fsnotify.Watcher
	watchWg  sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// NewLibrary builds a Library and performs the initial load. A missing
// skills directory is an empty library, not an error.
func NewLibrary(opts Options) (*Library, error) {
	if opts.Dir == "" {
		return nil, errors.New("skills: Options.Dir is required")
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewNopLogger()
	}
	l := &Library{
		dir:      opts.Dir,
		ctxmgr:   opts.Context,
		appender: opts.Appender,
		log:      log,
		skills:   make(map[string]*Skill),
		removed:  make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
	if err := l.reload(context.Background(), false); err != nil {
		return nil, err
	}
	if opts.Watch {
		if err := l.startWatcher(); err != nil {
			return nil, fmt.Errorf("skills: start watcher: %w", err)
		}
	}
	return l, nil
}

// Close stops the watcher.
func (l *Library) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watchWg.Wait()
	return nil
}

// Refresh rescans the skills directory. Previously removed skills come
// back if their files still exist.
func (l *Library) Refresh(ctx context.Context) error {
	return l.reload(ctx, true)
}

// reload scans dir/*/SKILL.md and swaps the library. clearRemoved
// lifts remove suppressions (explicit Refresh does, watcher reloads
// don't).
func (l *Library) reload(ctx context.Context, clearRemoved bool) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = make(map[string]*Skill)
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("skills: read dir: %w", err)
	}

	loaded := make(map[string]*Skill)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), SkillFilename)
		skill, err := ParseFile(path)
		if err != nil {
			if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
				continue
			}
			l.log.Warn(ctx, "skipping invalid skill", "path", path, "error", err)
			continue
		}
		if prev, ok := loaded[skill.Name]; ok {
			l.log.Warn(ctx, "duplicate skill name", "name", skill.Name, "kept", prev.Path, "ignored", skill.Path)
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	if clearRemoved {
		l.removed = make(map[string]struct{})
	}
	for name := range l.removed {
		delete(loaded, name)
	}
	l.skills = loaded
	l.mu.Unlock()

	l.log.Info(ctx, "skills loaded", "count", len(loaded), "dir", l.dir)
	return nil
}

// List returns all loaded skills sorted by name.
func (l *Library) List() []*Skill {
	l.mu.RLock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (l *Library) Get(name string) (*Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s, nil
}

// Remove unregisters a skill. The files stay on disk and watcher
// reloads keep it suppressed; only an explicit Refresh brings it back.
func (l *Library) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.skills[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	delete(l.skills, name)
	l.removed[name] = struct{}{}
	return nil
}

// Match returns the skills whose triggers appear in the prompt.
func (l *Library) Match(prompt string) []*Skill {
	var matched []*Skill
	for _, s := range l.List() {
		if s.Matches(prompt) {
			matched = append(matched, s)
		}
	}
	return matched
}

// InjectMatched folds prompt-matched skills into the session's skills
// zone and records which files entered context. No match clears the
// zone so stale skills don't linger across turns.
func (l *Library) InjectMatched(ctx context.Context, sessionID, prompt string) ([]*Skill, error) {
	if l.ctxmgr == nil {
		return nil, nil
	}
	matched := l.Match(prompt)
	if len(matched) == 0 {
		if err := l.ctxmgr.SetZone(sessionID, contextmgr.ZoneSkills, ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var sb strings.Builder
	files := make([]string, 0, len(matched))
	for i, s := range matched {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Skill: ")
		sb.WriteString(s.Name)
		sb.WriteString("\n")
		sb.WriteString(s.Description)
		if s.Content != "" {
			sb.WriteString("\n\n")
			sb.WriteString(s.Content)
		}
		files = append(files, filepath.Join(s.Path, SkillFilename))
	}
	if err := l.ctxmgr.SetZone(sessionID, contextmgr.ZoneSkills, sb.String()); err != nil {
		return nil, err
	}

	if l.appender != nil {
		if _, err := l.appender.Append(ctx, sessionID, events.TypeRulesLoaded, events.RulesLoadedPayload{Files: files}); err != nil {
			l.log.Warn(ctx, "failed to record skill load", "session_id", sessionID, "error", err)
		}
	}
	return matched, nil
}

// startWatcher watches the skills root and every skill folder,
// debouncing bursts into one reload.
func (l *Library) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	l.watcher = watcher
	l.addWatches()

	l.watchWg.Add(1)
	go l.watchLoop()
	return nil
}

func (l *Library) addWatches() {
	_ = l.watcher.Add(l.dir)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = l.watcher.Add(filepath.Join(l.dir, entry.Name()))
		}
	}
}

func (l *Library) watchLoop() {
	defer l.watchWg.Done()
	const debounce = 250 * time.Millisecond

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-l.stop:
			return
		case _, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Warn(context.Background(), "skill watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := l.reload(context.Background(), false); err != nil {
				l.log.Warn(context.Background(), "skill reload failed", "error", err)
			}
			l.addWatches()
		}
	}
}
