// Package sandbox tracks the logical containers tools can execute in.
// Containers are registry entries bound to a runtime; the default
// process runtime runs tools as plain child processes in the
// container's working directory, so lifecycle transitions only flip
// registry state.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arbor-sh/arbor/internal/observability"
)

// State is a container's lifecycle state.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateKilled  State = "killed"
)

// Errors the registry reports.
var (
	ErrContainerNotFound = errors.New("sandbox: container not found")
	ErrAlreadyRunning    = errors.New("sandbox: container already running")
	ErrNotRunning        = errors.New("sandbox: container not running")
)

// Container is one registry entry.
type Container struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"image,omitempty"`
	WorkDir   string    `json:"workDir"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// Runtime executes the lifecycle transitions. Implementations that
// manage real containers do their work here; the process runtime is
// pure bookkeeping.
type Runtime interface {
	Start(ctx context.Context, c *Container) error
	Stop(ctx context.Context, c *Container) error
	Kill(ctx context.Context, c *Container) error
}

// ProcessRuntime runs tools as child processes; transitions are no-ops.
type ProcessRuntime struct{}

func (ProcessRuntime) Start(context.Context, *Container) error { return nil }
func (ProcessRuntime) Stop(context.Context, *Container) error  { return nil }
func (ProcessRuntime) Kill(context.Context, *Container) error  { return nil }

// Registry is the container table behind the sandbox.* methods.
type Registry struct {
	runtime Runtime
	log     *observability.Logger

	mu         sync.Mutex
	containers map[string]*Container
	next       int
}

// NewRegistry builds a Registry. A nil runtime gets the process
// runtime.
func NewRegistry(runtime Runtime, log *observability.Logger) *Registry {
	if runtime == nil {
		runtime = ProcessRuntime{}
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Registry{
		runtime:    runtime,
		log:        log,
		containers: make(map[string]*Container),
		next:       1,
	}
}

// Create registers a new container in the running state.
func (r *Registry) Create(ctx context.Context, name, image, workDir string) (*Container, error) {
	r.mu.Lock()
	id := fmt.Sprintf("sbx-%d", r.next)
	r.next++
	c := &Container{
		ID:        id,
		Name:      name,
		Image:     image,
		WorkDir:   workDir,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
	}
	r.containers[id] = c
	r.mu.Unlock()

	if err := r.runtime.Start(ctx, c); err != nil {
		r.mu.Lock()
		delete(r.containers, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}
	r.log.Info(ctx, "container created", "container_id", id, "name", name)
	return r.snapshot(c), nil
}

// List returns all containers sorted by id.
func (r *Registry) List() []*Container {
	r.mu.Lock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, r.snapshotLocked(c))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one container.
func (r *Registry) Get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	return r.snapshotLocked(c), nil
}

// Start transitions a stopped container back to running.
func (r *Registry) Start(ctx context.Context, id string) (*Container, error) {
	return r.transition(ctx, id, StateRunning, func(c *Container) error {
		if c.State == StateRunning {
			return ErrAlreadyRunning
		}
		return r.runtime.Start(ctx, c)
	})
}

// Stop transitions a running container to stopped.
func (r *Registry) Stop(ctx context.Context, id string) (*Container, error) {
	return r.transition(ctx, id, StateStopped, func(c *Container) error {
		if c.State != StateRunning {
			return ErrNotRunning
		}
		return r.runtime.Stop(ctx, c)
	})
}

// Kill forcibly terminates a container in any state.
func (r *Registry) Kill(ctx context.Context, id string) (*Container, error) {
	return r.transition(ctx, id, StateKilled, func(c *Container) error {
		return r.runtime.Kill(ctx, c)
	})
}

// WorkDirFor resolves the working directory tools should execute in
// when targeting a container. Only running containers are valid
// targets.
func (r *Registry) WorkDirFor(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if c.State != StateRunning {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	return c.WorkDir, nil
}

func (r *Registry) transition(ctx context.Context, id string, to State, guard func(*Container) error) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, id)
	}
	if err := guard(c); err != nil {
		return nil, err
	}
	c.State = to
	r.log.Info(ctx, "container state changed", "container_id", id, "state", string(to))
	return r.snapshotLocked(c), nil
}

func (r *Registry) snapshot(c *Container) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(c)
}

func (r *Registry) snapshotLocked(c *Container) *Container {
	copy := *c
	return &copy
}
