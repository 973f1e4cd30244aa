package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNoProvider is wrapped by resolution failures.
var ErrNoProvider = fmt.Errorf("no provider for model")

// prefixRule routes model ids starting with Prefix to the named adapter.
type prefixRule struct {
	Prefix   string
	Provider string
}

// Longest prefix wins, so the order here only groups by vendor.
var defaultPrefixes = []prefixRule{
	{"claude-", "anthropic"},
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"gemini-", "google"},
	{"anthropic.", "bedrock"},
	{"amazon.", "bedrock"},
	{"meta.", "bedrock"},
	{"mistral.", "bedrock"},
	{"us.anthropic.", "bedrock"},
}

// Registry holds the configured provider adapters and resolves model ids
// to the adapter that serves them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	prefixes  []prefixRule
}

// NewRegistry returns a registry with the default model prefix table.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		prefixes:  append([]prefixRule(nil), defaultPrefixes...),
	}
}

// Register adds an adapter under its Name. Re-registering replaces.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalizeName(p.Name())] = p
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrNoProvider, name)
	}
	return p, nil
}

// Resolve maps a model id to its provider adapter. Exact model ids
// advertised by a registered adapter win; otherwise the longest matching
// prefix from the routing table decides. A registry with exactly one
// adapter serves every model, which keeps single-provider deployments
// free of prefix bookkeeping.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model == "" {
		return nil, fmt.Errorf("%w: empty model id", ErrNoProvider)
	}

	for _, p := range r.providers {
		for _, m := range p.Models() {
			if m.ID == model {
				return p, nil
			}
		}
	}

	var best *prefixRule
	for i := range r.prefixes {
		rule := &r.prefixes[i]
		if !strings.HasPrefix(model, rule.Prefix) {
			continue
		}
		if best == nil || len(rule.Prefix) > len(best.Prefix) {
			best = rule
		}
	}
	if best != nil {
		if p, ok := r.providers[best.Provider]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: model %q routes to provider %q which is not configured", ErrNoProvider, model, best.Provider)
	}

	if len(r.providers) == 1 {
		for _, p := range r.providers {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: model %q matches no routing prefix", ErrNoProvider, model)
}

// List returns the registered adapter names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns the union of models across registered adapters,
// deduplicated by id.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelInfo
	seen := make(map[string]struct{})
	for _, name := range sortedKeys(r.providers) {
		for _, m := range r.providers[name].Models() {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string]Provider) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
