package tools

import (
	"path"

	"github.com/arbor-sh/arbor/internal/config"
)

// Decision is the policy verdict for a tool call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Policy gates tool calls by name glob. Deny wins over everything, Ask
// wins over Allow, and an empty Allow list permits anything not matched
// by the other two.
type Policy struct {
	allow []string
	deny  []string
	ask   []string
}

// NewPolicy builds a policy from config patterns.
func NewPolicy(cfg config.PolicyConfig) *Policy {
	return &Policy{allow: cfg.Allow, deny: cfg.Deny, ask: cfg.Ask}
}

// OpenPolicy allows every tool. Used when no policy is configured.
func OpenPolicy() *Policy { return &Policy{} }

// Check returns the verdict for a tool name.
func (p *Policy) Check(name string) Decision {
	if matchAny(p.deny, name) {
		return DecisionDeny
	}
	if matchAny(p.ask, name) {
		return DecisionAsk
	}
	if len(p.allow) == 0 || matchAny(p.allow, name) {
		return DecisionAllow
	}
	return DecisionDeny
}

// Denied builds the tool result the model sees when policy rejects a
// call. The turn continues; the model may pick another tool.
func Denied(name string) *Result {
	return &Result{
		Content: "Permission denied: tool " + name + " is not allowed by policy.",
		IsError: true,
		Details: map[string]any{"permissionDenied": true},
	}
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
