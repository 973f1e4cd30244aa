package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// AgentConfig controls the turn loop.
type AgentConfig struct {
	// SystemPrompt overrides the built-in core system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxIterations bounds inference rounds within one turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTurnDuration is the wall-clock bound on one turn.
	MaxTurnDuration time.Duration `yaml:"max_turn_duration"`

	// MaxTokens is the per-request output token cap.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature applies when the provider supports it.
	Temperature float64 `yaml:"temperature"`

	// ReasoningEffort is the default extended-thinking level
	// ("low", "medium", "high"; empty = off).
	ReasoningEffort string `yaml:"reasoning_effort"`

	// SteeringQueueSize bounds prompts queued against a running turn.
	SteeringQueueSize int `yaml:"steering_queue_size"`
}

func (a *AgentConfig) applyDefaults() {
	if a.MaxIterations == 0 {
		a.MaxIterations = 25
	}
	if a.MaxTurnDuration == 0 {
		a.MaxTurnDuration = 10 * time.Minute
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 8192
	}
	if a.SteeringQueueSize == 0 {
		a.SteeringQueueSize = 16
	}
}

func (a *AgentConfig) validate() error {
	if a.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", a.MaxIterations)
	}
	switch a.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("agent.reasoning_effort must be low, medium, or high, got %q", a.ReasoningEffort)
	}
	return validateDuration("agent.max_turn_duration", a.MaxTurnDuration)
}

// ContextConfig controls composition and compaction.
type ContextConfig struct {
	// CompactThreshold is the utilization ratio at which ShouldCompact
	// fires.
	CompactThreshold float64 `yaml:"compact_threshold"`

	// MinCompactMessages suppresses compaction on short transcripts.
	MinCompactMessages int `yaml:"min_compact_messages"`

	// TailMessages is the recent-message window compaction never
	// summarizes.
	TailMessages int `yaml:"tail_messages"`

	// TailTokenRatio keeps at least this share of tokens in the tail,
	// whichever of the two windows is larger.
	TailTokenRatio float64 `yaml:"tail_token_ratio"`

	// OutputReserve is headroom kept free for the model's reply when
	// deciding whether a turn still fits.
	OutputReserve int `yaml:"output_reserve"`

	// SummaryModel overrides the session model for the summarizer call.
	SummaryModel string `yaml:"summary_model"`
}

func (c *ContextConfig) applyDefaults() {
	if c.CompactThreshold == 0 {
		c.CompactThreshold = 0.85
	}
	if c.MinCompactMessages == 0 {
		c.MinCompactMessages = 10
	}
	if c.TailMessages == 0 {
		c.TailMessages = 20
	}
	if c.TailTokenRatio == 0 {
		c.TailTokenRatio = 0.25
	}
	if c.OutputReserve == 0 {
		c.OutputReserve = 16384
	}
}

func (c *ContextConfig) validate() error {
	if c.CompactThreshold <= 0 || c.CompactThreshold >= 1 {
		return fmt.Errorf("context.compact_threshold must be between 0 and 1 exclusive, got %g", c.CompactThreshold)
	}
	if c.TailTokenRatio < 0 || c.TailTokenRatio >= 1 {
		return fmt.Errorf("context.tail_token_ratio must be in [0, 1), got %g", c.TailTokenRatio)
	}
	return nil
}

// SessionsConfig controls the orchestrator's in-memory session table.
type SessionsConfig struct {
	// IdleTimeout evicts sessions with no activity for this long. The
	// log persists; resume reloads. Zero disables eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ReaperSchedule is the cron expression for the idle sweep.
	ReaperSchedule string `yaml:"reaper_schedule"`

	// SubscriberBuffer is the per-subscriber event channel depth.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// QueueSize bounds each session's append queue.
	QueueSize int `yaml:"queue_size"`
}

func (s *SessionsConfig) applyDefaults() {
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 30 * time.Minute
	}
	if s.ReaperSchedule == "" {
		s.ReaperSchedule = "*/5 * * * *"
	}
	if s.SubscriberBuffer == 0 {
		s.SubscriberBuffer = 256
	}
	if s.QueueSize == 0 {
		s.QueueSize = 64
	}
}

func (s *SessionsConfig) validate() error {
	if _, err := cron.ParseStandard(s.ReaperSchedule); err != nil {
		return fmt.Errorf("sessions.reaper_schedule: %w", err)
	}
	if s.SubscriberBuffer < 1 {
		return fmt.Errorf("sessions.subscriber_buffer must be at least 1, got %d", s.SubscriberBuffer)
	}
	return validateDuration("sessions.idle_timeout", s.IdleTimeout)
}

// SubagentsConfig controls child-session fan-out.
type SubagentsConfig struct {
	// MaxConcurrent bounds simultaneously running subagents.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxDepth bounds subagent nesting; the root session is depth 0.
	MaxDepth int `yaml:"max_depth"`

	// Timeout bounds one subagent task. Zero inherits the parent turn's
	// deadline.
	Timeout time.Duration `yaml:"timeout"`
}

func (s *SubagentsConfig) applyDefaults() {
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = 5
	}
	if s.MaxDepth == 0 {
		s.MaxDepth = 2
	}
}

func (s *SubagentsConfig) validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("subagents.max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}
	if s.MaxDepth < 1 {
		return fmt.Errorf("subagents.max_depth must be at least 1, got %d", s.MaxDepth)
	}
	return validateDuration("subagents.timeout", s.Timeout)
}
