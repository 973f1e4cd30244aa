// Package tokens normalizes the incompatible usage accounting reported by
// LLM providers into one canonical record. Anthropic-style APIs report
// per-turn input (new tokens this turn, cache activity separate); OpenAI
// and Gemini-style APIs report the full context each turn. Downstream
// consumers only ever see TokenRecord.
package tokens

import (
	"fmt"
	"log/slog"
)

// Accounting describes how a provider reports input tokens.
type Accounting int

const (
	// PerTurnInput means the provider reports only tokens newly sent this
	// turn; cache reads and creations are reported separately.
	PerTurnInput Accounting = iota
	// FullContext means the provider reports the entire context window
	// consumed, including everything resent from earlier turns.
	FullContext
)

func (a Accounting) String() string {
	switch a {
	case PerTurnInput:
		return "per-turn-input"
	case FullContext:
		return "full-context"
	default:
		return fmt.Sprintf("accounting(%d)", int(a))
	}
}

// RawUsage is what a provider adapter extracted from the wire, before
// normalization. Fields that the provider did not report stay -1 so
// missing data is distinguishable from zero.
type RawUsage struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheRead     int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
}

// EmptyRawUsage returns a RawUsage with all fields marked unreported.
func EmptyRawUsage() RawUsage {
	return RawUsage{Input: -1, Output: -1, CacheRead: -1, CacheCreation: -1}
}

// Reported reports whether the provider sent any input or output count.
func (r RawUsage) Reported() bool {
	return r.Input >= 0 || r.Output >= 0
}

// TokenRecord is the canonical per-turn accounting record.
type TokenRecord struct {
	// Raw is the provider-reported input figure, untouched.
	Raw int `json:"raw"`
	// CacheRead and CacheCreation are prompt-cache activity this turn.
	CacheRead     int `json:"cacheRead"`
	CacheCreation int `json:"cacheCreation"`
	// ContextWindow is the total context consumed after this turn.
	ContextWindow int `json:"contextWindow"`
	// NewInput is the input genuinely new this turn.
	NewInput int `json:"newInput"`
	// Output is tokens generated this turn.
	Output int `json:"output"`
}

// Usage is the legacy wire mirror kept for clients that predate
// TokenRecord. It is derived, never stored independently.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheReadTokens     int `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int `json:"cacheCreationTokens,omitempty"`
}

// LegacyUsage derives the wire-compat Usage view of a record.
func (t TokenRecord) LegacyUsage() Usage {
	return Usage{
		InputTokens:         t.NewInput,
		OutputTokens:        t.Output,
		CacheReadTokens:     t.CacheRead,
		CacheCreationTokens: t.CacheCreation,
	}
}

// TokenExtractionError means a provider stream ended without usable usage
// data. Turns fail loudly on this; zeros are never silently substituted.
type TokenExtractionError struct {
	Provider string
	Model    string
	Detail   string
}

func (e *TokenExtractionError) Error() string {
	return fmt.Sprintf("token extraction failed for %s/%s: %s", e.Provider, e.Model, e.Detail)
}

// Normalize converts raw provider usage into a TokenRecord under the given
// accounting mode. prevContext is the context window recorded at the end
// of the previous turn (0 for the first turn). Anomalies are reported on
// log; a nil log silences them.
func Normalize(mode Accounting, raw RawUsage, prevContext int, log *slog.Logger) (TokenRecord, error) {
	if !raw.Reported() {
		return TokenRecord{}, &TokenExtractionError{Detail: "provider reported no usage"}
	}

	input := max(raw.Input, 0)
	output := max(raw.Output, 0)
	cacheRead := max(raw.CacheRead, 0)
	cacheCreation := max(raw.CacheCreation, 0)

	rec := TokenRecord{
		Raw:           input,
		CacheRead:     cacheRead,
		CacheCreation: cacheCreation,
		Output:        output,
	}

	switch mode {
	case PerTurnInput:
		rec.NewInput = input
		rec.ContextWindow = input + cacheRead + cacheCreation
	case FullContext:
		rec.ContextWindow = input
		newInput := input - prevContext
		if newInput < 0 {
			if log != nil {
				log.Warn("context window shrank between turns, clamping new input to zero",
					"raw", input, "prevContext", prevContext)
			}
			newInput = 0
		}
		rec.NewInput = newInput
	default:
		return TokenRecord{}, &TokenExtractionError{Detail: fmt.Sprintf("unknown accounting mode %d", int(mode))}
	}

	return rec, nil
}
