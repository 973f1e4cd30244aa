// Package providers implements the provider.Provider contract for the
// LLM backends arbor can drive: Anthropic, OpenAI, Google Gemini and
// AWS Bedrock.
//
// Each adapter translates the neutral request envelope into its vendor's
// wire format, consumes the vendor's streaming response and emits the
// normalized chunk sequence. Adapters also own usage extraction: every
// turn ends with the raw token counts the vendor reported, in the
// vendor's native accounting mode, so the normalizer upstream can do the
// arithmetic without vendor knowledge.
//
// All adapters are safe for concurrent use; each Stream call owns an
// independent goroutine and channel.
package providers

import (
	"strings"

	"github.com/arbor-sh/arbor/internal/provider"
)

// maxEmptyStreamEvents is the maximum number of consecutive events that
// produce no output before treating the stream as malformed. Protects
// against streams that flood with empty events.
const maxEmptyStreamEvents = 300

// thinkingBudget maps a reasoning effort level to a thinking token
// budget for providers with explicit budget controls.
func thinkingBudget(effort string) int64 {
	switch strings.ToLower(effort) {
	case "low":
		return 4096
	case "medium":
		return 12288
	case "high":
		return 24576
	default:
		return 0
	}
}

// cacheMarked reports whether a cache boundary is set after block idx.
func cacheMarked(markers []int, idx int) bool {
	for _, m := range markers {
		if m == idx {
			return true
		}
	}
	return false
}

// joinSystem flattens system blocks for providers that accept a single
// system string.
func joinSystem(blocks []provider.SystemBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
