package tokens

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Estimator approximates token counts for text that has not been through a
// provider. Used for context snapshots and compaction planning, never for
// billing records.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns an estimator backed by the cl100k_base encoding,
// falling back to a chars/4 heuristic when the encoding is unavailable
// (offline runs without the BPE data).
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// Estimate returns an approximate token count for text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return charEstimate(text)
}

// Source names the estimator that will be used, for snapshot reporting.
func (e *Estimator) Source() string {
	if e.encoding() != nil {
		return "tiktoken/cl100k_base"
	}
	return "chars/4"
}

// charEstimate is the fallback heuristic: one token per four characters,
// rounded up.
func charEstimate(text string) int {
	return (len(text) + 3) / 4
}
