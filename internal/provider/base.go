package provider

import (
	"context"

	"github.com/arbor-sh/arbor/internal/backoff"
)

// Base holds shared retry configuration for provider adapters. Adapters
// embed it and call Retry around their stream-open request.
type Base struct {
	name        string
	maxAttempts int
	policy      backoff.Policy
}

// NewBase creates a base with sane defaults applied to zero values.
func NewBase(name string, maxAttempts int) Base {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Base{
		name:        name,
		maxAttempts: maxAttempts,
		policy:      backoff.Default(),
	}
}

// Name returns the adapter name.
func (b *Base) Name() string { return b.name }

// Retry executes op with jittered exponential backoff while isRetryable
// reports true for the failure.
func (b *Base) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	return backoff.Do(ctx, b.policy, b.maxAttempts, isRetryable, op)
}
