// Package tools defines the tool contract and the execution registry the
// agent loop calls into.
package tools

import (
	"context"
	"time"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Cacheable tools opt into result caching. CacheKey returning "" disables
// caching for that particular call.
type Cacheable interface {
	CacheKey(args map[string]interface{}) string
	CacheTTL() time.Duration
}

// ParallelSafe tools may run concurrently inside a batch. Tools without
// this interface are treated as parallel-safe.
type ParallelSafe interface {
	ParallelSafe() bool
}

// Retryable tools have transient failures retried by the registry.
type Retryable interface {
	MaxRetries() int
}

// TimeoutProvider overrides the registry's default per-call timeout.
type TimeoutProvider interface {
	Timeout() time.Duration
}
