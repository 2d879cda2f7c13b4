package harnessports

import "context"

// RateLimiter coordinates backend call throughput. Acquire blocks until a
// slot is available or ctx ends.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
