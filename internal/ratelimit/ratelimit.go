// Package ratelimit bounds how often external calculators are called.
//
// Validators that call remote services share a Limiter keyed by validator
// name, so a batch fanned out across workers still respects each service's
// request budget.
package ratelimit

import "context"

// Limiter decides whether a call identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether a call may proceed now, consuming a token if so.
	Allow(ctx context.Context, key string) (bool, error)
	// Wait blocks until a call may proceed or ctx is done.
	Wait(ctx context.Context, key string) error
}

// NoopLimiter permits every call.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Wait returns immediately.
func (NoopLimiter) Wait(context.Context, string) error { return nil }
