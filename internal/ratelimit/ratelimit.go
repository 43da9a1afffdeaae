// Package ratelimit admits or denies per-user submissions over a sliding
// window. Denied attempts are never recorded.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a user may submit another job right now.
type Limiter interface {
	Admit(ctx context.Context, userID int64) (bool, error)
}

// Evicter drops usage that can no longer affect a decision. The reaper calls
// it periodically.
type Evicter interface {
	Evict(ctx context.Context, now time.Time) (int, error)
}

// Option configures any backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
