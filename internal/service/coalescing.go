package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// requestCoalescer prevents duplicate upstream fetches by coalescing concurrent
// requests for the same key onto one execution.
type requestCoalescer[T any] struct {
	group   singleflight.Group
	timeout time.Duration
}

// newRequestCoalescer creates a new requestCoalescer with the specified waiter timeout.
func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{timeout: timeout}
}

// GetOrDo runs fn for key unless a call for key is already in flight, in which case
// it waits for that call's result. shared reports whether the result was delivered to
// more than one caller. A caller that gives up (ctx done or waiter timeout) does not
// cancel fn; fn must bound itself.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func() (T, error)) (result T, shared bool, err error) {
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		return fn()
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Err != nil {
			return result, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-waitCtx.Done():
		return result, false, waitCtx.Err()
	}
}
