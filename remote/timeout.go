// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds every remote call unless configured otherwise
const DefaultTimeout = 15 * time.Second

// ErrTimedOut is returned when a bounded call did not settle before its deadline
var ErrTimedOut = errors.New("remote call timed out")

type outcome[T any] struct {
	val T
	err error
}

// WithTimeout races op against a timer and returns whichever settles first.
//
// op is not cancelled when the timer wins: it runs on a context detached from
// ctx's cancellation and its late result is dropped. A write reported as timed
// out may therefore still have been applied remotely.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	done := make(chan outcome[T], 1)
	opCtx := context.WithoutCancel(ctx)
	go func() {
		v, err := op(opCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case res := <-done:
		return res.val, res.err
	case <-timer.C:
		return zero, ErrTimedOut
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
