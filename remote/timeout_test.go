package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithTimeoutReturnsResult(t *testing.T) {
	v, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
}

func TestWithTimeoutBound(t *testing.T) {
	never := make(chan struct{})
	defer close(never)

	timeout := 50 * time.Millisecond
	start := time.Now()
	_, err := WithTimeout(context.Background(), timeout, func(ctx context.Context) (int, error) {
		<-never
		return 1, nil
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestWithTimeoutDoesNotCancelOperation(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	var completed atomic.Bool

	_, err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-release
		completed.Store(true)
		finished <- ctx.Err()
		return 1, nil
	})
	require.ErrorIs(t, err, ErrTimedOut)

	close(release)
	select {
	case ctxErr := <-finished:
		require.NoError(t, ctxErr)
	case <-time.After(time.Second):
		t.Fatal("operation did not keep running after timeout")
	}
	require.True(t, completed.Load())
}

func TestWithTimeoutCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	never := make(chan struct{})
	defer close(never)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := WithTimeout(ctx, time.Second, func(opCtx context.Context) (int, error) {
		<-never
		return 0, opCtx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeoutDefault(t *testing.T) {
	v, err := WithTimeout(context.Background(), 0, func(ctx context.Context) (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.True(t, v)
}
