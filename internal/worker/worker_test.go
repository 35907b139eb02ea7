package worker

// ============================================================================
// Worker Pool Test File
// Purpose: verify continuations come back, timeouts, panics and shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(2))
	pool.Stop()
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	assert.ErrorIs(t, pool.Submit(Task{Name: "noop"}), ErrPoolNotStarted)
}

// TestContinuationRunsOnReceiver 結果交回後才執行 continuation
func TestContinuationRunsOnReceiver(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	var called atomic.Int32
	taskCount := 5
	for i := 0; i < taskCount; i++ {
		err := pool.Submit(Task{
			Name: fmt.Sprintf("call-%d", i),
			Call: func(context.Context) error { return nil },
			Then: func(err error) {
				assert.NoError(t, err)
				called.Add(1)
			},
		})
		require.NoError(t, err)
	}

	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.Equal(t, int32(i), called.Load(), "continuation must not run before Resume")
		result.Resume()
	}
	assert.Equal(t, int32(taskCount), called.Load())
}

func TestCallErrorIsReported(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("update failed")
	require.NoError(t, pool.Submit(Task{
		Name: "update",
		Call: func(context.Context) error { return boom },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, "update", result.Name)
	assert.ErrorIs(t, result.Err, boom)
}

// ============================================================================
// Timeout & Panic Tests
// ============================================================================

func TestCallTimeout(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Call: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestCallPanicBecomesError(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		Name: "bad",
		Call: func(context.Context) error { panic("boom") },
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "bad panicked")

	// worker 仍然可用
	require.NoError(t, pool.Submit(Task{Name: "after"}))
	result, err = pool.ReceiveResult()
	require.NoError(t, err)
	assert.NoError(t, result.Err)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestStopCancelsRunningCalls(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{
		Name: "wait",
		Call: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	<-started

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.ErrorIs(t, pool.Submit(Task{Name: "late"}), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestTrySubmitFull(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)
	wait := func(context.Context) error { <-block; return nil }

	// 第一個被 worker 取走，第二個佔滿緩衝
	require.NoError(t, pool.Submit(Task{Name: "a", Call: wait}))
	require.Eventually(t, func() bool {
		ok, err := pool.TrySubmit(Task{Name: "b", Call: wait})
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	ok, err := pool.TrySubmit(Task{Name: "c", Call: wait})
	require.NoError(t, err)
	assert.False(t, ok)
}
