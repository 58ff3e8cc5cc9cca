package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func neverDrop[T any](int, T) bool { return false }

func TestBackpressureQueueEnqueueDequeueRoundTrips(t *testing.T) {
	q := NewBackpressureQueue[int](4, neverDrop[int])

	require.NoError(t, q.Enqueue(context.Background(), 7))

	val, err := q.Dequeue(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 7, val)
}

func TestBackpressureQueueEnqueueRespectsDropPredicate(t *testing.T) {
	alwaysDrop := func(int, int) bool { return true }
	q := NewBackpressureQueue[int](4, alwaysDrop)

	err := q.Enqueue(context.Background(), 1)
	require.ErrorIs(t, err, ErrQueueFullAndDropped)
}

func TestBackpressureQueueEnqueueBlocksUntilSpaceOrCancel(t *testing.T) {
	q := NewBackpressureQueue[int](1, neverDrop[int])

	require.NoError(t, q.Enqueue(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackpressureQueueDequeueReturnsContextError(t *testing.T) {
	q := NewBackpressureQueue[int](1, neverDrop[int])

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx).Unpack()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRandomEarlyDropNeverDropsBelowMinThreshold(t *testing.T) {
	drop := RandomEarlyDrop[int](10, 20, WithRandSource(func() float64 { return 0 }))

	require.False(t, drop(0, 1))
	require.False(t, drop(9, 1))
}

func TestRandomEarlyDropAlwaysDropsAtOrAboveMaxThreshold(t *testing.T) {
	drop := RandomEarlyDrop[int](10, 20, WithRandSource(func() float64 { return 0.99 }))

	require.True(t, drop(20, 1))
	require.True(t, drop(25, 1))
}

func TestRandomEarlyDropRampsLinearlyBetweenThresholds(t *testing.T) {
	// At the midpoint, p=0.5: a draw just below should drop, just above
	// should not.
	below := RandomEarlyDrop[int](0, 10, WithRandSource(func() float64 { return 0.49 }))
	above := RandomEarlyDrop[int](0, 10, WithRandSource(func() float64 { return 0.51 }))

	require.True(t, below(5, 1))
	require.False(t, above(5, 1))
}

func TestBackpressureQueueEnqueueDequeueConcurrently(t *testing.T) {
	q := NewBackpressureQueue[int](0, neverDrop[int])

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background()).Unpack()
		done <- err
	}()

	require.NoError(t, q.Enqueue(context.Background(), 42))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dequeue never observed the enqueued item")
	}
}
