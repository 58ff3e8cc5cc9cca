package arena

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextWorkerIDAllocatesSequentiallyThenFails(t *testing.T) {
	a := New(2, 64)

	id0, err := a.NextWorkerID()
	require.NoError(t, err)
	require.Equal(t, WorkerID(0), id0)

	id1, err := a.NextWorkerID()
	require.NoError(t, err)
	require.Equal(t, WorkerID(1), id1)

	_, err = a.NextWorkerID()
	require.ErrorIs(t, err, ErrAllocationException)
}

func TestWorkerArenaForIsStableForSameID(t *testing.T) {
	a := New(2, 64)
	id, err := a.NextWorkerID()
	require.NoError(t, err)

	wa1 := a.WorkerArenaFor(id)
	wa2 := a.WorkerArenaFor(id)
	require.Same(t, wa1, wa2)
}

func TestAllocateAdvancesCursorAndAligns(t *testing.T) {
	a := New(1, 64)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	b1, err := wa.Allocate(3, 1)
	require.NoError(t, err)
	require.Len(t, b1, 3)

	// Next allocation aligned to 8 must start at offset 8, not 3.
	b2, err := wa.Allocate(4, 8)
	require.NoError(t, err)
	require.Len(t, b2, 4)

	require.Equal(t, 12, wa.offset)
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	a := New(1, 8)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	_, err = wa.Allocate(8, 1)
	require.NoError(t, err)

	_, err = wa.Allocate(1, 1)
	require.ErrorIs(t, err, ErrAllocationExhausted)
}

func TestResetRewindsOffsetAfterAllocation(t *testing.T) {
	a := New(1, 16)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	_, err = wa.Allocate(16, 1)
	require.NoError(t, err)

	_, err = wa.Allocate(1, 1)
	require.ErrorIs(t, err, ErrAllocationExhausted)

	wa.Reset()

	b, err := wa.Allocate(16, 1)
	require.NoError(t, err)
	require.Len(t, b, 16)
}

func TestResetBlocksUntilRetainerReleased(t *testing.T) {
	a := New(1, 16)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	r := wa.Retainer()

	resetDone := make(chan struct{})
	go func() {
		wa.Reset()
		close(resetDone)
	}()

	select {
	case <-resetDone:
		t.Fatal("Reset returned before the outstanding retainer was released")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release()

	select {
	case <-resetDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Reset never returned after the retainer was released")
	}
}

func TestRetainerReleaseTwicePanics(t *testing.T) {
	a := New(1, 16)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	r := wa.Retainer()
	r.Release()

	require.Panics(t, func() { r.Release() })
}

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	a := New(1, 1024)
	id, err := a.NextWorkerID()
	require.NoError(t, err)
	wa := a.WorkerArenaFor(id)

	const n = 32
	var wg sync.WaitGroup
	starts := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := wa.Allocate(8, 1)
			require.NoError(t, err)
			require.Len(t, b, 8)
		}()
	}
	wg.Wait()
	close(starts)

	require.Equal(t, 256, wa.offset)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, alignUp(0, 8))
	require.Equal(t, 8, alignUp(1, 8))
	require.Equal(t, 8, alignUp(8, 8))
	require.Equal(t, 16, alignUp(9, 8))
	require.Equal(t, 5, alignUp(5, 1))
	require.Equal(t, 5, alignUp(5, 0))
}
