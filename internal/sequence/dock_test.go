package sequence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/sequence"
)

func noop() error { return nil }

func TestAllocateMonotonic(t *testing.T) {
	d := sequence.NewDock()
	assert.EqualValues(t, 1, d.Allocate())
	assert.EqualValues(t, 2, d.Allocate())
	assert.EqualValues(t, 3, d.Allocate())
}

func TestCommitWaitEnforcesFIFO(t *testing.T) {
	d := sequence.NewDock()
	seq1 := d.Allocate()
	seq2 := d.Allocate()
	require.EqualValues(t, 1, seq1)
	require.EqualValues(t, 2, seq2)

	var order []int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, d.CommitWait(context.Background(), seq2, func() error {
			mu.Lock()
			order = append(order, seq2)
			mu.Unlock()
			return nil
		}))
	}()

	// seq2's committer must block until seq1 commits.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	require.NoError(t, d.CommitWait(context.Background(), seq1, func() error {
		mu.Lock()
		order = append(order, seq1)
		mu.Unlock()
		return nil
	}))

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{int64(1), int64(2)}, order)
}

func TestCommitWaitInterrupt(t *testing.T) {
	d := sequence.NewDock()
	seq1 := d.Allocate()
	d.Allocate() // seq2, left pending so seq1's own commit isn't blocked on anything.

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.CommitWait(ctx, 2, noop)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, fault.INTERRUPT, fault.CodeOf(err))

	// seq1 can still commit normally afterward.
	assert.NoError(t, d.CommitWait(context.Background(), seq1, noop))
}

func TestRetireWaitRequiresCommitFirst(t *testing.T) {
	d := sequence.NewDock()
	seq := d.Allocate()
	err := d.RetireWait(context.Background(), seq, noop)
	assert.Error(t, err)

	require.NoError(t, d.CommitWait(context.Background(), seq, noop))
	assert.NoError(t, d.RetireWait(context.Background(), seq, noop))
	assert.EqualValues(t, seq, d.Retired())
}

func TestRetireWaitFIFO(t *testing.T) {
	d := sequence.NewDock()
	seq1 := d.Allocate()
	seq2 := d.Allocate()
	require.NoError(t, d.CommitWait(context.Background(), seq1, noop))
	require.NoError(t, d.CommitWait(context.Background(), seq2, noop))

	var order []int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, d.RetireWait(context.Background(), seq2, func() error {
			mu.Lock()
			order = append(order, seq2)
			mu.Unlock()
			return nil
		}))
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	require.NoError(t, d.RetireWait(context.Background(), seq1, func() error {
		mu.Lock()
		order = append(order, seq1)
		mu.Unlock()
		return nil
	}))

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{int64(1), int64(2)}, order)
}

func TestCommitWaitFnErrorLeavesWatermarkUnmoved(t *testing.T) {
	d := sequence.NewDock()
	seq := d.Allocate()
	err := d.CommitWait(context.Background(), seq, func() error {
		return assertErr
	})
	require.Error(t, err)
	assert.EqualValues(t, 0, d.Committed())
}

var assertErr = fault.New(fault.GENERAL, "boom")

func TestAbandonAdvancesPastHole(t *testing.T) {
	d := sequence.NewDock()
	seq1 := d.Allocate()
	seq2 := d.Allocate()

	require.NoError(t, d.Abandon(seq1))
	require.NoError(t, d.CommitWait(context.Background(), seq2, noop))
	require.NoError(t, d.RetireWait(context.Background(), seq2, noop))
	assert.EqualValues(t, seq2, d.Retired())
}

func TestRestoreSeedsWatermarks(t *testing.T) {
	d := sequence.Restore(41)
	assert.EqualValues(t, 41, d.Uncommitted())
	assert.EqualValues(t, 42, d.Allocate())
}
