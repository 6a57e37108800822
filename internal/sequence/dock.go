// Package sequence implements the EVM's sequence allocator: the single
// moving part that turns concurrent evals into one total order. It
// hands out monotonically increasing sequence numbers and then makes
// every eval wait its turn before advancing the commit and retire
// watermarks, so writes become durable in allocation order and effects
// are published in commit order, no matter how evals interleave.
package sequence

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocx/evmd/internal/fault"
)

// Dock holds the three watermarks described in the data model: the
// highest sequence allocated (uncommitted), the highest sequence whose
// write is durable (committed), and the highest sequence whose effects
// have been published (retired). All three only ever move forward, and
// committed/retired always satisfy retired <= committed <= uncommitted.
//
// Waiters register under a mutex and block on a channel that is closed
// and replaced on every advance, the same broadcast-without-a-condvar
// shape as the teacher's EscrowGate.AwaitRelease: a mutex-guarded map
// plus a channel a waiter can select on alongside ctx.Done(). A
// sync.Cond can't be select'd against a context deadline, which is why
// that shape, not sync.Cond, is the one carried over here.
type Dock struct {
	mu sync.Mutex

	uncommitted int64
	committed   int64
	retired     int64

	wake chan struct{}
}

func NewDock() *Dock {
	return &Dock{wake: make(chan struct{})}
}

// Restore seeds the watermarks from a store's last durable index at
// startup, so a restarted process resumes allocation above anything
// already committed and retired in a prior run.
func Restore(lastIndex int64) *Dock {
	d := NewDock()
	d.uncommitted = lastIndex
	d.committed = lastIndex
	d.retired = lastIndex
	return d
}

func (d *Dock) broadcastLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

// Allocate reserves the next sequence number. Allocation never blocks:
// it is the one watermark movement with no ordering precondition.
func (d *Dock) Allocate() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uncommitted++
	return d.uncommitted
}

// Uncommitted, Committed, and Retired report the current watermarks,
// for metrics gauges and diagnostics; none of them block.
func (d *Dock) Uncommitted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uncommitted
}

func (d *Dock) Committed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

func (d *Dock) Retired() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retired
}

// waitForTurn blocks until watermark (read via get, under d.mu) equals
// seq-1, without claiming the turn itself — the caller advances the
// watermark only after its own work (fn, below) completes, so a slow
// commit or retire for seq genuinely blocks seq+1 rather than just
// racing it.
func (d *Dock) waitForTurn(ctx context.Context, seq int64, get func() int64) error {
	for {
		d.mu.Lock()
		cur := get()
		if cur == seq-1 {
			d.mu.Unlock()
			return nil
		}
		if cur >= seq {
			d.mu.Unlock()
			return fault.New(fault.GENERAL, "sequence %d turn already passed", seq)
		}
		ch := d.wake
		d.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fault.Wrap(fault.INTERRUPT, ctx.Err(), "wait interrupted at sequence %d", seq)
		}
	}
}

// CommitWait blocks the caller holding sequence seq until every lower
// sequence has committed, then runs fn (the actual durable write) and
// only advances the committed watermark once fn returns. This is the
// commit barrier suspension point: it's what gives a FIFO-allocated
// sequence a FIFO-committed durable write, even when the eval that
// allocated seq finishes its fetch/eval work after evals allocated
// later. fn runs outside the dock's lock, so a slow write blocks only
// the next sequence's CommitWait, never Allocate or metrics reads.
//
// If fn fails, the committed watermark is left unmoved; the caller
// must then call Abandon(seq) to release later sequences from waiting
// on a turn that will never come.
func (d *Dock) CommitWait(ctx context.Context, seq int64, fn func() error) error {
	if err := d.waitForTurn(ctx, seq, func() int64 { return d.committed }); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	d.mu.Lock()
	d.committed = seq
	d.broadcastLocked()
	d.mu.Unlock()
	return nil
}

// RetireWait blocks until seq's own write is committed and every lower
// sequence has retired, then runs fn (publishing effects) and advances
// the retired watermark once fn returns. This is the retire barrier:
// work run inside fn (the pipeline's vm.notify dispatch and publish)
// only ever observes sequences in commit order, so a subscriber
// building room state off the notify stream never sees a gap. Work the
// caller runs after RetireWait returns is not ordered by it.
func (d *Dock) RetireWait(ctx context.Context, seq int64, fn func() error) error {
	d.mu.Lock()
	committed := d.committed
	d.mu.Unlock()
	if committed < seq {
		return fault.New(fault.GENERAL, "sequence %d retired before commit", seq)
	}
	if err := d.waitForTurn(ctx, seq, func() int64 { return d.retired }); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	d.mu.Lock()
	d.retired = seq
	d.broadcastLocked()
	d.mu.Unlock()
	return nil
}

// Abandon releases seq's place in line without ever committing or
// retiring it — the path a fault in the write stage takes before its
// commit lands. It
// advances committed and retired past seq directly so later sequences
// waiting in CommitWait/RetireWait aren't stuck behind a hole forever.
// Abandon must only be called for the immediately-next sequence after
// the current watermark; the pipeline guarantees this by abandoning
// in allocation order on the fault path, the same FIFO discipline
// CommitWait/RetireWait enforce on the success path.
func (d *Dock) Abandon(seq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.committed != seq-1 {
		return fmt.Errorf("sequence: abandon out of order: committed=%d seq=%d", d.committed, seq)
	}
	d.committed = seq
	d.retired = seq
	d.broadcastLocked()
	return nil
}
