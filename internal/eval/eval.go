// Package eval implements the per-evaluation context: the bundle of
// state a single event's trip through the pipeline carries from issue
// to effect, plus the process-wide registry every live Eval is
// enumerable through.
package eval

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/store"
)

// Opts controls how a single evaluation behaves: which faults are
// swallowed rather than thrown, which are logged and at what level,
// and which optional stages run at all (spec.md §4.F's O.* flags).
type Opts struct {
	Policy fault.Policy

	// Conform, when true, dispatches vm.conform after the built-in
	// structural checks pass. Those checks (required fields, the
	// replay guard) always run regardless of this flag; Conform only
	// gates the pluggable hook dispatch, so a caller can turn it off
	// for a conform-only structural dry run without losing them.
	Conform bool

	// FetchPrevState, when true, allows the fetch stage to pull
	// missing prev_events/state from elsewhere before failing with
	// fault.EVENT/fault.STATE.
	FetchPrevState bool

	// VerifySignatures, when false, skips signature verification
	// entirely (used for events a trusted local source has already
	// verified).
	VerifySignatures bool

	// Eval, when true, dispatches vm.eval. False skips the hook site
	// but not the signature check above, which is a separate stage
	// (spec.md §4.F distinguishes "verify" from "eval").
	Eval bool

	// Write, when true, allocates a sequence number and durably writes
	// the event; when false, the eval runs through post/notify/effect
	// without allocating a sequence or writing to the store (a dry run
	// that still exercises every downstream hook; the replay and
	// dependency existence checks still read the store).
	Write bool

	// Post, when true, dispatches vm.post on the worker pool and waits
	// for it to finish.
	Post bool

	// NotifyServers, when false, skips the vm.notify dispatch after a
	// successful commit (used for bulk backfill).
	NotifyServers bool

	// Effects, when true, dispatches vm.effect once the eval reaches
	// ACCEPT.
	Effects bool

	// Replays, when true, allows an event whose event_id already
	// exists to proceed instead of faulting EXISTS (spec.md §4.F.1:
	// "if exists(X.event_id) and O.replays == false, fault EXISTS").
	// Used for replay-tolerant backfill, where re-evaluating an
	// already-accepted event should be a no-op, not an error.
	Replays bool

	// HeadMustExist requires a non-create event's room to already have
	// a non-empty head set before its write is staged (spec.md
	// §4.F.6.c); a history-tracking write implies this regardless of
	// the flag's own value.
	HeadMustExist bool

	// Node identifies the originating node for log lines and metrics
	// labels; purely diagnostic.
	Node string
}

func DefaultOpts() Opts {
	return Opts{
		Policy:           fault.DefaultPolicy(),
		Conform:          true,
		FetchPrevState:   true,
		VerifySignatures: true,
		Eval:             true,
		Write:            true,
		Post:             true,
		NotifyServers:    true,
		Effects:          true,
	}
}

// CommitOpts (copts) marks an Eval as following the locally-issued
// commit path rather than the received path (spec.md §4.E): it is nil
// for events arriving from elsewhere that already carry their own
// event_id, hashes and signatures. Issue gates whether vm.issue hooks
// run at all (spec.md §4.F: "if E.copts and E.copts.issue"); the
// composition parameters themselves (signer, digester, prev_limit)
// live on compose.Builder, which already owns them independently of
// whether a given Eval is on the commit path.
type CommitOpts struct {
	Issue bool
	// ClientTxnID is the issuing client's idempotency token, kept on
	// the Eval for code holding the *Eval. Hook handlers receive only
	// a hooks.Context, which the pipeline does not populate with it.
	ClientTxnID string
}

// taskIDKey is the context.Context key a caller uses to group several
// evaluations under one logical task (spec.md §4.E's "count per
// task" — e.g. every event a single federation transaction or client
// request produces). WithTaskID/TaskIDFromContext are the only way to
// set or read it, the same opaque-key idiom the teacher's federation
// handshake uses for its session context values.
type taskIDKey struct{}

// WithTaskID returns a context carrying taskID, read by Registry.Start
// to populate Eval.TaskID.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFromContext reports the task id ctx carries, if any.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	taskID, ok := ctx.Value(taskIDKey{}).(string)
	return taskID, ok
}

// noCopy marks Eval as non-copyable for go vet's -copylocks check
// (embedding an unexported Lock/Unlock pair is the standard idiom
// stdlib's sync.WaitGroup and friends use for the same purpose); Eval
// always lives behind a pointer, created once by Registry.Start (from
// pipeline.Process) and torn down once when the eval completes.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Eval is the in-memory context for a single event's trip through the
// pipeline. It is never copied and never moved between goroutines
// except by passing its pointer; a single evaluation's stages all run
// sequentially against the same *Eval.
type Eval struct {
	_ noCopy

	id uint64

	// TraceID correlates this evaluation's log lines across the
	// goroutines it touches (the eval itself, its vm.post worker), the
	// same role uuid.New().String() session/attestation ids play in
	// the teacher's federation handshake.
	TraceID string

	// TaskID groups this Eval with every other Eval processing the
	// same logical unit of work, for Registry.CountForTask. Defaults
	// to a per-Eval id when the context carries none, so an
	// unassociated eval still counts as its own singleton task.
	TaskID string

	Ctx   context.Context
	Event *event.Event
	Opts  Opts
	Copts *CommitOpts

	// Sequence is 0 until the sequence allocator assigns one (ACCEPT
	// path only; a rejected-before-allocation eval never gets one).
	Sequence int64

	Txn store.Txn

	// Conformance accumulates the fault mask every conform-stage
	// handler has flagged, even for faults the policy later decides
	// not to throw, so the final report answers "what did we actually
	// observe" independent of what surfaced as an error.
	Conformance fault.Code

	// Fault is set once the eval reaches a terminal outcome.
	Fault fault.Code

	done bool
}

// newEval allocates an Eval and is unexported: the only supported way
// to create one is through a Registry, which guarantees every live
// Eval is enumerable for as long as it exists.
func newEval(ctx context.Context, id uint64, ev *event.Event, opts Opts, copts *CommitOpts) *Eval {
	taskID, ok := TaskIDFromContext(ctx)
	if !ok {
		taskID = fmt.Sprintf("eval-%d", id)
	}
	return &Eval{
		id:      id,
		TraceID: uuid.New().String(),
		TaskID:  taskID,
		Ctx:     ctx,
		Event:   ev,
		Opts:    opts,
		Copts:   copts,
	}
}

// ID is the opaque registry identity of this evaluation, stable for
// its lifetime and never reused.
func (e *Eval) ID() uint64 { return e.id }

// Flag ORs code into the conformance report. Safe to call multiple
// times with the same code.
func (e *Eval) Flag(code fault.Code) {
	e.Conformance |= code
}

// Done reports whether the evaluation has reached a terminal outcome.
func (e *Eval) Done() bool { return e.done }
