package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evmd/internal/compose"
	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/eval"
	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/hooks"
	"github.com/ocx/evmd/internal/metrics"
	"github.com/ocx/evmd/internal/notify"
	"github.com/ocx/evmd/internal/pipeline"
	"github.com/ocx/evmd/internal/sequence"
	"github.com/ocx/evmd/internal/store"
)

// sharedMetrics constructs metrics.Metrics at most once per test binary:
// promauto registers every collector against the default Prometheus
// registry, and a second NewMetrics call would panic on duplicate
// registration.
var (
	metricsOnce sync.Once
	sharedM     *metrics.Metrics
)

func sharedMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	metricsOnce.Do(func() { sharedM = metrics.NewMetrics() })
	return sharedM
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T) (*pipeline.Pipeline, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	p := pipeline.New(
		pipeline.Config{PostWorkers: 2, QueueDepth: 16},
		hooks.NewRegistry(),
		eval.NewRegistry(),
		sequence.NewDock(),
		st,
		notify.NewBus(),
		nil,
		sharedMetrics(t),
		discardLogger(),
	)
	t.Cleanup(p.Shutdown)
	return p, st
}

func noVerifyOpts() eval.Opts {
	opts := eval.DefaultOpts()
	opts.VerifySignatures = false
	return opts
}

func TestProcessHappyPathTwoEvents(t *testing.T) {
	p, st := newTestPipeline(t)
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	opts := noVerifyOpts()

	createReq := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"creator": "@alice:example.org"},
	}
	res1, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{Builder: builder, Request: createReq})
	require.NoError(t, err)
	require.NotNil(t, res1)
	assert.EqualValues(t, 1, res1.Sequence)
	assert.Equal(t, fault.ACCEPT, res1.Fault)
	assert.NotEmpty(t, res1.Event.EventID)

	exists, err := st.Exists(res1.Event.EventID)
	require.NoError(t, err)
	assert.True(t, exists)

	heads, err := st.RoomHead("!room:example.org")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, res1.Event.EventID, heads[0].EventID)

	msgReq := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hello"},
	}
	res2, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{Builder: builder, Request: msgReq, Heads: heads})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res2.Sequence)
	assert.Contains(t, res2.Event.PrevEvents, res1.Event.EventID)
	assert.Equal(t, res1.Event.Depth+1, res2.Event.Depth)

	newHeads, err := st.RoomHead("!room:example.org")
	require.NoError(t, err)
	require.Len(t, newHeads, 1)
	assert.Equal(t, res2.Event.EventID, newHeads[0].EventID)
}

func TestProcessReplayReturnsExists(t *testing.T) {
	p, _ := newTestPipeline(t)
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	opts := noVerifyOpts()

	req := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{},
	}
	res1, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{Builder: builder, Request: req})
	require.NoError(t, err)

	replay := *res1.Event
	res2, err := p.Process(context.Background(), &replay, opts, nil)
	require.NoError(t, err, "EXISTS is in the default no-throw set")
	assert.Equal(t, fault.EXISTS, res2.Fault)
	assert.EqualValues(t, 0, res2.Sequence, "a replayed event never reaches sequence allocation")
}

func TestProcessMissingFieldsIsInvalid(t *testing.T) {
	p, _ := newTestPipeline(t)
	ev := &event.Event{EventID: "$bare:example.org", Content: map[string]interface{}{}}

	res, err := p.Process(context.Background(), ev, noVerifyOpts(), nil)
	require.Error(t, err)
	assert.Equal(t, fault.INVALID, fault.CodeOf(err))
	assert.Equal(t, fault.INVALID, res.Fault)
	assert.EqualValues(t, 0, res.Sequence)
}

func TestProcessSignatureTamperIsAuthFault(t *testing.T) {
	p, _ := newTestPipeline(t)
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	keys := event.NewStaticKeyStore()
	keys.Add("example.org", "ed25519:1", signer.PublicKey())
	p.Verifier = event.NewEd25519Verifier(keys)

	builder := compose.NewBuilder("example.org", signer)
	ev, err := builder.Compose(compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hi"},
	}, nil)
	require.NoError(t, err)

	// Tampering the signed content after composition invalidates the
	// signature without touching the signature map itself.
	ev.Content["body"] = "tampered"

	res, err := p.Process(context.Background(), ev, eval.DefaultOpts(), nil)
	require.Error(t, err)
	assert.Equal(t, fault.AUTH, fault.CodeOf(err))
	assert.Equal(t, fault.AUTH, res.Fault)
	assert.EqualValues(t, 0, res.Sequence, "a signature fault is raised before sequence allocation")
}

// failingStore forces a general fault inside the write stage itself, so
// the Abandon path (a sequence consumed but never committed) can be
// exercised independently of the interrupt path.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) OpenTxn(reserveBytes, maxBytes int) (store.Txn, error) {
	return failingTxn{}, nil
}

type failingTxn struct{}

func (failingTxn) StageWrite(ev *event.Event, wopts store.WriteOpts) error {
	return fmt.Errorf("simulated storage failure")
}
func (failingTxn) Commit() error { return nil }
func (failingTxn) Discard()      {}

func TestProcessWriteFaultAbandonsSequence(t *testing.T) {
	fs := failingStore{store.NewMemoryStore()}
	dock := sequence.NewDock()
	p := pipeline.New(
		pipeline.Config{},
		hooks.NewRegistry(),
		eval.NewRegistry(),
		dock,
		fs,
		notify.NewBus(),
		nil,
		sharedMetrics(t),
		discardLogger(),
	)
	t.Cleanup(p.Shutdown)

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	req := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{},
	}

	res, err := p.Process(context.Background(), nil, noVerifyOpts(), &pipeline.IssueOpts{Builder: builder, Request: req})
	require.Error(t, err)
	assert.Equal(t, fault.GENERAL, fault.CodeOf(err))
	assert.EqualValues(t, 1, res.Sequence)

	// Sequence 1 must be abandoned, not left stuck: a second event
	// should be able to commit through sequence 2 without blocking.
	seq2 := dock.Allocate()
	require.EqualValues(t, 2, seq2)
	commitDone := make(chan error, 1)
	go func() {
		commitDone <- dock.CommitWait(context.Background(), seq2, func() error { return nil })
	}()

	select {
	case err := <-commitDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sequence 2 never committed; sequence 1 was left stuck")
	}
}

func TestProcessInterruptDuringCommitWait(t *testing.T) {
	p, _ := newTestPipeline(t)

	// Consume sequence 1 without ever committing it, so sequence 2's
	// commit barrier blocks indefinitely until interrupted.
	p.Dock.Allocate()

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	ev, err := builder.Compose(compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hi"},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := p.Process(ctx, ev, noVerifyOpts(), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, fault.INTERRUPT, fault.CodeOf(err))
	assert.Equal(t, fault.INTERRUPT, res.Fault)
}

func TestProcessEphemeralEventSkipsSequencing(t *testing.T) {
	p, _ := newTestPipeline(t)
	ev := &event.Event{
		RoomID:  "!room:example.org",
		Type:    "m.typing",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"typing": true},
	}
	assert.True(t, ev.IsEphemeral())

	res, err := p.Process(context.Background(), ev, noVerifyOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, fault.ACCEPT, res.Fault)
	assert.EqualValues(t, 0, res.Sequence)
	assert.EqualValues(t, 0, p.Dock.Uncommitted(), "an ephemeral event never touches the sequence allocator")
}

// TestVMIssueOnlyRunsOnCommitPath checks spec.md §4.F's "if E.copts and
// E.copts.issue: hooks(vm.issue, ...)": a locally composed event runs
// vm.issue, but an event arriving with its identity already assigned
// (the received path) never does.
func TestVMIssueOnlyRunsOnCommitPath(t *testing.T) {
	p, _ := newTestPipeline(t)
	var issueRuns int
	_, err := p.Hooks.Register(hooks.SiteIssue, nil, func(ctx context.Context, hc *hooks.Context) error {
		issueRuns++
		return nil
	})
	require.NoError(t, err)

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	req := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{},
	}

	_, err = p.Process(context.Background(), nil, noVerifyOpts(), &pipeline.IssueOpts{Builder: builder, Request: req})
	require.NoError(t, err)
	assert.Equal(t, 1, issueRuns, "a locally composed event must dispatch vm.issue")

	received, err := builder.Compose(compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hi"},
	}, nil)
	require.NoError(t, err)

	_, err = p.Process(context.Background(), received, noVerifyOpts(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, issueRuns, "an event arriving on the received path must never dispatch vm.issue")
}

// TestFetchFaultsEventOnMissingPrevEvents exercises the always-on
// dependency check inside the fetch stage: even with FetchPrevState
// (O.fetch) disabled, an event whose prev_events references an id the
// store has never seen faults EVENT rather than sailing through.
// Grounded in original_source/include/ircd/m/vm.h's fetch_prev_check,
// which runs independent of whether active fetching is enabled.
func TestFetchFaultsEventOnMissingPrevEvents(t *testing.T) {
	p, _ := newTestPipeline(t)
	opts := noVerifyOpts()
	opts.FetchPrevState = false

	ev := &event.Event{
		EventID:    "$child:example.org",
		RoomID:     "!room:example.org",
		Type:       "m.room.message",
		Sender:     "@alice:example.org",
		Content:    map[string]interface{}{"body": "hi"},
		PrevEvents: []string{"$missing:example.org"},
	}

	res, err := p.Process(context.Background(), ev, opts, nil)
	require.Error(t, err)
	assert.Equal(t, fault.EVENT, fault.CodeOf(err))
	assert.Equal(t, fault.EVENT, res.Fault)
	assert.EqualValues(t, 0, res.Sequence, "a missing dependency is caught before sequence allocation")
}

// TestFetchFaultsEventOnMissingAuthEvents is the same check against
// auth_events instead of prev_events.
func TestFetchFaultsEventOnMissingAuthEvents(t *testing.T) {
	p, _ := newTestPipeline(t)
	opts := noVerifyOpts()

	ev := &event.Event{
		EventID:    "$child:example.org",
		RoomID:     "!room:example.org",
		Type:       "m.room.message",
		Sender:     "@alice:example.org",
		Content:    map[string]interface{}{"body": "hi"},
		AuthEvents: []string{"$missing-auth:example.org"},
	}

	res, err := p.Process(context.Background(), ev, opts, nil)
	require.Error(t, err)
	assert.Equal(t, fault.EVENT, fault.CodeOf(err))
	assert.Equal(t, fault.EVENT, res.Fault)
}

// TestOptsConformOnlyDryRun exercises a conform-only evaluation
// (O.conform set, every later stage off): vm.conform runs, but
// vm.eval/vm.post/vm.notify/vm.effect never do, and the event never
// becomes durable.
func TestOptsConformOnlyDryRun(t *testing.T) {
	p, st := newTestPipeline(t)
	var conformRuns, evalRuns, postRuns, notifyRuns, effectRuns int
	mustRegister := func(site hooks.Site, counter *int) {
		_, err := p.Hooks.Register(site, nil, func(ctx context.Context, hc *hooks.Context) error {
			*counter++
			return nil
		})
		require.NoError(t, err)
	}
	mustRegister(hooks.SiteConform, &conformRuns)
	mustRegister(hooks.SiteEval, &evalRuns)
	mustRegister(hooks.SitePost, &postRuns)
	mustRegister(hooks.SiteNotify, &notifyRuns)
	mustRegister(hooks.SiteEffect, &effectRuns)

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	ev, err := builder.Compose(compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hi"},
	}, nil)
	require.NoError(t, err)

	opts := eval.Opts{Policy: fault.DefaultPolicy(), Conform: true}

	res, err := p.Process(context.Background(), ev, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, fault.ACCEPT, res.Fault)
	assert.EqualValues(t, 0, res.Sequence, "a dry run never allocates a sequence")

	assert.Equal(t, 1, conformRuns)
	assert.Zero(t, evalRuns)
	assert.Zero(t, postRuns)
	assert.Zero(t, notifyRuns)
	assert.Zero(t, effectRuns)

	exists, err := st.Exists(ev.EventID)
	require.NoError(t, err)
	assert.False(t, exists, "a dry run must never durably write its event")
}

// TestOptsWriteWithoutPostOrEffects exercises O.write with O.post and
// O.effects both off: the event becomes durable, but neither hook
// fires.
func TestOptsWriteWithoutPostOrEffects(t *testing.T) {
	p, st := newTestPipeline(t)
	var postRuns, effectRuns int
	_, err := p.Hooks.Register(hooks.SitePost, nil, func(ctx context.Context, hc *hooks.Context) error {
		postRuns++
		return nil
	})
	require.NoError(t, err)
	_, err = p.Hooks.Register(hooks.SiteEffect, nil, func(ctx context.Context, hc *hooks.Context) error {
		effectRuns++
		return nil
	})
	require.NoError(t, err)

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)

	opts := noVerifyOpts()
	opts.Post = false
	opts.Effects = false
	opts.NotifyServers = false

	res, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{
		Builder: builder,
		Request: compose.Request{
			RoomID:  "!room:example.org",
			Type:    "m.room.create",
			Sender:  "@alice:example.org",
			Content: map[string]interface{}{},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Sequence)

	exists, err := st.Exists(res.Event.EventID)
	require.NoError(t, err)
	assert.True(t, exists, "O.write being on must still make the event durable")

	assert.Zero(t, postRuns, "O.post off must skip vm.post")
	assert.Zero(t, effectRuns, "O.effects off must skip vm.effect")
}

// TestOptsReplaysToleratesDuplicateEvent exercises O.replays: with it
// set, re-processing an already-accepted event flags EXISTS but does
// not fault, unlike the default (O.replays off) behavior covered by
// TestProcessReplayReturnsExists.
func TestOptsReplaysToleratesDuplicateEvent(t *testing.T) {
	p, _ := newTestPipeline(t)
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	opts := noVerifyOpts()

	res1, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{
		Builder: builder,
		Request: compose.Request{
			RoomID:  "!room:example.org",
			Type:    "m.room.create",
			Sender:  "@alice:example.org",
			Content: map[string]interface{}{},
		},
	})
	require.NoError(t, err)

	replayOpts := opts
	replayOpts.Replays = true
	replay := *res1.Event
	res2, err := p.Process(context.Background(), &replay, replayOpts, nil)
	require.NoError(t, err, "a replay-tolerant eval must not fault on a duplicate event")
	assert.Equal(t, fault.ACCEPT, res2.Fault, "O.replays lets the duplicate proceed instead of stopping at EXISTS")
}

// TestPostDoesNotBlockRetireBarrier proves the fix for the post/retire
// coupling spec.md §9 warns about: vm.post is submitted after write
// but the retire barrier clears without waiting for it, so a stalled
// vm.post handler cannot hold up retirement of its own sequence.
func TestPostDoesNotBlockRetireBarrier(t *testing.T) {
	p, _ := newTestPipeline(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := p.Hooks.Register(hooks.SitePost, nil, func(ctx context.Context, hc *hooks.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)

	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)
	req := compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{},
	}

	type outcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Process(context.Background(), nil, noVerifyOpts(), &pipeline.IssueOpts{Builder: builder, Request: req})
		done <- outcome{res, err}
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("vm.post never started")
	}

	require.Eventually(t, func() bool { return p.Dock.Retired() == 1 }, time.Second, 5*time.Millisecond,
		"the retire barrier must clear while this sequence's own vm.post is still blocked")

	close(release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, fault.ACCEPT, out.res.Fault)
	case <-time.After(time.Second):
		t.Fatal("Process never returned after vm.post unblocked")
	}
}

// TestWriteRequiresHeadWhenConfigured exercises spec.md §8's boundary
// behavior: a create event succeeds against an empty head, but a
// non-create event with HeadMustExist set and an empty head faults
// STATE instead of writing.
func TestWriteRequiresHeadWhenConfigured(t *testing.T) {
	p, _ := newTestPipeline(t)
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	builder := compose.NewBuilder("example.org", signer)

	opts := noVerifyOpts()
	opts.HeadMustExist = true

	createRes, err := p.Process(context.Background(), nil, opts, &pipeline.IssueOpts{
		Builder: builder,
		Request: compose.Request{
			RoomID:  "!empty:example.org",
			Type:    "m.room.create",
			Sender:  "@alice:example.org",
			Content: map[string]interface{}{"creator": "@alice:example.org"},
		},
	})
	require.NoError(t, err, "a create event must succeed against an empty head regardless of HeadMustExist")
	assert.Equal(t, fault.ACCEPT, createRes.Fault)

	ev, err := builder.Compose(compose.Request{
		RoomID:  "!orphan:example.org",
		Type:    "m.room.message",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"body": "hi"},
	}, nil)
	require.NoError(t, err)

	res, err := p.Process(context.Background(), ev, opts, nil)
	require.Error(t, err)
	assert.Equal(t, fault.STATE, fault.CodeOf(err))
	assert.Equal(t, fault.STATE, res.Fault)
}
