// Package pipeline is the Event Virtual Machine's core: it drives a
// single event through the fixed stage sequence — issue, conform,
// fetch, eval, write, post, notify, effect — allocating a durable
// sequence number for accepted non-ephemeral events and enforcing that
// writes become durable, and effects get published, in that same
// order no matter how many events are in flight at once.
//
// The stage-by-stage orchestration is grounded in the teacher's
// federation.NegotiateV2 handshake (internal/federation/handshake.go):
// a fixed, named sequence of steps run one after another against a
// shared context object, any one of which can abort the whole
// exchange. The EVM pipeline generalizes that shape from a one-off
// handshake to a hook-extensible, per-event state machine.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/evmd/internal/compose"
	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/eval"
	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/hooks"
	"github.com/ocx/evmd/internal/metrics"
	"github.com/ocx/evmd/internal/notify"
	"github.com/ocx/evmd/internal/sequence"
	"github.com/ocx/evmd/internal/store"
)

// Pipeline wires every collaborator the EVM core needs to carry an
// event from issue to effect.
type Pipeline struct {
	Hooks    *hooks.Registry
	Evals    *eval.Registry
	Dock     *sequence.Dock
	Store    store.TransactionStore
	Notify   notify.Broadcaster
	Verifier event.Verifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	postQueue chan *postJob
	postWG    sync.WaitGroup
}

// Config sizes the vm.post worker pool, the pipeline's one bounded
// resource (spec.md §5's concurrency model).
type Config struct {
	PostWorkers int
	QueueDepth  int
}

const (
	defaultPostWorkers = 4
	defaultQueueDepth  = 1000
)

// New constructs a Pipeline and starts its vm.post worker pool,
// grounded in the teacher's webhooks.Dispatcher (fixed worker count
// draining a single buffered channel via sync.WaitGroup).
func New(cfg Config, h *hooks.Registry, evals *eval.Registry, dock *sequence.Dock, st store.TransactionStore, nb notify.Broadcaster, verifier event.Verifier, m *metrics.Metrics, log *slog.Logger) *Pipeline {
	workers := cfg.PostWorkers
	if workers <= 0 {
		workers = defaultPostWorkers
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		Hooks:     h,
		Evals:     evals,
		Dock:      dock,
		Store:     st,
		Notify:    nb,
		Verifier:  verifier,
		Metrics:   m,
		Log:       log,
		postQueue: make(chan *postJob, queueDepth),
	}
	if m != nil {
		m.PostWorkers.Set(float64(workers))
	}
	p.postWG.Add(workers)
	for i := 0; i < workers; i++ {
		go p.postWorker()
	}
	return p
}

// Shutdown drains the vm.post queue and stops its workers. Safe to
// call once, after no more Process calls are in flight.
func (p *Pipeline) Shutdown() {
	close(p.postQueue)
	p.postWG.Wait()
}

// Result is what a completed evaluation leaves behind.
type Result struct {
	Event    *event.Event
	Sequence int64 // 0 for ephemeral events
	Fault    fault.Code
}

// Process drives ev through every stage. opts controls which faults
// throw versus return silently (per opts.Policy) and which optional
// stages run. issue, if non-nil, asks the pipeline to compose a
// complete event (prev_events, depth, hashes, signature, event_id)
// from heads before running it through conform onward — the path a
// locally issued event takes, as opposed to one arriving with its
// identity already assigned.
func (p *Pipeline) Process(ctx context.Context, ev *event.Event, opts eval.Opts, issue *IssueOpts) (*Result, error) {
	var copts *eval.CommitOpts
	if issue != nil {
		composed, err := issue.Builder.Compose(issue.Request, issue.Heads)
		if err != nil {
			return nil, fault.Wrap(fault.INVALID, err, "composing event")
		}
		ev = composed
		copts = &eval.CommitOpts{Issue: true, ClientTxnID: issue.ClientTxnID}
	}

	e, done := p.Evals.Start(ctx, ev, opts, copts)
	defer done()
	if p.Metrics != nil {
		p.Metrics.EvalsInFlight.Set(float64(p.Evals.Len()))
		defer p.Metrics.EvalsInFlight.Set(float64(p.Evals.Len() - 1))
	}

	// vm.issue only runs on the locally-issued commit path (spec.md
	// §4.F): an event arriving with its identity already assigned
	// never passes through it.
	if e.Copts != nil && e.Copts.Issue {
		if err := p.runSite(ctx, e, hooks.SiteIssue, nil); err != nil {
			return p.finish(e, err)
		}
	}

	if err := p.conform(ctx, e); err != nil {
		return p.finish(e, err)
	}

	if ev.IsEphemeral() {
		return p.finish(e, p.evalEDU(ctx, e))
	}
	return p.evalPDU(ctx, e)
}

// evalEDU is spec.md §4.F's ephemeral branch: an event with no
// event_id skips fetch, sequencing and the write, and runs vm.eval,
// vm.post, vm.notify (plus publish) and vm.effect, each gated by its
// own opts flag.
func (p *Pipeline) evalEDU(ctx context.Context, e *eval.Eval) error {
	if err := p.evaluate(ctx, e); err != nil {
		return err
	}
	if e.Opts.Post {
		if err := p.runPost(ctx, e); err != nil {
			return err
		}
	}
	if e.Opts.NotifyServers {
		if err := p.runSite(ctx, e, hooks.SiteNotify, nil); err != nil {
			return err
		}
		if p.Notify != nil {
			if err := p.Notify.Publish(ctx, e.Event); err != nil {
				return fault.Wrap(fault.GENERAL, err, "publishing ephemeral event")
			}
		}
	}
	if e.Opts.Effects {
		return p.runSite(ctx, e, hooks.SiteEffect, nil)
	}
	return nil
}

// evalPDU is spec.md §4.F's durable branch: fetch, eval, write, post,
// retire+notify, post-wait, effect, each gated by its own opts flag.
// vm.post is submitted right after write succeeds but only awaited
// after the retire barrier clears, so a backed-up post pool can't stall
// the FIFO retirement of later sequences (spec.md §9's open question).
func (p *Pipeline) evalPDU(ctx context.Context, e *eval.Eval) (*Result, error) {
	if err := p.fetch(ctx, e); err != nil {
		return p.finish(e, err)
	}

	if err := p.evaluate(ctx, e); err != nil {
		return p.finish(e, err)
	}

	if !e.Opts.Write {
		if e.Opts.Post {
			if err := p.runPost(ctx, e); err != nil {
				return p.finish(e, err)
			}
		}
		if e.Opts.NotifyServers {
			if err := p.runSite(ctx, e, hooks.SiteNotify, nil); err != nil {
				return p.finish(e, err)
			}
			if p.Notify != nil {
				if err := p.Notify.Publish(ctx, e.Event); err != nil {
					return p.finish(e, fault.Wrap(fault.GENERAL, err, "publishing event"))
				}
			}
		}
		if e.Opts.Effects {
			if err := p.runSite(ctx, e, hooks.SiteEffect, nil); err != nil {
				return p.finish(e, err)
			}
		}
		return p.finish(e, nil)
	}

	seq := p.Dock.Allocate()
	p.Evals.BindSequence(e, seq)
	e.Sequence = seq

	if err := p.write(ctx, e, seq); err != nil {
		if abErr := p.Dock.Abandon(seq); abErr != nil {
			p.Log.Error("abandon after write fault failed", "sequence", seq, "error", abErr)
		}
		return p.finish(e, err)
	}

	var postJob *postJob
	if e.Opts.Post {
		job, err := p.submitPost(ctx, e)
		if err != nil {
			// The event is already durable; a post-stage fault doesn't
			// unwind the write, it's surfaced to the caller as-is.
			return p.finish(e, err)
		}
		postJob = job
	}

	if err := p.retireAndNotify(ctx, e, seq); err != nil {
		return p.finish(e, err)
	}

	if postJob != nil {
		if err := p.awaitPost(ctx, e, postJob); err != nil {
			return p.finish(e, err)
		}
	}

	if e.Opts.Effects {
		if err := p.runSite(ctx, e, hooks.SiteEffect, nil); err != nil {
			return p.finish(e, err)
		}
	}

	return p.finish(e, nil)
}

// IssueOpts asks Process to compose the event itself rather than take
// one that already carries its identity.
type IssueOpts struct {
	Builder *compose.Builder
	Request compose.Request
	Heads   []store.HeadEntry
	// ClientTxnID is the issuing client's idempotency token (spec.md
	// §4.E's client_txnid), carried onto the Eval's CommitOpts.
	ClientTxnID string
}

func (p *Pipeline) finish(e *eval.Eval, err error) (*Result, error) {
	code := fault.CodeOf(err)
	e.Fault = code
	if p.Metrics != nil {
		p.Metrics.ObserveWatermarks(p.Dock.Uncommitted(), p.Dock.Committed(), p.Dock.Retired())
	}

	result := &Result{Event: e.Event, Sequence: e.Sequence, Fault: code}
	if err == nil {
		return result, nil
	}
	if level := e.Opts.Policy.LevelFor(code); level != fault.LogNone {
		attrs := []any{"trace_id", e.TraceID, "event", e.Event.PrettyOneline(), "fault", code.String(), "error", err}
		if level == fault.LogError {
			p.Log.Error("eval faulted", attrs...)
		} else {
			p.Log.Warn("eval faulted", attrs...)
		}
	}
	if p.Metrics != nil {
		p.Metrics.ObserveFault(code.String())
	}
	if !e.Opts.Policy.Throws(code) {
		return result, nil
	}
	return result, err
}

// runSite dispatches site's handlers, timing the call and mapping a
// plain error to fault.GENERAL/fault.INTERRUPT the way spec.md §4.H
// describes for a raw handler error.
func (p *Pipeline) runSite(ctx context.Context, e *eval.Eval, site hooks.Site, extra map[string]interface{}) error {
	start := time.Now()
	hc := &hooks.Context{Event: e.Event, Extra: extra}
	err := p.Hooks.Dispatch(ctx, site, hc)
	if p.Metrics != nil {
		p.Metrics.ObserveStage(string(site), start, err != nil)
	}
	if err == nil {
		return nil
	}
	code := fault.CodeOf(err)
	e.Flag(code)
	return normalizeFault(code, err)
}

func normalizeFault(code fault.Code, err error) error {
	if fe, ok := err.(*fault.Error); ok {
		return fe
	}
	return fault.Wrap(code, err, "hook handler error")
}

func (p *Pipeline) conform(ctx context.Context, e *eval.Eval) error {
	ev := e.Event
	if ev.RoomID == "" || ev.Type == "" || ev.Sender == "" {
		err := fault.New(fault.INVALID, "event missing required field (room_id/type/sender)")
		e.Flag(fault.INVALID)
		return err
	}
	if ev.Depth < 0 {
		err := fault.New(fault.INVALID, "negative depth")
		e.Flag(fault.INVALID)
		return err
	}

	// The replay guard itself always runs (spec.md §4.F.1); only
	// whether it's fatal is gated, by O.replays.
	if !ev.IsEphemeral() && p.Store != nil {
		exists, err := p.Store.Exists(ev.EventID)
		if err != nil {
			return fault.Wrap(fault.GENERAL, err, "checking existence of %s", ev.EventID)
		}
		if exists {
			e.Flag(fault.EXISTS)
			if !e.Opts.Replays {
				return fault.New(fault.EXISTS, "event %s already accepted", ev.EventID)
			}
		}
	}

	if !e.Opts.Conform {
		return nil
	}
	return p.runSite(ctx, e, hooks.SiteConform, nil)
}

// fetch is spec.md §4.F's fetch stage: if O.fetch, vm.fetch handlers
// get a chance to pull in missing prev_events/auth_events/state before
// the existence check below runs; the existence check itself always
// runs, fetch-enabled or not, so an event whose dependencies are
// unreachable faults EVENT either way (spec.md §8 scenario 4; grounded
// in original_source/include/ircd/m/vm.h's fetch_prev_check/
// fetch_auth_check, which run "independent of whether active fetching
// is enabled").
func (p *Pipeline) fetch(ctx context.Context, e *eval.Eval) error {
	if e.Opts.FetchPrevState {
		if err := p.runSite(ctx, e, hooks.SiteFetch, nil); err != nil {
			return err
		}
	}
	return p.checkDependenciesExist(e)
}

// checkDependenciesExist faults EVENT when any of ev's prev_events or
// auth_events doesn't resolve in the store.
func (p *Pipeline) checkDependenciesExist(e *eval.Eval) error {
	if p.Store == nil {
		return nil
	}
	ev := e.Event
	for _, id := range ev.PrevEvents {
		exists, err := p.Store.Exists(id)
		if err != nil {
			return fault.Wrap(fault.GENERAL, err, "checking prev_event %s", id)
		}
		if !exists {
			e.Flag(fault.EVENT)
			return fault.New(fault.EVENT, "missing prev_event %s", id)
		}
	}
	for _, id := range ev.AuthEvents {
		exists, err := p.Store.Exists(id)
		if err != nil {
			return fault.Wrap(fault.GENERAL, err, "checking auth_event %s", id)
		}
		if !exists {
			e.Flag(fault.EVENT)
			return fault.New(fault.EVENT, "missing auth_event %s", id)
		}
	}
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context, e *eval.Eval) error {
	ev := e.Event
	if e.Opts.VerifySignatures && !ev.IsEphemeral() && p.Verifier != nil && len(ev.Signatures) > 0 {
		refBytes, err := ev.ReferenceBytes()
		if err != nil {
			return fault.Wrap(fault.GENERAL, err, "serializing event for signature check")
		}
		for origin, sigsByKey := range ev.Signatures {
			for keyIDWithAlg, sigB64 := range sigsByKey {
				algorithm, keyID, ok := splitKeyID(keyIDWithAlg)
				if !ok {
					e.Flag(fault.AUTH)
					return fault.New(fault.AUTH, "malformed signature key id %q", keyIDWithAlg)
				}
				sig, err := decodeBase64URL(sigB64)
				if err != nil {
					e.Flag(fault.AUTH)
					return fault.Wrap(fault.AUTH, err, "decoding signature from %s", origin)
				}
				ok, err = p.Verifier.Verify(origin, keyID, algorithm, refBytes, sig)
				if err != nil {
					e.Flag(fault.AUTH)
					return fault.Wrap(fault.AUTH, err, "verifying signature from %s", origin)
				}
				if !ok {
					e.Flag(fault.AUTH)
					return fault.New(fault.AUTH, "invalid signature from %s", origin)
				}
			}
		}
	}
	if !e.Opts.Eval {
		return nil
	}
	return p.runSite(ctx, e, hooks.SiteEval, nil)
}

func (p *Pipeline) write(ctx context.Context, e *eval.Eval, seq int64) error {
	hasStateKey := e.Event.StateKey != nil
	if e.Event.Type != "m.room.create" && (hasStateKey || e.Opts.HeadMustExist) {
		if hr, ok := p.Store.(store.RoomHeadReader); ok {
			heads, err := hr.RoomHead(e.Event.RoomID)
			if err != nil {
				return fault.Wrap(fault.GENERAL, err, "reading room head for %s", e.Event.RoomID)
			}
			if len(heads) == 0 {
				e.Flag(fault.STATE)
				return fault.New(fault.STATE, "room %s has no head", e.Event.RoomID)
			}
		}
	}

	canonical, err := e.Event.CanonicalBytes()
	if err != nil {
		return fault.Wrap(fault.GENERAL, err, "canonicalizing event")
	}
	reserve := store.ReserveBytesFor(len(canonical))

	txn, err := p.Store.OpenTxn(reserve, 0)
	if err != nil {
		return fault.Wrap(fault.GENERAL, err, "opening write transaction")
	}
	e.Txn = txn

	wopts := store.WriteOpts{
		Present:    hasStateKey,
		History:    hasStateKey,
		RoomHead:   true,
		RoomRefs:   true,
		JSONSource: canonical,
		EventIdx:   seq,
	}
	if err := txn.StageWrite(e.Event, wopts); err != nil {
		txn.Discard()
		return fault.Wrap(fault.GENERAL, err, "staging write")
	}

	return p.Dock.CommitWait(ctx, seq, func() error {
		return txn.Commit()
	})
}

// splitKeyID splits a "<algorithm>:<key id>" signature map key, e.g.
// "ed25519:ed25519:1", into its algorithm and key id parts. The key id
// itself may contain colons, so only the first separator counts.
func splitKeyID(s string) (algorithm, keyID string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func decodeBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base64url: %w", err)
	}
	return b, nil
}
