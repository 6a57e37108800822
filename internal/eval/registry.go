package eval

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ocx/evmd/internal/event"
)

// Registry is the process-wide, enumerable table of every Eval
// currently in flight. Shaped like the teacher's webhooks.Registry
// (RWMutex-guarded map plus secondary indexes), generalized to index
// by both event id and allocated sequence since callers need to look
// an in-flight evaluation up either way (a federation retry arrives
// keyed by event id; a metrics sweep wants to walk sequence order).
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	byID     map[uint64]*Eval
	byEvent  map[string]*Eval // event_id -> Eval, only once it has one
	bySeq    map[int64]*Eval  // sequence -> Eval, only once allocated
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[uint64]*Eval),
		byEvent: make(map[string]*Eval),
		bySeq:   make(map[int64]*Eval),
	}
}

// Start creates and registers a new Eval for ev, returning it along
// with a done func the caller must call exactly once when the
// evaluation reaches a terminal outcome, removing it from the
// registry.
func (r *Registry) Start(ctx context.Context, ev *event.Event, opts Opts, copts *CommitOpts) (*Eval, func()) {
	id := atomic.AddUint64(&r.nextID, 1)
	e := newEval(ctx, id, ev, opts, copts)

	r.mu.Lock()
	r.byID[id] = e
	if ev.EventID != "" {
		r.byEvent[ev.EventID] = e
	}
	r.mu.Unlock()

	return e, func() { r.finish(e) }
}

func (r *Registry) finish(e *Eval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.done = true
	delete(r.byID, e.id)
	if e.Event.EventID != "" {
		delete(r.byEvent, e.Event.EventID)
	}
	if e.Sequence != 0 {
		delete(r.bySeq, e.Sequence)
	}
}

// BindSequence records the sequence allocated for e, making it
// reachable through FindBySequence. Called once the allocator hands
// out a number for e.
func (r *Registry) BindSequence(e *Eval, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Sequence = seq
	r.bySeq[seq] = e
}

// BindEventID records ev's event_id once the commit composer assigns
// one, making a locally-issued eval reachable through FindByEventID
// before it was known at Start time.
func (r *Registry) BindEventID(e *Eval, eventID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[eventID] = e
}

func (r *Registry) FindByEventID(eventID string) (*Eval, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byEvent[eventID]
	return e, ok
}

func (r *Registry) FindBySequence(seq int64) (*Eval, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySeq[seq]
	return e, ok
}

// ForEach calls fn for every evaluation currently in flight, in no
// particular order. fn must not call back into the registry.
func (r *Registry) ForEach(fn func(*Eval)) {
	r.mu.RLock()
	snapshot := make([]*Eval, 0, len(r.byID))
	for _, e := range r.byID {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		fn(e)
	}
}

// CountForTask returns the number of in-flight evaluations sharing
// taskID (spec.md §4.E, SPEC_FULL.md §6), used by a caller that issues
// several events as one logical unit (a federation transaction, a
// client request fanning out to multiple rooms) to know how much of
// its own work is still outstanding.
func (r *Registry) CountForTask(taskID string) int {
	n := 0
	r.ForEach(func(e *Eval) {
		if e.TaskID == taskID {
			n++
		}
	})
	return n
}

// Len returns the number of evaluations currently in flight.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
