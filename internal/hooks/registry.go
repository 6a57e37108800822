// Package hooks implements the named hook sites every event passes
// through (vm.issue, vm.conform, vm.fetch, vm.eval, vm.post, vm.notify,
// vm.effect). Handlers register at a site with an equality match
// against named event fields and run in registration order; the first
// handler to fault stops dispatch and its fault propagates to the
// caller.
//
// Adapted from the teacher's webhooks.Registry: same
// RWMutex-guarded-map-plus-slice-index shape, same
// register/unregister/list vocabulary, but subscriptions match on
// event field equality instead of webhook EventType, and dispatch runs
// handlers inline instead of posting to an HTTP delivery queue (that's
// package pipeline's vm.post worker pool, grounded separately).
package hooks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ocx/evmd/internal/event"
)

// Site names one of the fixed hook sites the core dispatches through.
type Site string

const (
	SiteIssue   Site = "vm.issue"
	SiteConform Site = "vm.conform"
	SiteFetch   Site = "vm.fetch"
	SiteEval    Site = "vm.eval"
	SitePost    Site = "vm.post"
	SiteNotify  Site = "vm.notify"
	SiteEffect  Site = "vm.effect"
)

// Sites lists every hook site in pipeline order.
var Sites = []Site{SiteIssue, SiteConform, SiteFetch, SiteEval, SitePost, SiteNotify, SiteEffect}

// MatchClause requires a named event field to equal Value. A handler's
// clauses are AND'd together: every clause must match for the handler
// to run against a given event.
type MatchClause struct {
	Field string
	Value string
}

// fieldValue extracts the named field's string form from ev. Unknown
// fields never match, so a typo in a clause silently excludes the
// handler rather than panicking.
func fieldValue(ev *event.Event, field string) (string, bool) {
	switch field {
	case "type":
		return ev.Type, true
	case "room_id":
		return ev.RoomID, true
	case "sender":
		return ev.Sender, true
	case "origin":
		return ev.Origin, true
	case "state_key":
		if ev.StateKey == nil {
			return "", false
		}
		return *ev.StateKey, true
	default:
		return "", false
	}
}

func matches(ev *event.Event, clauses []MatchClause) bool {
	for _, c := range clauses {
		v, ok := fieldValue(ev, c.Field)
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}

// Context carries whatever a site needs to hand its handlers. Extra is
// an optional map for site-specific data, so hooks need not import
// package eval (avoiding an import cycle between hooks and the
// packages that dispatch them); package pipeline leaves it nil at
// every site, so its handlers see only Site and Event.
type Context struct {
	Site  Site
	Event *event.Event
	Extra map[string]interface{}
}

// Handler is a single hook callback. A non-nil error is treated as a
// fault at the dispatching site; package pipeline maps plain errors to
// fault.GENERAL (or fault.INTERRUPT for a cancellation) the same way
// spec.md §4.H describes for raw handler errors.
type Handler func(ctx context.Context, hc *Context) error

// Handle is the opaque token Register returns, used to Unregister the
// same handler later.
type Handle uint64

type subscription struct {
	handle  Handle
	site    Site
	clauses []MatchClause
	fn      Handler
}

// Registry holds the ordered handler list for every site.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	bySite  map[Site][]*subscription
	byHandle map[Handle]*subscription
}

func NewRegistry() *Registry {
	r := &Registry{
		bySite:   make(map[Site][]*subscription),
		byHandle: make(map[Handle]*subscription),
	}
	for _, s := range Sites {
		r.bySite[s] = nil
	}
	return r
}

// Register adds fn at site, to run only against events matching every
// clause in match (nil or empty match runs fn against every event at
// that site). Handlers at a given site run in the order they were
// registered.
func (r *Registry) Register(site Site, match []MatchClause, fn Handler) (Handle, error) {
	if fn == nil {
		return 0, fmt.Errorf("hooks: nil handler")
	}
	if _, ok := r.bySite[site]; !ok {
		return 0, fmt.Errorf("hooks: unknown site %q", site)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle(atomic.AddUint64(&r.nextID, 1))
	sub := &subscription{handle: h, site: site, clauses: append([]MatchClause(nil), match...), fn: fn}
	r.bySite[site] = append(r.bySite[site], sub)
	r.byHandle[h] = sub
	return h, nil
}

// Unregister removes a previously registered handler.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byHandle[h]
	if !ok {
		return fmt.Errorf("hooks: handle %d not registered", h)
	}
	delete(r.byHandle, h)

	subs := r.bySite[sub.site]
	filtered := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s.handle != h {
			filtered = append(filtered, s)
		}
	}
	r.bySite[sub.site] = filtered
	return nil
}

// Dispatch runs every handler registered at site whose clauses match
// hc.Event, in registration order, stopping at the first fault.
func (r *Registry) Dispatch(ctx context.Context, site Site, hc *Context) error {
	r.mu.RLock()
	subs := append([]*subscription(nil), r.bySite[site]...)
	r.mu.RUnlock()

	hc.Site = site
	for _, sub := range subs {
		if !matches(hc.Event, sub.clauses) {
			continue
		}
		if err := sub.fn(ctx, hc); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of handlers registered at site, for
// diagnostics and tests.
func (r *Registry) Count(site Site) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySite[site])
}
