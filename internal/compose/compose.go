// Package compose implements the commit composer: turning a bare
// room_id/type/sender/content tuple into a fully-formed, signed event
// ready for the pipeline, the way a homeserver issues its own events
// rather than accepting someone else's.
package compose

import (
	"fmt"
	"sort"
	"time"

	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/store"
)

// Builder composes one locally-issued event. It is not safe for
// concurrent use by multiple goroutines; callers build one event at a
// time, matching the pipeline's one-composition-per-eval usage.
type Builder struct {
	Origin    string
	Signer    event.Signer
	Digester  event.Digester
	PrevLimit int
	Now       func() time.Time

	// StateReader resolves the room's current state for auth_events
	// selection (spec.md §4.G step 3). Nil disables the feature
	// entirely, so a caller who never wires a state backend keeps
	// getting req.AuthEvents forwarded verbatim.
	StateReader store.RoomStateReader
}

const defaultPrevLimit = 16

// NewBuilder constructs a Builder with the given origin server name and
// signing key. Digester defaults to SHA-256 and PrevLimit to 16 if left
// zero.
func NewBuilder(origin string, signer event.Signer) *Builder {
	return &Builder{
		Origin:    origin,
		Signer:    signer,
		Digester:  event.SHA256Digester{},
		PrevLimit: defaultPrevLimit,
		Now:       time.Now,
	}
}

// Request is the caller-supplied template for a new event; everything
// else (prev_events, depth, auth_events, origin, timestamp, hashes,
// signatures, event_id) is computed by Compose.
type Request struct {
	RoomID     string
	Type       string
	Sender     string
	StateKey   *string
	Content    map[string]interface{}
	AuthEvents []string

	// AddAuthEvents requests that auth_events be computed from the
	// room's current state (spec.md §4.G step 3) rather than taken
	// verbatim from AuthEvents above. Grounded in the original's
	// opts.add_auth_events (original_source/modules/vm.cc).
	AddAuthEvents bool
}

// authEventTypes are the state types every non-create, non-member event
// authenticates against, in addition to the sender's own membership
// event — grounded verbatim in original_source/modules/vm.cc's
// eval__commit_room, which builds auth_events from exactly these three
// types plus a conditional m.room.member lookup.
var authEventTypes = []string{
	"m.room.create",
	"m.room.join_rules",
	"m.room.power_levels",
}

// implicitStateTypes are event types that are always state events with
// an empty state_key, even when the caller didn't set Request.StateKey
// explicitly — the three singleton state types auth_events selection
// depends on.
var implicitStateTypes = map[string]bool{
	"m.room.create":       true,
	"m.room.join_rules":   true,
	"m.room.power_levels": true,
}

// Compose builds a complete event from req against heads, the room's
// current head set (spec.md §4.G steps):
//  1. prev_events is the head set, capped at PrevLimit entries, the
//     PrevLimit most caught-up (highest depth) ones kept when the
//     head set is larger — so a room with many concurrent branches
//     converges instead of every new event referencing an unbounded
//     fan-out. m.room.create never references a prev_event: it is the
//     room's first event by definition.
//  2. depth is one more than the highest depth among the chosen
//     prev_events, saturating per event.NextDepth; m.room.create's
//     depth is always 0.
//  3. auth_events, when req.AddAuthEvents is set, is computed from the
//     room's current m.room.create/join_rules/power_levels state plus
//     the sender's member event (unless the event itself is a member
//     event) — skipped for m.room.create and for a room with no prior
//     head, matching the original's "depth != -1 && !create" guard.
//  4. origin and origin_server_ts are injected from the builder's
//     configured origin and clock.
//  5. the event is hashed and signed, and its event_id is derived from
//     that hash.
func (b *Builder) Compose(req Request, heads []store.HeadEntry) (*event.Event, error) {
	if req.RoomID == "" || req.Type == "" || req.Sender == "" {
		return nil, fmt.Errorf("compose: room_id, type, and sender are required")
	}

	isCreate := req.Type == "m.room.create"

	var prevEvents []string
	var depth int64
	maxPrevDepth := int64(-1)
	if !isCreate {
		prevEvents, depth, maxPrevDepth = selectPrevEvents(heads, b.PrevLimit)
	}

	authEvents := req.AuthEvents
	if req.AddAuthEvents && !isCreate && maxPrevDepth != -1 && b.StateReader != nil {
		computed, err := b.selectAuthEvents(req.RoomID, req.Type, req.Sender)
		if err != nil {
			return nil, fmt.Errorf("compose: selecting auth_events: %w", err)
		}
		authEvents = computed
	}

	stateKey := req.StateKey
	if stateKey == nil && implicitStateTypes[req.Type] {
		empty := ""
		stateKey = &empty
	}

	content := req.Content
	if content == nil {
		content = map[string]interface{}{}
	}

	ev := &event.Event{
		RoomID:         req.RoomID,
		Type:           req.Type,
		Sender:         req.Sender,
		StateKey:       stateKey,
		Content:        content,
		PrevEvents:     prevEvents,
		AuthEvents:     authEvents,
		Depth:          depth,
		Origin:         b.Origin,
		OriginServerTS: b.now().UnixMilli(),
	}

	digester := b.Digester
	if digester == nil {
		digester = event.SHA256Digester{}
	}
	refHash, err := event.ReferenceHash(ev, digester)
	if err != nil {
		return nil, fmt.Errorf("compose: hashing event: %w", err)
	}
	ev.Hashes = map[string]string{digester.Algorithm(): base64URL(refHash)}
	ev.EventID = event.MakeID(b.Origin, refHash)

	if b.Signer != nil {
		toSign, err := ev.ReferenceBytes()
		if err != nil {
			return nil, fmt.Errorf("compose: serializing for signature: %w", err)
		}
		algorithm, sig, err := b.Signer.Sign(toSign)
		if err != nil {
			return nil, fmt.Errorf("compose: signing event: %w", err)
		}
		ev.Signatures = map[string]map[string]string{
			b.Origin: {algorithm + ":" + b.Signer.KeyID(): base64URL(sig)},
		}
	}

	return ev, nil
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// selectAuthEvents resolves the current state event ids for
// authEventTypes plus, unless eventType is itself m.room.member, the
// sender's own membership event. A state slot with no current event is
// simply omitted, matching the original's make_refs, which only emits
// refs for state it actually finds.
func (b *Builder) selectAuthEvents(roomID, eventType, sender string) ([]string, error) {
	if b.StateReader == nil {
		return nil, nil
	}
	var auth []string
	for _, t := range authEventTypes {
		id, ok, err := b.StateReader.StateEvent(roomID, t, "")
		if err != nil {
			return nil, fmt.Errorf("reading current state for %s: %w", t, err)
		}
		if ok {
			auth = append(auth, id)
		}
	}
	if eventType != "m.room.member" {
		id, ok, err := b.StateReader.StateEvent(roomID, "m.room.member", sender)
		if err != nil {
			return nil, fmt.Errorf("reading current membership for %s: %w", sender, err)
		}
		if ok {
			auth = append(auth, id)
		}
	}
	return auth, nil
}

// selectPrevEvents picks the room's referenced prev_events from its
// current head set, capping the fan-in at limit by keeping the
// highest-depth (most caught-up) heads first, and computes the depth
// the new event should carry. maxDepth is the pre-increment high-water
// mark, -1 when heads is empty, used by Compose to decide whether
// auth_events selection applies at all.
func selectPrevEvents(heads []store.HeadEntry, limit int) (ids []string, depth int64, maxDepth int64) {
	if limit <= 0 {
		limit = defaultPrevLimit
	}
	sorted := append([]store.HeadEntry(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Depth != sorted[j].Depth {
			return sorted[i].Depth > sorted[j].Depth
		}
		return sorted[i].EventID < sorted[j].EventID
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	maxDepth = -1
	ids = make([]string, 0, len(sorted))
	for _, h := range sorted {
		ids = append(ids, h.EventID)
		if h.Depth > maxDepth {
			maxDepth = h.Depth
		}
	}
	return ids, event.NextDepth(maxDepth), maxDepth
}

func base64URL(b []byte) string {
	return event.Base64URLNoPad(b)
}
