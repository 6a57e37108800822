// Package store defines the TransactionStore boundary spec.md §6
// describes: the persistence engine the EVM core writes through but
// does not implement. Two reference backends ship — an in-memory one
// used by tests and the demo binary, and a mattn/go-sqlite3-backed one
// demonstrating a real embedded, ordered implementation — but the core
// (package pipeline) only ever depends on the interfaces here.
package store

import (
	"errors"
	"fmt"

	"github.com/ocx/evmd/internal/event"
)

// ErrNotFound is returned by Get/IndexOf when no such event is durable.
var ErrNotFound = errors.New("store: not found")

// WriteOpts mirrors spec.md §4.B's wopts: the set of mutations a write
// should stage alongside the event row itself. present/history are
// room-state concerns the EVM core triggers but does not compute (room
// state resolution is an opaque collaborator per spec.md §1). The core
// sets Present and History for events carrying a state_key, sets
// RoomHead/RoomRefs/EventIdx/JSONSource on every write, and leaves
// RootIn/RootOut empty.
type WriteOpts struct {
	// Present requests a room_state (type, state_key) -> event_id update.
	Present bool
	// History requests a state-tree history node be recorded.
	History bool
	// RoomHead adds the event to its room's head set.
	RoomHead bool
	// RoomRefs removes the event's prev_events from the room's head set.
	RoomRefs bool
	// JSONSource, if non-nil, is the caller's own canonical bytes, to be
	// trusted verbatim instead of re-serializing the event.
	JSONSource []byte
	// EventIdx is the sequence assigned by the allocator (spec.md §4.C);
	// it becomes the durable event index.
	EventIdx int64
	// RootIn / RootOut are state-tree root hashes before/after this
	// write, opaque to the core.
	RootIn, RootOut string
}

// Projection is what Get returns: an event row with its durable index.
type Projection struct {
	Index int64
	Event *event.Event
}

// Txn is a single pending write, staged but not yet durable. Exactly
// one StageWrite call is expected per Txn, matching the EVM core's
// one-event-per-Eval write stage (spec.md §4.F.6).
type Txn interface {
	// StageWrite records the mutation; no I/O happens yet.
	StageWrite(ev *event.Event, wopts WriteOpts) error
	// Commit applies every staged mutation atomically: either all of it
	// becomes durable, or none of it does.
	Commit() error
	// Discard abandons the txn without applying anything, used when a
	// fault interrupts the eval after OpenTxn but before Commit.
	Discard()
}

// TransactionStore is the persistence boundary the EVM core consumes,
// exactly as spec.md §6 describes it.
type TransactionStore interface {
	// OpenTxn reserves capacity for a write of roughly reserveBytes,
	// bounded by maxBytes, without performing any I/O.
	OpenTxn(reserveBytes, maxBytes int) (Txn, error)

	Exists(eventID string) (bool, error)
	// IndexOf returns the durable index of eventID, or ErrNotFound.
	IndexOf(eventID string) (int64, error)
	// Get returns the event at index, or ErrNotFound.
	Get(index int64) (*Projection, error)

	// LastIndex returns the largest durable index, or 0 if the store is
	// empty. Used once at startup to recover the sequence watermarks
	// (spec.md §6's "Persisted state layout").
	LastIndex() (int64, error)
}

// HeadEntry is one member of a room's head set (spec.md §3's "Room
// head"): events not yet referenced by any later event's prev_events.
type HeadEntry struct {
	EventID string
	Depth   int64
}

// RoomHeadReader exposes the room-head bookkeeping the commit composer
// needs (spec.md §4.G.2-3) without baking head-tracking into the core
// TransactionStore contract, since not every deployment's persistence
// layer models rooms the same way.
type RoomHeadReader interface {
	RoomHead(roomID string) ([]HeadEntry, error)
}

// RoomStateReader exposes the current-state lookups the commit composer
// needs to select auth_events (spec.md §4.G.3): given a room and a
// (type, state_key) pair, the event id currently holding that slot, if
// any. Room state resolution itself stays an opaque collaborator per
// spec.md §1 — this interface only reads what a prior write_opts.present
// write already recorded.
type RoomStateReader interface {
	StateEvent(roomID, eventType, stateKey string) (eventID string, ok bool, err error)
}

// DefaultReserveFactor is the reserve_bytes heuristic from spec.md
// §4.F.6.a: "reserve_bytes ≈ 1.66 × canonical_bytes.len".
const DefaultReserveFactor = 1.66

func ReserveBytesFor(canonicalLen int) int {
	return int(float64(canonicalLen) * DefaultReserveFactor)
}

func notFound(eventID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, eventID)
}
