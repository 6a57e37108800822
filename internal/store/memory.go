package store

import (
	"fmt"
	"sync"

	"github.com/ocx/evmd/internal/event"
)

// MemoryStore is an in-process TransactionStore, guarded by a single
// mutex the way the teacher's webhooks.Registry guards its subscriber
// map. Commit is the only mutating operation and applies every staged
// change while holding the lock, so exists/index_of/get observe either
// all or none of a given write (spec.md §4.B's atomicity requirement).
type MemoryStore struct {
	mu sync.Mutex

	byIndex   map[int64]*event.Event
	byID      map[string]int64
	lastIndex int64

	// roomHeads tracks, per room, the set of event ids not yet
	// referenced by any later event's prev_events.
	roomHeads map[string]map[string]int64 // eventID -> depth

	// roomState tracks, per room, the current (type, state_key) ->
	// event_id mapping write_opts.present asks the store to maintain.
	roomState map[string]map[stateSlot]string
}

// stateSlot identifies one (type, state_key) slot in a room's current
// state.
type stateSlot struct {
	eventType string
	stateKey  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byIndex:   make(map[int64]*event.Event),
		byID:      make(map[string]int64),
		roomHeads: make(map[string]map[string]int64),
		roomState: make(map[string]map[stateSlot]string),
	}
}

func (s *MemoryStore) OpenTxn(reserveBytes, maxBytes int) (Txn, error) {
	if maxBytes > 0 && reserveBytes > maxBytes {
		return nil, fmt.Errorf("store: reserve_bytes %d exceeds max_bytes %d", reserveBytes, maxBytes)
	}
	return &memTxn{store: s}, nil
}

func (s *MemoryStore) Exists(eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[eventID]
	return ok, nil
}

func (s *MemoryStore) IndexOf(eventID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[eventID]
	if !ok {
		return 0, notFound(eventID)
	}
	return idx, nil
}

func (s *MemoryStore) Get(index int64) (*Projection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return &Projection{Index: index, Event: ev}, nil
}

func (s *MemoryStore) LastIndex() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex, nil
}

func (s *MemoryStore) RoomHead(roomID string) ([]HeadEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heads := s.roomHeads[roomID]
	out := make([]HeadEntry, 0, len(heads))
	for id, depth := range heads {
		out = append(out, HeadEntry{EventID: id, Depth: depth})
	}
	return out, nil
}

// StateEvent returns the event id currently occupying (eventType,
// stateKey) in roomID, as last recorded by a write_opts.present write.
func (s *MemoryStore) StateEvent(roomID, eventType, stateKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.roomState[roomID]
	if slots == nil {
		return "", false, nil
	}
	id, ok := slots[stateSlot{eventType: eventType, stateKey: stateKey}]
	return id, ok, nil
}

func (s *MemoryStore) apply(ev *event.Event, wopts WriteOpts) {
	idx := wopts.EventIdx
	s.byIndex[idx] = ev
	s.byID[ev.EventID] = idx
	if idx > s.lastIndex {
		s.lastIndex = idx
	}

	if wopts.Present && ev.StateKey != nil {
		slots := s.roomState[ev.RoomID]
		if slots == nil {
			slots = make(map[stateSlot]string)
			s.roomState[ev.RoomID] = slots
		}
		slots[stateSlot{eventType: ev.Type, stateKey: *ev.StateKey}] = ev.EventID
	}

	if wopts.RoomHead || wopts.RoomRefs {
		heads := s.roomHeads[ev.RoomID]
		if heads == nil {
			heads = make(map[string]int64)
			s.roomHeads[ev.RoomID] = heads
		}
		if wopts.RoomRefs {
			for _, prev := range ev.PrevEvents {
				delete(heads, prev)
			}
		}
		if wopts.RoomHead {
			heads[ev.EventID] = ev.Depth
		}
	}
}

type memTxn struct {
	store  *MemoryStore
	ev     *event.Event
	wopts  WriteOpts
	staged bool
	done   bool
}

func (t *memTxn) StageWrite(ev *event.Event, wopts WriteOpts) error {
	if t.staged {
		return fmt.Errorf("store: txn already has a staged write")
	}
	t.ev = ev
	t.wopts = wopts
	t.staged = true
	return nil
}

func (t *memTxn) Commit() error {
	if t.done {
		return fmt.Errorf("store: txn already finalized")
	}
	t.done = true
	if !t.staged {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.apply(t.ev, t.wopts)
	return nil
}

func (t *memTxn) Discard() {
	t.done = true
}
