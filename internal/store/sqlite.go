package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver, registered via database/sql

	"github.com/ocx/evmd/internal/event"
)

// SQLiteStore is a TransactionStore backed by an embedded, ordered
// sqlite3 database, the way the teacher's pack sibling
// (tablelandnetwork-go-tableland's pkg/database.Open) opens its local
// SQL store: sql.Open("sqlite3", path) plus an idempotent schema
// migration run once at startup.
type SQLiteStore struct {
	db *sql.DB
	// mu serializes commits; sqlite allows only one writer at a time
	// and the EVM core relies on commit being atomic with respect to
	// concurrent exists/index_of/get (spec.md §4.B).
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	idx INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	room_id TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_room_id ON events(room_id);
CREATE TABLE IF NOT EXISTS room_heads (
	room_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	depth INTEGER NOT NULL,
	PRIMARY KEY (room_id, event_id)
);
CREATE TABLE IF NOT EXISTS room_state (
	room_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	event_id TEXT NOT NULL,
	PRIMARY KEY (room_id, type, state_key)
);
`

// OpenSQLite opens (creating if absent) a sqlite3-backed store at path,
// e.g. "evmd.db", or ":memory:" for an ephemeral one.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite3 %s: %w", path, err)
	}
	// The sqlite3 driver only supports one writer connection at a time;
	// pairing that with our own mu keeps commit latency predictable
	// instead of surfacing SQLITE_BUSY under concurrent evals.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) OpenTxn(reserveBytes, maxBytes int) (Txn, error) {
	if maxBytes > 0 && reserveBytes > maxBytes {
		return nil, fmt.Errorf("store: reserve_bytes %d exceeds max_bytes %d", reserveBytes, maxBytes)
	}
	return &sqliteTxn{store: s}, nil
}

func (s *SQLiteStore) Exists(eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: exists query: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) IndexOf(eventID string) (int64, error) {
	var idx int64
	err := s.db.QueryRow(`SELECT idx FROM events WHERE event_id = ?`, eventID).Scan(&idx)
	if err == sql.ErrNoRows {
		return 0, notFound(eventID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: index_of query: %w", err)
	}
	return idx, nil
}

func (s *SQLiteStore) Get(index int64) (*Projection, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM events WHERE idx = ?`, index).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get query: %w", err)
	}
	var ev event.Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("store: decoding stored event at index %d: %w", index, err)
	}
	return &Projection{Index: index, Event: &ev}, nil
}

func (s *SQLiteStore) LastIndex() (int64, error) {
	var idx sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(idx) FROM events`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("store: last_index query: %w", err)
	}
	return idx.Int64, nil
}

// StateEvent returns the event id currently occupying (eventType,
// stateKey) in roomID, as last recorded by a write_opts.present write.
func (s *SQLiteStore) StateEvent(roomID, eventType, stateKey string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT event_id FROM room_state WHERE room_id = ? AND type = ? AND state_key = ?`,
		roomID, eventType, stateKey,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: state_event query: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) RoomHead(roomID string) ([]HeadEntry, error) {
	rows, err := s.db.Query(`SELECT event_id, depth FROM room_heads WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: room_head query: %w", err)
	}
	defer rows.Close()
	var out []HeadEntry
	for rows.Next() {
		var h HeadEntry
		if err := rows.Scan(&h.EventID, &h.Depth); err != nil {
			return nil, fmt.Errorf("store: scanning room_head row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type sqliteTxn struct {
	store  *SQLiteStore
	ev     *event.Event
	wopts  WriteOpts
	staged bool
	done   bool
}

func (t *sqliteTxn) StageWrite(ev *event.Event, wopts WriteOpts) error {
	if t.staged {
		return fmt.Errorf("store: txn already has a staged write")
	}
	t.ev = ev
	t.wopts = wopts
	t.staged = true
	return nil
}

func (t *sqliteTxn) Commit() error {
	if t.done {
		return fmt.Errorf("store: txn already finalized")
	}
	t.done = true
	if !t.staged {
		return nil
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	body := t.wopts.JSONSource
	if body == nil {
		var err error
		body, err = json.Marshal(t.ev)
		if err != nil {
			return fmt.Errorf("store: marshaling event for commit: %w", err)
		}
	}

	tx, err := t.store.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning sqlite transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(
		`INSERT INTO events (idx, event_id, room_id, body) VALUES (?, ?, ?, ?)`,
		t.wopts.EventIdx, t.ev.EventID, t.ev.RoomID, string(body),
	); err != nil {
		return fmt.Errorf("store: inserting event: %w", err)
	}

	if t.wopts.RoomRefs {
		for _, prev := range t.ev.PrevEvents {
			if _, err := tx.Exec(
				`DELETE FROM room_heads WHERE room_id = ? AND event_id = ?`,
				t.ev.RoomID, prev,
			); err != nil {
				return fmt.Errorf("store: retiring room head %s: %w", prev, err)
			}
		}
	}
	if t.wopts.RoomHead {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO room_heads (room_id, event_id, depth) VALUES (?, ?, ?)`,
			t.ev.RoomID, t.ev.EventID, t.ev.Depth,
		); err != nil {
			return fmt.Errorf("store: inserting room head: %w", err)
		}
	}

	if t.wopts.Present && t.ev.StateKey != nil {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO room_state (room_id, type, state_key, event_id) VALUES (?, ?, ?, ?)`,
			t.ev.RoomID, t.ev.Type, *t.ev.StateKey, t.ev.EventID,
		); err != nil {
			return fmt.Errorf("store: inserting room state: %w", err)
		}
	}

	return tx.Commit()
}

func (t *sqliteTxn) Discard() {
	t.done = true
}
