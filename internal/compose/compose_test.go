package compose_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evmd/internal/compose"
	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/store"
)

func TestComposeFirstEventInRoom(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)

	b := compose.NewBuilder("example.org", signer)
	b.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ev, err := b.Compose(compose.Request{
		RoomID:  "!room:example.org",
		Type:    "m.room.create",
		Sender:  "@alice:example.org",
		Content: map[string]interface{}{"creator": "@alice:example.org"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "example.org", ev.Origin)
	assert.EqualValues(t, 0, ev.Depth, "a room's genesis event always has depth 0")
	assert.Empty(t, ev.PrevEvents)
	assert.NotEmpty(t, ev.EventID)
	assert.Contains(t, ev.Hashes, "sha256")
	require.Contains(t, ev.Signatures, "example.org")
	assert.Contains(t, ev.Signatures["example.org"], "ed25519:ed25519:1")
}

func TestComposeReferencesHeads(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	b := compose.NewBuilder("example.org", signer)

	heads := []store.HeadEntry{
		{EventID: "$a:example.org", Depth: 3},
		{EventID: "$b:example.org", Depth: 5},
	}

	ev, err := b.Compose(compose.Request{
		RoomID: "!room:example.org",
		Type:   "m.room.message",
		Sender: "@alice:example.org",
	}, heads)
	require.NoError(t, err)

	assert.Equal(t, []string{"$b:example.org", "$a:example.org"}, ev.PrevEvents)
	assert.EqualValues(t, 6, ev.Depth)
}

func TestComposeCapsPrevEventsAtLimit(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	b := compose.NewBuilder("example.org", signer)
	b.PrevLimit = 2

	heads := []store.HeadEntry{
		{EventID: "$a:example.org", Depth: 1},
		{EventID: "$b:example.org", Depth: 2},
		{EventID: "$c:example.org", Depth: 3},
	}

	ev, err := b.Compose(compose.Request{
		RoomID: "!room:example.org",
		Type:   "m.room.message",
		Sender: "@alice:example.org",
	}, heads)
	require.NoError(t, err)

	assert.Len(t, ev.PrevEvents, 2)
	assert.Equal(t, []string{"$c:example.org", "$b:example.org"}, ev.PrevEvents)
	assert.EqualValues(t, 4, ev.Depth)
}

func TestComposeRequiresCoreFields(t *testing.T) {
	b := compose.NewBuilder("example.org", nil)
	_, err := b.Compose(compose.Request{}, nil)
	assert.Error(t, err)
}

// fakeStateReader is a minimal store.RoomStateReader backed by a plain
// map, used to exercise auth_events selection independent of any real
// store.MemoryStore/SQLiteStore wiring.
type fakeStateReader map[[3]string]string

func (f fakeStateReader) StateEvent(roomID, eventType, stateKey string) (string, bool, error) {
	id, ok := f[[3]string{roomID, eventType, stateKey}]
	return id, ok, nil
}

func TestComposeSelectsAuthEvents(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	b := compose.NewBuilder("example.org", signer)
	b.StateReader = fakeStateReader{
		{"!room:example.org", "m.room.create", ""}:                   "$create:example.org",
		{"!room:example.org", "m.room.power_levels", ""}:             "$powerlevels:example.org",
		{"!room:example.org", "m.room.member", "@alice:example.org"}: "$join:example.org",
	}

	heads := []store.HeadEntry{{EventID: "$create:example.org", Depth: 0}}

	ev, err := b.Compose(compose.Request{
		RoomID:        "!room:example.org",
		Type:          "m.room.message",
		Sender:        "@alice:example.org",
		AddAuthEvents: true,
	}, heads)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"$create:example.org", "$powerlevels:example.org", "$join:example.org"}, ev.AuthEvents)
}

func TestComposeSkipsAuthEventsWithoutPriorHead(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	b := compose.NewBuilder("example.org", signer)
	b.StateReader = fakeStateReader{
		{"!room:example.org", "m.room.create", ""}: "$create:example.org",
	}

	ev, err := b.Compose(compose.Request{
		RoomID:        "!room:example.org",
		Type:          "m.room.message",
		Sender:        "@alice:example.org",
		AddAuthEvents: true,
	}, nil)
	require.NoError(t, err)

	assert.Empty(t, ev.AuthEvents, "no prior head means no auth_events, matching the original's depth != -1 guard")
}

func TestComposeAuthEventsOmitsSenderMemberForMemberEvents(t *testing.T) {
	signer, err := event.NewEd25519Signer("ed25519:1")
	require.NoError(t, err)
	b := compose.NewBuilder("example.org", signer)
	b.StateReader = fakeStateReader{
		{"!room:example.org", "m.room.create", ""}:                   "$create:example.org",
		{"!room:example.org", "m.room.member", "@alice:example.org"}: "$alicejoin:example.org",
	}

	heads := []store.HeadEntry{{EventID: "$create:example.org", Depth: 0}}

	ev, err := b.Compose(compose.Request{
		RoomID:        "!room:example.org",
		Type:          "m.room.member",
		Sender:        "@alice:example.org",
		StateKey:      strPtr("@bob:example.org"),
		AddAuthEvents: true,
	}, heads)
	require.NoError(t, err)

	assert.Equal(t, []string{"$create:example.org"}, ev.AuthEvents, "a member event never looks up its own sender's membership as an auth dependency")
}

func strPtr(s string) *string { return &s }
