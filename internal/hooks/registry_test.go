package hooks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/evmd/internal/event"
	"github.com/ocx/evmd/internal/fault"
	"github.com/ocx/evmd/internal/hooks"
)

func TestDispatchRunsInRegistrationOrder(t *testing.T) {
	r := hooks.NewRegistry()
	var order []int

	_, err := r.Register(hooks.SiteEval, nil, func(ctx context.Context, hc *hooks.Context) error {
		order = append(order, 1)
		return nil
	})
	require.NoError(t, err)
	_, err = r.Register(hooks.SiteEval, nil, func(ctx context.Context, hc *hooks.Context) error {
		order = append(order, 2)
		return nil
	})
	require.NoError(t, err)

	ev := &event.Event{Type: "m.room.message"}
	err = r.Dispatch(context.Background(), hooks.SiteEval, &hooks.Context{Event: ev})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order)
}

func TestDispatchMatchClauseFilters(t *testing.T) {
	r := hooks.NewRegistry()
	var ran bool

	_, err := r.Register(hooks.SiteConform, []hooks.MatchClause{{Field: "type", Value: "m.room.create"}},
		func(ctx context.Context, hc *hooks.Context) error {
			ran = true
			return nil
		})
	require.NoError(t, err)

	ev := &event.Event{Type: "m.room.message"}
	require.NoError(t, r.Dispatch(context.Background(), hooks.SiteConform, &hooks.Context{Event: ev}))
	assert.False(t, ran)

	ev2 := &event.Event{Type: "m.room.create"}
	require.NoError(t, r.Dispatch(context.Background(), hooks.SiteConform, &hooks.Context{Event: ev2}))
	assert.True(t, ran)
}

func TestDispatchStopsAtFirstFault(t *testing.T) {
	r := hooks.NewRegistry()
	var ran2 bool

	_, _ = r.Register(hooks.SiteConform, nil, func(ctx context.Context, hc *hooks.Context) error {
		return fault.New(fault.INVALID, "bad event")
	})
	_, _ = r.Register(hooks.SiteConform, nil, func(ctx context.Context, hc *hooks.Context) error {
		ran2 = true
		return nil
	})

	ev := &event.Event{Type: "m.room.message"}
	err := r.Dispatch(context.Background(), hooks.SiteConform, &hooks.Context{Event: ev})
	require.Error(t, err)
	assert.Equal(t, fault.INVALID, fault.CodeOf(err))
	assert.False(t, ran2)
}

func TestUnregisterRemovesHandler(t *testing.T) {
	r := hooks.NewRegistry()
	var count int
	h, err := r.Register(hooks.SiteEffect, nil, func(ctx context.Context, hc *hooks.Context) error {
		count++
		return nil
	})
	require.NoError(t, err)

	ev := &event.Event{Type: "m.room.message"}
	require.NoError(t, r.Dispatch(context.Background(), hooks.SiteEffect, &hooks.Context{Event: ev}))
	assert.Equal(t, 1, count)

	require.NoError(t, r.Unregister(h))
	require.NoError(t, r.Dispatch(context.Background(), hooks.SiteEffect, &hooks.Context{Event: ev}))
	assert.Equal(t, 1, count)
}

func TestRegisterUnknownSiteRejected(t *testing.T) {
	r := hooks.NewRegistry()
	_, err := r.Register(hooks.Site("vm.bogus"), nil, func(ctx context.Context, hc *hooks.Context) error { return nil })
	assert.Error(t, err)
}
