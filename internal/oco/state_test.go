package oco

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/bracket-trader/internal/tracker"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{AwaitingEntryFill, EntryFilledPlacingLegs, true},
		{AwaitingEntryFill, EntryRejected, true},
		{AwaitingEntryFill, Aborted, true},
		{AwaitingEntryFill, LegsActive, false},
		{AwaitingEntryFill, Resolved, false},
		{EntryFilledPlacingLegs, LegsActive, true},
		{EntryFilledPlacingLegs, Aborted, true},
		{EntryFilledPlacingLegs, EntryRejected, false},
		{LegsActive, Resolving, true},
		{LegsActive, Aborted, true},
		{LegsActive, Resolved, false},
		{Resolving, Resolved, true},
		{Resolving, Aborted, false},
		{Resolved, Aborted, false},
		{EntryRejected, Aborted, false},
		{Aborted, Resolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			sm := &stateMachine{current: tt.from}
			tr, err := sm.transitionTo("g1", tt.to, "test")
			if !tt.ok {
				var conflict *StateConflictError
				require.True(t, errors.As(err, &conflict))
				assert.Equal(t, tt.from, conflict.State)
				assert.Equal(t, tt.from, sm.current)
				assert.Empty(t, sm.history)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, sm.current)
			assert.Equal(t, tt.from, tr.FromState)
			assert.Equal(t, tt.to, tr.ToState)
			assert.False(t, tr.Timestamp.IsZero())
			assert.Len(t, sm.history, 1)
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{Resolved, EntryRejected, Aborted} {
		assert.True(t, s.Terminal(), s)
		assert.Empty(t, allowed[s], "terminal state %s has outgoing edges", s)
	}
	for _, s := range []State{AwaitingEntryFill, EntryFilledPlacingLegs, LegsActive, Resolving} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestMailboxKeepsOrder(t *testing.T) {
	q := newMailbox()
	for i := 0; i < 100; i++ {
		q.push(event{kind: evStatus, n: tracker.Notification{Source: string(rune('a' + i%26))}})
	}
	q.push(event{kind: evShutdown})

	select {
	case <-q.ready():
	default:
		t.Fatal("mailbox not signalled")
	}
	items := q.drain()
	require.Len(t, items, 101)
	for i := 0; i < 100; i++ {
		assert.Equal(t, string(rune('a'+i%26)), items[i].n.Source)
	}
	assert.Equal(t, evShutdown, items[100].kind)
	assert.Empty(t, q.drain())
}
