package connmgr

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/pgwatch/pgwatch/internal/cevent"
)

func newTestManager() *Manager {
	events := make(chan cevent.Event, 16)
	return NewManager(log.NewNopLogger(), events)
}

func TestNoteDialFailureStartsAtReconnectCooldown(t *testing.T) {
	m := newTestManager()
	d := m.NoteDialFailure(1)
	require.Equal(t, ReconnectCooldown, d)
}

func TestNoteDialFailureBacksOffOnRepeatedFailure(t *testing.T) {
	m := newTestManager()
	first := m.NoteDialFailure(1)
	second := m.NoteDialFailure(1)
	require.Greater(t, second, first, "consecutive failures must increase the delay")
}

func TestNoteDialFailureIsPerPeer(t *testing.T) {
	m := newTestManager()
	m.NoteDialFailure(1)
	m.NoteDialFailure(1)
	other := m.NoteDialFailure(2)
	require.Equal(t, ReconnectCooldown, other, "a different peer's backoff must not be affected by peer 1's failures")
}

func TestNoteDialSuccessResetsBackoff(t *testing.T) {
	m := newTestManager()
	m.NoteDialFailure(1)
	m.NoteDialFailure(1)
	m.NoteDialSuccess(1)
	d := m.NoteDialFailure(1)
	require.Equal(t, ReconnectCooldown, d, "backoff must restart at the initial interval after a successful dial")
}

func TestTakeUnidentifiedReturnsFalseWhenAbsent(t *testing.T) {
	m := newTestManager()
	_, ok := m.TakeUnidentified("nope")
	require.False(t, ok)
}
