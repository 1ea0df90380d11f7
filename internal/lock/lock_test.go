package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartOnlyCoordinatorSelfCanHold(t *testing.T) {
	tbl := NewTable(nil)
	require.False(t, tbl.Start("peer-b", "peer-a", 1), "a non-coordinator requester must be rejected")
	require.True(t, tbl.Start("peer-a", "peer-a", 1))
	require.Equal(t, "peer-a", tbl.Holder())
}

func TestStartRejectsWhileHeld(t *testing.T) {
	tbl := NewTable(nil)
	require.True(t, tbl.Start("peer-a", "peer-a", 1))
	require.False(t, tbl.Start("peer-a", "peer-a", 2))
}

func TestEndIsIdempotentWhenUnlocked(t *testing.T) {
	tbl := NewTable(nil)
	require.NoError(t, tbl.End("anybody"))
}

func TestEndRejectsNonHolder(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Start("peer-a", "peer-a", 1)
	require.ErrorIs(t, tbl.End("peer-b"), ErrNotHolder)
	require.NoError(t, tbl.End("peer-a"))
	require.Equal(t, "", tbl.Holder())
}

func TestQueryStatusNoHolderButWait(t *testing.T) {
	pending := func(id uint32) bool { return id == 42 }
	tbl := NewTable(pending)
	require.Equal(t, StatusNoHolderButWait, tbl.QueryStatus(42))
	require.Equal(t, StatusNoHolder, tbl.QueryStatus(7))
}

func TestQueryStatusLocked(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Start("peer-a", "peer-a", 1)
	require.Equal(t, StatusLocked, tbl.QueryStatus(1))
}
