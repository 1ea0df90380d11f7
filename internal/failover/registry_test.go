package failover

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitDedupesByKindAndNodeSet(t *testing.T) {
	r := NewRegistry()
	obj1, ok := r.Admit(10, KindNodeDown, []int{2}, "a", 1000)
	require.True(t, ok)
	require.Equal(t, uint32(10), obj1.ID)

	obj2, ok := r.Admit(11, KindNodeDown, []int{2}, "c", 1001)
	require.False(t, ok)
	require.Equal(t, obj1.ID, obj2.ID, "second request must be told about the already-issued ID")
}

func TestAdmitNodeSetOrderIndependent(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Admit(1, KindPromote, []int{3, 1, 2}, "a", 0)
	require.True(t, ok)
	_, ok = r.Admit(2, KindPromote, []int{2, 3, 1}, "b", 0)
	require.False(t, ok, "same set in different order must still dedupe")
}

func TestEndReleasesForReAdmission(t *testing.T) {
	r := NewRegistry()
	obj, _ := r.Admit(5, KindNodeUp, []int{1}, "a", 0)
	r.End(obj.ID)
	require.False(t, r.Exists(obj.ID))
	_, ok := r.Admit(6, KindNodeUp, []int{1}, "a", 0)
	require.True(t, ok, "after End, the same (kind, nodeSet) may be re-admitted")
}

func TestDifferentKindsDoNotCollide(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Admit(1, KindNodeUp, []int{1}, "a", 0)
	require.True(t, ok)
	_, ok = r.Admit(2, KindNodeDown, []int{1}, "a", 0)
	require.True(t, ok, "same node set but different kind is a distinct failover")
}
