// Package failover implements the coordinator-side failover registry,
// deduplicating concurrent failover requests by (kind, node set) and
// driving their replication.
package failover

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Kind is the failover operation requested by the application.
type Kind int

const (
	KindNodeUp Kind = iota
	KindNodeDown
	KindPromote
)

func (k Kind) String() string {
	switch k {
	case KindNodeUp:
		return "NODE_UP"
	case KindNodeDown:
		return "NODE_DOWN"
	case KindPromote:
		return "PROMOTE"
	default:
		return "UNKNOWN"
	}
}

// Object is one admitted failover.
type Object struct {
	ID        uint32
	Kind      Kind
	NodeSet   []int
	Requester string
	StartTime int64
}

// dedupKey hashes (kind, sorted node-set) into a comparable map key. xxhash
// is used the way the rest of the domain stack reaches for a fast
// non-cryptographic hash rather than hand-rolling one (explicitly
// keeps cryptographic hashing external; dedup hashing has no such
// constraint and SPEC_FULL wires xxhash in here).
func dedupKey(kind Kind, nodeSet []int) uint64 {
	sorted := append([]int(nil), nodeSet...)
	sort.Ints(sorted)
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(kind)))
	for _, n := range sorted {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(n))
	}
	return xxhash.Sum64String(sb.String())
}

// Registry holds all currently-admitted failover objects on the
// coordinator. At most one object per (kind, nodeSet) exists between
// admission and its matching `end`.
type Registry struct {
	mu    sync.Mutex
	byKey map[uint64]*Object
	byID  map[uint32]*Object
}

func NewRegistry() *Registry {
	return &Registry{byKey: map[uint64]*Object{}, byID: map[uint32]*Object{}}
}

// Admit looks up (kind, nodeSet); if an object is already registered it is
// returned with admitted=false. The callers in internal/cluster answer such
// a duplicate with REJECT (peer request) or CLUSTER_IN_TRAN (IPC request)
// and do not send the existing object's ID back. Otherwise a
// new object is inserted under the given ID (the coordinator's own
// commandID at admission time) and returned with ok=true.
func (r *Registry) Admit(id uint32, kind Kind, nodeSet []int, requester string, startTime int64) (obj *Object, admitted bool) {
	key := dedupKey(kind, nodeSet)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		return existing, false
	}
	obj = &Object{ID: id, Kind: kind, NodeSet: append([]int(nil), nodeSet...), Requester: requester, StartTime: startTime}
	r.byKey[key] = obj
	r.byID[id] = obj
	return obj, true
}

// End releases the failover object for failoverID (`end` verb
// cross-effect: "removes the failover object for this failoverID").
func (r *Registry) End(failoverID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.byID[failoverID]
	if !ok {
		return
	}
	delete(r.byID, failoverID)
	delete(r.byKey, dedupKey(obj.Kind, obj.NodeSet))
}

// Exists reports whether a failover object is currently admitted for
// failoverID, used by internal/lock to answer NO_HOLDER_BUT_WAIT.
func (r *Registry) Exists(failoverID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[failoverID]
	return ok
}

// Get returns the object for a failoverID, if any.
func (r *Registry) Get(failoverID uint32) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.byID[failoverID]
	return obj, ok
}
