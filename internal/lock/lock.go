// Package lock implements the coordinator-hosted failover lock table. Only
// the coordinator ever serves these requests; standbys forward (see
// internal/cluster).
package lock

import (
	"sync"

	"github.com/pkg/errors"
)

// SubLock indexes the small fixed set of named sub-locks guarded by the
// coordinator-held lock.
type SubLock int

const (
	SubLockFailover SubLock = iota
	SubLockFailback
	SubLockFollowMaster
	numSubLocks
)

// Verb is one of the four lock request kinds.
type Verb int

const (
	VerbStart Verb = iota
	VerbEnd
	VerbReleaseSubLock
	VerbStatus
)

// Status is the reply to a `status` verb.
type Status int

const (
	StatusLocked Status = iota
	StatusUnlocked
	StatusNoHolder
	StatusNoHolderButWait
)

// ErrNotHolder is returned when a non-holder attempts `end` while a
// different holder is present, or `release-sublock` without being the
// current holder.
var ErrNotHolder = errors.New("lock: caller is not the current holder")

// HasPendingFailover reports, for a given failoverID, whether a failover
// object exists that hasn't yet caused the coordinator to acquire the lock,
// used to answer NO_HOLDER_BUT_WAIT.
type HasPendingFailover func(failoverID uint32) bool

// Table is the per-coordinator lock state. It is only meaningful while the
// local node is COORDINATOR; the caller is responsible for not routing
// requests here otherwise.
type Table struct {
	mu       sync.Mutex
	holder   string // requester identity; "" means no holder
	subLocks [numSubLocks]bool
	failoverID uint32

	pending HasPendingFailover
}

// NewTable creates an empty lock table. pending answers whether a failover
// object is admitted for a given ID but not yet lock-acquired.
func NewTable(pending HasPendingFailover) *Table {
	return &Table{pending: pending}
}

// Start handles the `start` verb. Only the coordinator itself (identified
// by requester == coordinatorSelf) may become holder (and the
// Open Question in confirming this restriction is intentional).
func (t *Table) Start(requester, coordinatorSelf string, failoverID uint32) (acquired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != "" {
		return false
	}
	if requester != coordinatorSelf {
		return false
	}
	t.holder = requester
	t.failoverID = failoverID
	for i := range t.subLocks {
		t.subLocks[i] = true
	}
	return true
}

// End handles the `end` verb: accepted from the current holder, or when
// there is no holder at all (idempotent release).
func (t *Table) End(requester string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != "" && t.holder != requester {
		return ErrNotHolder
	}
	t.holder = ""
	t.failoverID = 0
	for i := range t.subLocks {
		t.subLocks[i] = false
	}
	return nil
}

// ReleaseSubLock clears a single sub-lock; holder-only.
func (t *Table) ReleaseSubLock(requester string, sl SubLock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder == "" || t.holder != requester {
		return ErrNotHolder
	}
	t.subLocks[sl] = false
	return nil
}

// QueryStatus handles the `status` verb for a given failoverID.
func (t *Table) QueryStatus(failoverID uint32) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != "" {
		return StatusLocked
	}
	if t.pending != nil && t.pending(failoverID) {
		return StatusNoHolderButWait
	}
	return StatusNoHolder
}

// Holder returns the current holder identity, or "" if unlocked.
func (t *Table) Holder() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}
