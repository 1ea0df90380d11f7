// Package clustercmd implements the cluster command tracker:
// correlating an outgoing broadcast/unicast with per-peer replies, and
// raising COMMAND_FINISHED once a completion predicate holds.
package clustercmd

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pgwatch/pgwatch/internal/wire"
)

// SourceKind is where the command that triggered this broadcast came from.
type SourceKind int

const (
	SourceIPC SourceKind = iota
	SourceRemote
	SourceLocal
	SourceInternal
)

// PeerResultState is a single target's progress within a command.
type PeerResultState int

const (
	ResultInit PeerResultState = iota
	ResultSent
	ResultReplied
	ResultSendError
	ResultDoNotSend
)

// Status is the terminal (or in-progress) disposition of a command.
type Status int

const (
	StatusInProgress Status = iota
	StatusAllReplied
	StatusTimeout
	StatusRejected
	StatusSendFailed
)

// PerPeerResult tracks one target's participation in a command.
type PerPeerResult struct {
	PrivateID int
	State     PeerResultState
	Reply     wire.Packet

	// RetryAfterTick counts loop ticks remaining before a SEND_ERROR
	// target is retried, recovered from original_source/wd_packet.c: a
	// send failure does not give up on a peer for the rest of the
	// command's lifetime, it is retried next tick if reachable again.
	RetryAfterTick int
}

// Command is a single in-flight cluster command (Cluster Command
// Record).
type Command struct {
	CommandID     uint32
	Source        SourceKind
	CommandPacket wire.Packet

	mu         sync.Mutex
	perPeer    map[int]*PerPeerResult
	sendCount  int
	replyCount int
	errorCount int
	deadline   time.Time
	status     Status
}

func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Command) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCount
}

func (c *Command) ReplyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyCount
}

// Targets returns every private ID this command was issued against,
// regardless of current per-peer state.
func (c *Command) Targets() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.perPeer))
	for id := range c.perPeer {
		out = append(out, id)
	}
	return out
}

func (c *Command) PerPeer(id int) (PerPeerResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.perPeer[id]
	if !ok {
		return PerPeerResult{}, false
	}
	return *r, true
}

// Tracker owns all in-flight commands plus a bounded recall cache of the
// terminal status of recently finalized ones, readable through Finalized.
type Tracker struct {
	mu       sync.Mutex
	inFlight map[uint32]*Command
	done     *lru.Cache[uint32, Status]
	nextID   uint32
}

// NewTracker creates a tracker. commandID allocation starts at 1 and is
// monotonic per local node.
func NewTracker() *Tracker {
	done, _ := lru.New[uint32, Status](256)
	return &Tracker{inFlight: map[uint32]*Command{}, done: done}
}

// NextCommandID allocates the next outgoing commandID.
func (t *Tracker) NextCommandID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return t.nextID
}

// Issue registers a new command against the given target private IDs
// (already filtered to "active" peers by the caller; inactive peers are
// never passed in, matching DO_NOT_SEND semantics at issue time).
func (t *Tracker) Issue(cmdID uint32, source SourceKind, pkt wire.Packet, targets []int, timeout time.Duration) *Command {
	c := &Command{
		CommandID:     cmdID,
		Source:        source,
		CommandPacket: pkt,
		perPeer:       make(map[int]*PerPeerResult, len(targets)),
		deadline:      time.Now().Add(timeout),
		status:        StatusInProgress,
	}
	for _, id := range targets {
		c.perPeer[id] = &PerPeerResult{PrivateID: id, State: ResultInit}
	}
	t.mu.Lock()
	t.inFlight[cmdID] = c
	t.mu.Unlock()
	return c
}

// MarkSent records a successful send to a target.
func (t *Tracker) MarkSent(c *Command, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.perPeer[id]; ok && r.State != ResultReplied {
		r.State = ResultSent
		c.sendCount++
	}
}

// MarkSendError records a failed send; the target may be retried next tick.
func (t *Tracker) MarkSendError(c *Command, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.perPeer[id]; ok {
		r.State = ResultSendError
		r.RetryAfterTick = 1
	}
}

// MarkDoNotSend excludes a target from the command entirely (it was
// inactive at issue time, or became LOST before being sent to).
func (t *Tracker) MarkDoNotSend(c *Command, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.perPeer[id]; ok && r.State != ResultDoNotSend {
		wasSent := r.State == ResultSent
		r.State = ResultDoNotSend
		if wasSent {
			c.sendCount--
		}
	}
}

// Reply matches an incoming reply packet by commandID, records it, and
// reports whether the command finalized as a result (and with what
// status). ok is false if no in-flight command has this ID (late/duplicate
// reply, or an IPC-originated packet with commandID 0).
func (t *Tracker) Reply(cmdID uint32, fromID int, reply wire.Packet) (cmd *Command, finalized bool, ok bool) {
	t.mu.Lock()
	c, present := t.inFlight[cmdID]
	t.mu.Unlock()
	if !present {
		return nil, false, false
	}

	c.mu.Lock()
	r, known := c.perPeer[fromID]
	if known && r.State == ResultSent {
		r.State = ResultReplied
		r.Reply = reply
		c.replyCount++
		if reply.Type == wire.TypeReject || reply.Type == wire.TypeError {
			c.errorCount++
		}
	}
	status := evaluateLocked(c)
	c.status = status
	c.mu.Unlock()

	if status != StatusInProgress {
		t.finalize(cmdID, status)
		return c, true, true
	}
	return c, false, true
}

// CheckTimeout finalizes c with StatusTimeout if its deadline has passed
// and it is still in progress.
func (t *Tracker) CheckTimeout(c *Command, now time.Time) bool {
	c.mu.Lock()
	if c.status != StatusInProgress || now.Before(c.deadline) {
		c.mu.Unlock()
		return false
	}
	c.status = StatusTimeout
	c.mu.Unlock()
	t.finalize(c.CommandID, StatusTimeout)
	return true
}

// NodeLost drops a target from consideration because it transitioned to
// LOST while we were waiting on it (its third finalization bullet).
func (t *Tracker) NodeLost(c *Command, id int) (finalized bool) {
	c.mu.Lock()
	if r, ok := c.perPeer[id]; ok && (r.State == ResultSent || r.State == ResultInit) {
		wasSent := r.State == ResultSent
		r.State = ResultDoNotSend
		if wasSent {
			c.sendCount--
		}
	}
	status := evaluateLocked(c)
	c.status = status
	c.mu.Unlock()
	if status != StatusInProgress {
		t.finalize(c.CommandID, status)
		return true
	}
	return false
}

// DueForRetry returns the targets whose RetryAfterTick has just elapsed,
// resetting them to ResultInit so the caller can attempt to resend. Targets
// still counting down have their counter decremented by one tick.
func (t *Tracker) DueForRetry(c *Command) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []int
	for id, r := range c.perPeer {
		if r.State != ResultSendError {
			continue
		}
		r.RetryAfterTick--
		if r.RetryAfterTick <= 0 {
			r.State = ResultInit
			due = append(due, id)
		}
	}
	return due
}

// evaluateLocked must be called with c.mu held. It implements the four
// finalization predicates of other than the wall-clock one
// (handled separately by CheckTimeout, since it needs "now").
func evaluateLocked(c *Command) Status {
	if c.errorCount > 0 {
		return StatusRejected
	}
	if c.sendCount > 0 && c.replyCount >= c.sendCount {
		return StatusAllReplied
	}
	return StatusInProgress
}

// finalize removes the command from the in-flight set and remembers its
// terminal status for a while for Finalized. Reply does not consult this
// cache: a late reply simply finds no in-flight command.
func (t *Tracker) finalize(cmdID uint32, status Status) {
	t.mu.Lock()
	delete(t.inFlight, cmdID)
	t.done.Add(cmdID, status)
	t.mu.Unlock()
}

// Lookup returns the in-flight command for cmdID, if any.
func (t *Tracker) Lookup(cmdID uint32) (*Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.inFlight[cmdID]
	return c, ok
}

// Finalized reports the remembered terminal status of a recently finished
// command, for diagnosing duplicate replies.
func (t *Tracker) Finalized(cmdID uint32) (Status, bool) {
	return t.done.Get(cmdID)
}

// InFlight returns all currently in-progress commands, for the loop's
// per-tick timeout sweep.
func (t *Tracker) InFlight() []*Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Command, 0, len(t.inFlight))
	for _, c := range t.inFlight {
		out = append(out, c)
	}
	return out
}
