package cluster

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// op identifies which of the state machine's sequential broadcasts a
// finalized cluster command belongs to, so handleCommandFinished knows
// which continuation to run.
type op int

const (
	opNone op = iota
	opLoadingAddNode
	opJoiningRequestInfo
	opStandForCoordinator
	opDeclareCoordinator
	opJoinCoordinator
	opBeacon
)

func (n *Node) transitionTo(next member.State) {
	prev := n.self.State()
	if prev == next {
		return
	}
	n.self.SetState(next)
	level.Info(n.logger).Log("msg", "state transition", "from", prev, "to", next)
	n.metrics.NodeState.Reset()
	n.metrics.NodeState.WithLabelValues(n.self.NodeName, next.String()).Set(1)

	switch next {
	case member.StateLoading:
		n.enterLoading()
	case member.StateJoining:
		n.enterJoining()
	case member.StateInitializing:
		n.enterInitializing()
	case member.StateStandForCoordinator:
		n.enterStandForCoordinator()
	case member.StateCoordinator:
		n.enterCoordinator()
	case member.StateStandby:
		n.enterStandby()
	}

	if prev == member.StateCoordinator && next != member.StateCoordinator {
		n.escalation.Deescalate()
		n.metrics.Escalations.WithLabelValues("down").Inc()
	}
}

// --- state entry actions -------------------------------------------------

func (n *Node) enterLoading() {
	n.pendingOp = opLoadingAddNode
	n.issue(wire.TypeAddNode, mustMarshal(n.selfMembershipDoc()), targetAll, clustercmd.SourceLocal, 0, LoadingDeadline)
}

func (n *Node) enterJoining() {
	n.setMaster(-1)
	n.pendingOp = opJoiningRequestInfo
	n.issue(wire.TypeRequestInfo, nil, targetAll, clustercmd.SourceLocal, 0, JoiningDeadline)
}

// enterInitializing implements its no-I/O INITIALIZING state: a
// pure function of observed remote states.
func (n *Node) enterInitializing() {
	anyOther := false
	sawCoordinator := false
	sawCandidate := false
	for _, id := range n.order {
		rec := n.remotes[id]
		if !rec.Active() {
			continue
		}
		anyOther = true
		switch rec.State() {
		case member.StateCoordinator:
			sawCoordinator = true
			n.setMaster(id)
		case member.StateStandForCoordinator:
			sawCandidate = true
		}
	}
	switch {
	case sawCoordinator:
		n.transitionTo(member.StateStandby)
	case !anyOther:
		n.transitionTo(member.StateCoordinator)
	case sawCandidate:
		n.transitionTo(member.StateParticipateInElection)
	default:
		n.transitionTo(member.StateStandForCoordinator)
	}
}

func (n *Node) enterStandForCoordinator() {
	n.pendingOp = opStandForCoordinator
	n.issue(wire.TypeStandForCoordinator, mustMarshal(n.selfMembershipDoc()), targetAll, clustercmd.SourceLocal, 0, ElectionDeadline)
}

func (n *Node) enterCoordinator() {
	n.pendingOp = opDeclareCoordinator
	n.issue(wire.TypeDeclareCoordinator, mustMarshal(n.selfMembershipDoc()), targetAll, clustercmd.SourceLocal, 0, TimeoutDeclareCoordinator)
}

func (n *Node) enterStandby() {
	n.pendingOp = opJoinCoordinator
	master, ok := n.remotes[n.MasterID()]
	if !ok {
		return
	}
	n.issue(wire.TypeJoinCoordinator, mustMarshal(n.selfMembershipDoc()), targetOne, clustercmd.SourceLocal, master.PrivateID, TimeoutJoinCoordinator)
}

// --- command finalization -------------------------------------------------

func (n *Node) handleCommandFinished(cmd *clustercmd.Command) {
	switch n.pendingOp {
	case opLoadingAddNode:
		if cmd.Status() == clustercmd.StatusRejected {
			level.Error(n.logger).Log("msg", "ADD_NODE rejected by a peer, fatal misconfiguration")
			n.Shutdown()
			return
		}
		n.transitionTo(member.StateJoining)

	case opJoiningRequestInfo:
		n.transitionTo(member.StateInitializing)

	case opStandForCoordinator:
		switch cmd.Status() {
		case clustercmd.StatusAllReplied, clustercmd.StatusTimeout:
			n.transitionTo(member.StateCoordinator)
		case clustercmd.StatusRejected:
			n.transitionTo(member.StateParticipateInElection)
		}

	case opDeclareCoordinator:
		if cmd.Status() == clustercmd.StatusAllReplied || cmd.Status() == clustercmd.StatusTimeout {
			n.setMaster(0) // self
			n.refreshQuorum()
			if n.Quorum() != QuorumLost {
				n.escalation.Escalate(n.self.DelegateIP)
				n.metrics.Escalations.WithLabelValues("up").Inc()
			}
		}

	case opJoinCoordinator:
		// Reply informational only; standby continues regardless.
	}
	n.pendingOp = opNone
}

// --- packet handling by current state -------------------------------------

func (n *Node) handlePacket(ev cevent.Event) {
	p := ev.Packet
	senderID := ev.PrivateID
	if senderID < 0 {
		if id, ok := n.connKeyToID[ev.ConnKey]; ok {
			senderID = id
		} else {
			n.handleAddNodeHandshake(ev.ConnKey, p)
			return
		}
	}
	rec, ok := n.remotes[senderID]
	if !ok {
		return
	}
	rec.TouchReceived(time.Now())

	// Replies to our own in-flight commands are routed through the
	// tracker first; request-like packets fall through to per-state
	// handling below.
	if p.CommandID != 0 {
		if cmd, finalized, known := n.tracker.Reply(p.CommandID, senderID, p); known {
			if finalized {
				if cb, isForward := n.pendingForward[p.CommandID]; isForward {
					delete(n.pendingForward, p.CommandID)
					n.completeForward(cmd, cb)
				} else {
					n.handleCommandFinished(cmd)
				}
			}
			if p.Type == wire.TypeAccept || p.Type == wire.TypeReject || p.Type == wire.TypeError {
				return
			}
		}
	}

	switch p.Type {
	case wire.TypeInfo:
		n.onInfo(rec, p)
	case wire.TypeRequestInfo:
		n.onRequestInfo(rec, p)
	case wire.TypeDeclareCoordinator:
		n.onDeclareCoordinator(rec, p)
	case wire.TypeIAmCoordinator:
		n.onIAmCoordinator(rec, p)
	case wire.TypeStandForCoordinator:
		n.onStandForCoordinator(rec, p)
	case wire.TypeJoinCoordinator:
		n.onJoinCoordinator(rec, p)
	case wire.TypeInformIAmGoingDown:
		rec.SetState(member.StateShutdown)
	case wire.TypeRemoteFailoverRequest:
		n.onRemoteFailoverRequest(rec, p)
	case wire.TypeFailoverLockingRequest:
		n.onFailoverLockingRequest(rec, p)
	}
}

func (n *Node) onInfo(rec *member.Record, p wire.Packet) {
	doc, err := wire.ParseMembershipDoc(p.Payload)
	if err != nil {
		return
	}
	applyDoc(rec, doc)
}

func (n *Node) onRequestInfo(rec *member.Record, p wire.Packet) {
	n.reply(rec, wire.TypeInfo, p.CommandID, mustMarshal(n.selfMembershipDoc()))
}

// onDeclareCoordinator handles an incoming claim of coordinatorship. Split
// brain detection: if we are already COORDINATOR or a STANDBY
// of a *different* master, we re-join.
func (n *Node) onDeclareCoordinator(rec *member.Record, p wire.Packet) {
	doc, err := wire.ParseMembershipDoc(p.Payload)
	if err != nil {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}
	applyDoc(rec, doc)

	switch n.self.State() {
	case member.StateCoordinator:
		level.Warn(n.logger).Log("msg", "split brain: DECLARE_COORDINATOR seen while we are coordinator", "from", rec.NodeName)
		n.reply(rec, wire.TypeAccept, p.CommandID, nil)
		n.transitionTo(member.StateJoining)
	case member.StateStandby:
		if rec.PrivateID != n.MasterID() {
			level.Warn(n.logger).Log("msg", "split brain: new coordinator seen that isn't our master", "from", rec.NodeName)
			n.reply(rec, wire.TypeAccept, p.CommandID, nil)
			n.transitionTo(member.StateJoining)
			return
		}
		n.reply(rec, wire.TypeAccept, p.CommandID, nil)
	default:
		n.setMaster(rec.PrivateID)
		n.reply(rec, wire.TypeAccept, p.CommandID, nil)
	}
}

func (n *Node) onIAmCoordinator(rec *member.Record, p wire.Packet) {
	doc, err := wire.ParseMembershipDoc(p.Payload)
	if err == nil {
		applyDoc(rec, doc)
	}
	if n.self.State() == member.StateCoordinator {
		level.Warn(n.logger).Log("msg", "split brain: IAM_COORDINATOR beacon seen while we are coordinator", "from", rec.NodeName)
		n.transitionTo(member.StateJoining)
		return
	}
	if n.self.State() == member.StateStandby && rec.PrivateID == n.MasterID() {
		rec.TouchReceived(time.Now())
	}
}

// onStandForCoordinator implements the election tie-break. We only ever
// have one local candidacy in flight, so "received the other's STAND_FOR
// first" reduces to: whichever side is asked to yield here (the receiver)
// does so unless it clearly outranks the sender.
func (n *Node) onStandForCoordinator(rec *member.Record, p wire.Packet) {
	doc, err := wire.ParseMembershipDoc(p.Payload)
	if err != nil {
		return
	}
	applyDoc(rec, doc)

	if n.self.State() != member.StateStandForCoordinator {
		n.reply(rec, wire.TypeAccept, p.CommandID, nil)
		return
	}

	us := Candidate{NodeName: n.self.NodeName, Priority: n.self.Priority, StartTime: n.self.StartTime}
	them := Candidate{NodeName: rec.NodeName, Priority: rec.Priority, StartTime: rec.StartTime}

	if us.Beats(them) {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}
	// They beat us, or it's an exact tie and we received their bid: the
	// receiver yields.
	n.reply(rec, wire.TypeAccept, p.CommandID, nil)
	n.transitionTo(member.StateParticipateInElection)
}

func (n *Node) onJoinCoordinator(rec *member.Record, p wire.Packet) {
	if n.self.State() != member.StateCoordinator {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}
	n.reply(rec, wire.TypeAccept, p.CommandID, nil)
}

func applyDoc(rec *member.Record, doc wire.MembershipDoc) {
	rec.SetState(member.State(doc.State))
	rec.DelegateIP = doc.DelegateIP
	rec.Priority = doc.Priority
	rec.StartTime = doc.StartTime
	rec.TouchReceived(time.Now())
}
