package cluster

import (
	"encoding/json"
	"time"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/failover"
	"github.com/pgwatch/pgwatch/internal/ipc"
	"github.com/pgwatch/pgwatch/internal/lock"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// handleIPCCommand routes one local-socket request to its handler. Verbs
// that only the coordinator can decide (failover, locking) are served
// locally when we are coordinator and forwarded to the believed master
// otherwise; the reply is delivered whenever that resolves.
func (n *Node) handleIPCCommand(ev cevent.Event) {
	switch ev.IPCType {
	case wire.IPCGetNodesList:
		n.ipcGetNodesList(ev)
	case wire.IPCGetMasterDataRequest:
		n.ipcGetMasterData(ev)
	case wire.IPCNodeStatusChange:
		n.ipcNodeStatusChange(ev)
	case wire.IPCFailoverCommand:
		n.ipcFailoverCommand(ev)
	case wire.IPCFailoverLockingRequest:
		n.ipcLockingRequest(ev)
	case wire.IPCOnlineRecoveryCommand:
		n.ipcOnlineRecovery(ev)
	default:
		ev.IPCReply(wire.ResultBad, []byte("unsupported command"))
	}
}

func (n *Node) ipcGetNodesList(ev cevent.Event) {
	doc := ipc.NodesListDoc{}
	if master, ok := n.remotes[n.MasterID()]; ok {
		doc.MasterNodeName = master.NodeName
	} else if n.self.State() == member.StateCoordinator {
		doc.MasterNodeName = n.self.NodeName
	}
	doc.Nodes = append(doc.Nodes, ipc.NodeStatusInfo{NodeName: n.self.NodeName, State: n.self.State().String(), Priority: n.self.Priority})
	for _, id := range n.order {
		rec := n.remotes[id]
		doc.Nodes = append(doc.Nodes, ipc.NodeStatusInfo{NodeName: rec.NodeName, State: rec.State().String(), Priority: rec.Priority})
	}
	b, _ := json.Marshal(doc)
	ev.IPCReply(wire.ResultOK, b)
}

func (n *Node) ipcGetMasterData(ev cevent.Event) {
	masterID := n.MasterID()
	if masterID == 0 || n.self.State() == member.StateCoordinator {
		b, _ := n.selfMembershipDoc().Marshal()
		ev.IPCReply(wire.ResultOK, b)
		return
	}
	master, ok := n.remotes[masterID]
	if !ok {
		ev.IPCReply(wire.ResultBad, []byte("no known master"))
		return
	}
	doc := wire.MembershipDoc{
		State: int(master.State()), StartTime: master.StartTime, Priority: master.Priority,
		WatchdogPort: master.WatchdogPort, ApplicationPort: master.ApplicationPort,
		Hostname: master.Hostname, DelegateIP: master.DelegateIP, NodeName: master.NodeName,
	}
	b, _ := doc.Marshal()
	ev.IPCReply(wire.ResultOK, b)
}

// ipcNodeStatusChange applies an external life-check collaborator's
// NODE_UP/NODE_DOWN report through handleLifecheck. A report that agrees
// with the peer's current state is a no-op; a single disagreeing report
// changes the state at once.
func (n *Node) ipcNodeStatusChange(ev cevent.Event) {
	var doc ipc.NodeStatusChangeDoc
	if err := json.Unmarshal(ev.IPCPayload, &doc); err != nil {
		ev.IPCReply(wire.ResultBad, []byte("malformed payload"))
		return
	}
	rec := n.findByName(doc.NodeName)
	if rec == nil {
		ev.IPCReply(wire.ResultBad, []byte("unknown node"))
		return
	}
	n.handleLifecheck(rec, doc.Up)
	ev.IPCReply(wire.ResultOK, nil)
}

// handleLifecheck acts on one life-check verdict: NODE_DOWN marks an active
// peer LOST, NODE_UP brings a LOST peer back as STANDBY. A repeated verdict
// (NODE_DOWN for a peer that is already inactive, NODE_UP for one that is
// not LOST) is a no-op.
func (n *Node) handleLifecheck(rec *member.Record, up bool) {
	state := rec.State()
	if up && state == member.StateLost {
		rec.SetState(member.StateStandby)
		n.refreshQuorum()
		return
	}
	if !up && state.Active() {
		rec.SetState(member.StateLost)
		n.refreshQuorum()
		if n.self.State() == member.StateCoordinator {
			for _, c := range n.tracker.InFlight() {
				n.tracker.NodeLost(c, rec.PrivateID)
			}
		}
	}
}

func (n *Node) findByName(name string) *member.Record {
	if n.self.NodeName == name {
		return n.self
	}
	for _, id := range n.order {
		if n.remotes[id].NodeName == name {
			return n.remotes[id]
		}
	}
	return nil
}

func (n *Node) ipcFailoverCommand(ev cevent.Event) {
	var doc ipc.FailoverCommandDoc
	if err := json.Unmarshal(ev.IPCPayload, &doc); err != nil {
		ev.IPCReply(wire.ResultBad, []byte("malformed payload"))
		return
	}
	kind, ok := parseFailoverVerb(doc.Verb)
	if !ok {
		ev.IPCReply(wire.ResultBad, []byte("unknown verb"))
		return
	}

	if n.self.State() == member.StateCoordinator {
		failoverID := n.tracker.NextCommandID()
		obj, admitted := n.failovers.Admit(failoverID, kind, doc.NodeSet, n.self.NodeName, time.Now().Unix())
		if !admitted {
			ev.IPCReply(wire.ResultClusterInTransition, nil)
			return
		}
		n.metrics.FailoversRun.WithLabelValues(obj.Kind.String()).Inc()
		n.runFailover(obj)
		ev.IPCReply(wire.ResultOK, nil)
		return
	}
	n.forwardToMaster(ev, wire.TypeRemoteFailoverRequest, remoteFailoverPayload{Kind: kind, NodeSet: doc.NodeSet, Requester: n.self.NodeName})
}

func parseFailoverVerb(v string) (failover.Kind, bool) {
	switch v {
	case "failback":
		return failover.KindNodeUp, true
	case "degenerate":
		return failover.KindNodeDown, true
	case "promote":
		return failover.KindPromote, true
	default:
		return 0, false
	}
}

func (n *Node) ipcLockingRequest(ev cevent.Event) {
	var doc ipc.LockingRequestDoc
	if err := json.Unmarshal(ev.IPCPayload, &doc); err != nil {
		ev.IPCReply(wire.ResultBad, []byte("malformed payload"))
		return
	}

	if n.self.State() == member.StateCoordinator {
		switch doc.Verb {
		case "status":
			status := n.locks.QueryStatus(doc.FailoverID)
			b, _ := json.Marshal(map[string]int{"status": int(status)})
			ev.IPCReply(wire.ResultOK, b)
		case "start":
			if n.locks.Start(n.self.NodeName, n.self.NodeName, doc.FailoverID) {
				n.metrics.LockGrants.WithLabelValues("start", "granted").Inc()
				ev.IPCReply(wire.ResultOK, nil)
			} else {
				n.metrics.LockGrants.WithLabelValues("start", "denied").Inc()
				ev.IPCReply(wire.ResultClusterInTransition, nil)
			}
		case "end":
			if err := n.locks.End(n.self.NodeName); err != nil {
				n.metrics.LockGrants.WithLabelValues("end", "denied").Inc()
				ev.IPCReply(wire.ResultBad, []byte(err.Error()))
			} else {
				n.metrics.LockGrants.WithLabelValues("end", "granted").Inc()
				ev.IPCReply(wire.ResultOK, nil)
			}
		case "release-sublock":
			if err := n.locks.ReleaseSubLock(n.self.NodeName, lock.SubLock(doc.SubLock)); err != nil {
				n.metrics.LockGrants.WithLabelValues("release-sublock", "denied").Inc()
				ev.IPCReply(wire.ResultBad, []byte(err.Error()))
			} else {
				n.metrics.LockGrants.WithLabelValues("release-sublock", "granted").Inc()
				ev.IPCReply(wire.ResultOK, nil)
			}
		default:
			ev.IPCReply(wire.ResultBad, []byte("unknown verb"))
		}
		return
	}
	n.forwardToMaster(ev, wire.TypeFailoverLockingRequest, lockingPeerPayload{Verb: doc.Verb, FailoverID: doc.FailoverID, SubLock: doc.SubLock})
}

func (n *Node) ipcOnlineRecovery(ev cevent.Event) {
	if n.self.State() != member.StateCoordinator {
		n.forwardToMaster(ev, wire.TypeOnlineRecoveryCommand, struct{}{})
		return
	}
	// The recovery script itself is the host process's responsibility; the
	// coordinator only needs to fan the request out so every node observes
	// the in-progress recovery window.
	n.issue(wire.TypeOnlineRecoveryCommand, ev.IPCPayload, targetAllExceptSource, clustercmd.SourceIPC, 0, TimeoutDeclareCoordinator)
	ev.IPCReply(wire.ResultOK, nil)
}

// forwardToMaster relays a standby's IPC request to the believed
// coordinator as a tracked peer command, remembering the reply closure
// under its commandID so completeForward can resolve it later.
func (n *Node) forwardToMaster(ev cevent.Event, t wire.Type, payload interface{}) {
	master, ok := n.remotes[n.MasterID()]
	if !ok {
		ev.IPCReply(wire.ResultBad, []byte("no known coordinator to forward to"))
		return
	}
	b, _ := json.Marshal(payload)
	cmd := n.issue(t, b, targetOne, clustercmd.SourceIPC, master.PrivateID, TimeoutJoinCoordinator)
	n.pendingForward[cmd.CommandID] = ev.IPCReply
}
