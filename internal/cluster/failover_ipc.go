package cluster

import (
	"encoding/json"
	"time"

	"github.com/go-kit/log/level"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/failover"
	"github.com/pgwatch/pgwatch/internal/lock"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// remoteFailoverPayload is the wire body of a peer REMOTE_FAILOVER_REQUEST:
// a standby relaying a local IPC failover command to the coordinator.
type remoteFailoverPayload struct {
	Kind      failover.Kind `json:"kind"`
	NodeSet   []int         `json:"node_set"`
	Requester string        `json:"requester"`
}

// lockingPeerPayload is the wire body of a peer FAILOVER_LOCKING_REQUEST.
type lockingPeerPayload struct {
	Verb       string `json:"verb"` // start | end | release-sublock | status
	FailoverID uint32 `json:"failover_id"`
	SubLock    int    `json:"sub_lock"`
}

// onRemoteFailoverRequest is the coordinator-side handler: admit the
// failover into the registry (deduping against one already in flight for
// the same kind/node-set) and fan it out as a FAILOVER_COMMAND.
func (n *Node) onRemoteFailoverRequest(rec *member.Record, p wire.Packet) {
	if n.self.State() != member.StateCoordinator {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}
	var req remoteFailoverPayload
	if err := json.Unmarshal(p.Payload, &req); err != nil {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}

	failoverID := n.tracker.NextCommandID()
	obj, admitted := n.failovers.Admit(failoverID, req.Kind, req.NodeSet, req.Requester, time.Now().Unix())
	if !admitted {
		level.Info(n.logger).Log("msg", "failover already in flight, rejecting duplicate", "kind", req.Kind, "nodes", req.NodeSet)
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}

	n.reply(rec, wire.TypeAccept, p.CommandID, nil)
	n.metrics.FailoversRun.WithLabelValues(obj.Kind.String()).Inc()
	n.runFailover(obj)
}

// runFailover broadcasts FAILOVER_COMMAND to every active peer and then
// fires the matching host-process callback right away; it does not wait
// for the peers' replies to the broadcast.
func (n *Node) runFailover(obj *failover.Object) {
	payload, _ := json.Marshal(remoteFailoverPayload{Kind: obj.Kind, NodeSet: obj.NodeSet, Requester: obj.Requester})
	n.issue(wire.TypeFailoverCommand, payload, targetAll, clustercmd.SourceIPC, 0, TimeoutDeclareCoordinator)

	switch obj.Kind {
	case failover.KindNodeDown:
		if n.OnDegenerate != nil {
			n.OnDegenerate(obj.NodeSet, obj.ID)
		}
	case failover.KindNodeUp:
		if n.OnFailback != nil {
			n.OnFailback(obj.NodeSet, obj.ID)
		}
	case failover.KindPromote:
		if n.OnPromote != nil && len(obj.NodeSet) > 0 {
			n.OnPromote(obj.NodeSet[0], obj.ID)
		}
	}
	n.failovers.End(obj.ID)
}

// onFailoverLockingRequest is the coordinator-side handler for a peer
// relaying a local IPC lock request. The lock table only ever grants the
// coordinator itself as holder, so requester is always n.self.NodeName
// here regardless of which standby is asking.
func (n *Node) onFailoverLockingRequest(rec *member.Record, p wire.Packet) {
	if n.self.State() != member.StateCoordinator {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}
	var req lockingPeerPayload
	if err := json.Unmarshal(p.Payload, &req); err != nil {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
		return
	}

	ok := true
	switch req.Verb {
	case "start":
		ok = n.locks.Start(n.self.NodeName, n.self.NodeName, req.FailoverID)
	case "end":
		ok = n.locks.End(n.self.NodeName) == nil
	case "release-sublock":
		ok = n.locks.ReleaseSubLock(n.self.NodeName, lock.SubLock(req.SubLock)) == nil
	case "status":
		// read-only, always "ok" from the peer-protocol point of view
	default:
		ok = false
	}

	outcome := "granted"
	if !ok {
		outcome = "denied"
	}
	n.metrics.LockGrants.WithLabelValues(req.Verb, outcome).Inc()

	if ok {
		n.reply(rec, wire.TypeAccept, p.CommandID, nil)
	} else {
		n.reply(rec, wire.TypeReject, p.CommandID, nil)
	}
}

// completeForward resolves a standby's forwarded IPC request once the
// coordinator's ACCEPT/REJECT for it finalizes.
func (n *Node) completeForward(cmd *clustercmd.Command, reply cevent.IPCReply) {
	if cmd.Status() == clustercmd.StatusAllReplied {
		reply(wire.ResultOK, nil)
		return
	}
	reply(wire.ResultBad, nil)
}
