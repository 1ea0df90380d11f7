package cluster

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// Run starts every subsystem and blocks until Shutdown is called or a
// terminating signal arrives. It is the single goroutine that ever mutates
// Node state; everything else only ever produces events onto n.events.
func (n *Node) Run(bindAddr string) error {
	if err := n.conn.Listen(bindAddr); err != nil {
		return err
	}
	if err := n.ipcServer.Listen(); err != nil {
		return err
	}
	defer n.conn.Close()
	defer n.ipcServer.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigc)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	// Self already starts in LOADING, so transitionTo would see no change and
	// skip the entry action; run it directly.
	n.enterLoading()

	for {
		select {
		case <-n.stopc:
			n.shutdownGracefully()
			return nil
		case sig := <-sigc:
			level.Info(n.logger).Log("msg", "received signal", "signal", sig)
			n.shutdownGracefully()
			return nil
		case ev := <-n.events:
			n.dispatch(ev)
		case now := <-ticker.C:
			n.onTick(now)
		}
	}
}

func (n *Node) dispatch(ev cevent.Event) {
	switch ev.Kind {
	case cevent.KindPacketReceived:
		n.handlePacket(ev)
	case cevent.KindNewOutboundConnection:
		if rec, ok := n.remotes[ev.PrivateID]; ok {
			n.conn.NoteDialSuccess(ev.PrivateID)
			rec.BindClientSocket(ev.Conn)
			n.sendAddNode(rec)
		}
	case cevent.KindOutboundConnectFailed:
		if rec, ok := n.remotes[ev.PrivateID]; ok {
			rec.MarkDialFailed(n.conn.NoteDialFailure(ev.PrivateID))
		}
	case cevent.KindConnectionClosed:
		n.handleConnectionClosed(ev)
	case cevent.KindIPCCommand:
		n.handleIPCCommand(ev)
	case cevent.KindLifecheckNodeUp:
		if rec, ok := n.remotes[ev.PrivateID]; ok {
			n.handleLifecheck(rec, true)
		}
	case cevent.KindLifecheckNodeDown:
		if rec, ok := n.remotes[ev.PrivateID]; ok {
			n.handleLifecheck(rec, false)
		}
	}
}

func (n *Node) handleConnectionClosed(ev cevent.Event) {
	id := ev.PrivateID
	if id < 0 {
		if resolved, ok := n.connKeyToID[ev.ConnKey]; ok {
			id = resolved
			delete(n.connKeyToID, ev.ConnKey)
		} else {
			return
		}
	}
	rec, ok := n.remotes[id]
	if !ok {
		return
	}
	if rec.ClientSocket().Conn != nil {
		rec.ClientSocket().State = member.ConnDisconnected
	}
	if rec.ServerSocket().Conn != nil {
		rec.ServerSocket().State = member.ConnDisconnected
	}
	level.Debug(n.logger).Log("msg", "peer connection closed", "peer", rec.NodeName)
}

// sendAddNode performs our half of the handshake on a freshly dialed
// outbound socket: announce ourselves, expecting ACCEPT/REJECT back.
func (n *Node) sendAddNode(rec *member.Record) {
	cmdID := n.tracker.NextCommandID()
	payload, err := n.selfMembershipDoc().Marshal()
	if err != nil {
		return
	}
	pkt := wire.Packet{Type: wire.TypeAddNode, CommandID: cmdID, Payload: payload}
	if err := wire.WritePeer(rec.ClientSocket().Conn, pkt); err != nil {
		level.Debug(n.logger).Log("msg", "ADD_NODE send failed", "peer", rec.NodeName, "err", err)
	}
}

// onTick runs the per-second sweep: command timeouts and retries, stale
// beacon detection, reconnects, and quorum/coordinator maintenance.
func (n *Node) onTick(now time.Time) {
	for _, cmd := range n.tracker.InFlight() {
		if n.tracker.CheckTimeout(cmd, now) {
			n.metrics.CommandTimeouts.WithLabelValues(cmd.CommandPacket.Type.String()).Inc()
			if cb, isForward := n.pendingForward[cmd.CommandID]; isForward {
				delete(n.pendingForward, cmd.CommandID)
				n.completeForward(cmd, cb)
			} else {
				n.handleCommandFinished(cmd)
			}
			continue
		}
		n.retrySendErrors(cmd)
	}

	for _, id := range n.order {
		rec := n.remotes[id]
		if !rec.Active() {
			continue
		}
		if rec.State() != member.StateShutdown && now.Sub(rec.LastReceived()) > UnreachableDeadline && !rec.LastReceived().IsZero() {
			level.Warn(n.logger).Log("msg", "peer unreachable, marking lost", "peer", rec.NodeName)
			rec.SetState(member.StateLost)
			for _, c := range n.tracker.InFlight() {
				n.tracker.NodeLost(c, id)
			}
			n.refreshQuorum()
			if n.MasterID() == id {
				n.setMaster(-1)
				n.transitionTo(member.StateJoining)
			}
		}
		if !rec.Reachable() {
			n.ensureOutbound(rec)
		}
	}

	if n.self.State() == member.StateCoordinator && now.Sub(n.lastBeaconSent) >= BeaconInterval {
		n.lastBeaconSent = now
		n.issue(wire.TypeIAmCoordinator, mustMarshal(n.selfMembershipDoc()), targetAll, clustercmd.SourceInternal, 0, TimeoutIAmCoordinator)
	}

	n.refreshQuorum()
}

// retrySendErrors resends cmd's packet to any target whose earlier send
// failed, once its retry countdown reaches zero (recovered from
// original_source/wd_packet.c's per-tick retry of failed sends).
func (n *Node) retrySendErrors(cmd *clustercmd.Command) {
	for _, id := range n.tracker.DueForRetry(cmd) {
		rec, ok := n.remotes[id]
		if !ok || !rec.Active() {
			n.tracker.MarkDoNotSend(cmd, id)
			continue
		}
		conn := rec.WriteConn()
		if conn == nil {
			n.tracker.MarkSendError(cmd, id)
			continue
		}
		if err := wire.WritePeer(conn, cmd.CommandPacket); err != nil {
			n.tracker.MarkSendError(cmd, id)
			continue
		}
		rec.TouchSent(time.Now())
		n.tracker.MarkSent(cmd, id)
	}
}

// shutdownGracefully announces our departure, gives the escalation
// supervisor a chance to run the de-escalation script, then lets Run
// return.
func (n *Node) shutdownGracefully() {
	wasCoordinator := n.self.State() == member.StateCoordinator
	n.self.SetState(member.StateShutdown)
	n.issue(wire.TypeInformIAmGoingDown, nil, targetAll, clustercmd.SourceInternal, 0, 500*time.Millisecond)
	if wasCoordinator {
		n.escalation.Deescalate()
	}
	n.escalation.AwaitQuiescent(5 * time.Second)
}
