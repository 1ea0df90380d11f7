package cluster

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// handleAddNodeHandshake processes an ADD_NODE arriving on a connection
// connmgr hasn't yet attributed to a configured peer. The sender is matched
// against the configured remote list by hostname/ports; anything else is
// rejected and the socket dropped.
func (n *Node) handleAddNodeHandshake(connKey string, p wire.Packet) {
	conn, ok := n.conn.TakeUnidentified(connKey)
	if !ok {
		return
	}
	if p.Type != wire.TypeAddNode {
		conn.Close()
		return
	}

	doc, err := wire.ParseMembershipDoc(p.Payload)
	if err != nil {
		level.Warn(n.logger).Log("msg", "malformed ADD_NODE handshake", "err", err)
		conn.Close()
		return
	}
	if !n.verifyAuthHash(doc) {
		level.Warn(n.logger).Log("msg", "ADD_NODE auth hash mismatch", "from", doc.NodeName)
		n.metrics.AuthRejections.Inc()
		wire.WritePeer(conn, wire.Packet{Type: wire.TypeReject, CommandID: p.CommandID})
		conn.Close()
		return
	}

	rec := n.findByIdentity(doc.Hostname, doc.WatchdogPort, doc.ApplicationPort)
	if rec == nil {
		level.Warn(n.logger).Log("msg", "ADD_NODE from unconfigured peer", "hostname", doc.Hostname, "port", doc.WatchdogPort)
		wire.WritePeer(conn, wire.Packet{Type: wire.TypeReject, CommandID: p.CommandID})
		conn.Close()
		return
	}

	rec.BindServerSocket(conn)
	applyDoc(rec, doc)
	n.connKeyToID[connKey] = rec.PrivateID
	wire.WritePeer(conn, wire.Packet{Type: wire.TypeAccept, CommandID: p.CommandID})
}

func (n *Node) findByIdentity(hostname string, watchdogPort, applicationPort int) *member.Record {
	for _, id := range n.order {
		rec := n.remotes[id]
		if rec.Hostname == hostname && rec.WatchdogPort == watchdogPort && rec.ApplicationPort == applicationPort {
			return rec
		}
	}
	return nil
}

// ensureOutbound dials a remote if we don't already have a live client
// socket to it, no dial to it is still in flight, and its reconnect backoff
// has elapsed.
func (n *Node) ensureOutbound(rec *member.Record) {
	sock := rec.ClientSocket()
	if sock.State == member.ConnConnected || sock.State == member.ConnWaitingForConnect {
		return
	}
	if time.Now().Before(sock.NextRetryAt) {
		return
	}
	rec.MarkDialAttempt(time.Now())
	n.conn.DialOutbound(context.Background(), rec.PrivateID, n.addrFor(rec))
}
