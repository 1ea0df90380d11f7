package cluster

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// targetMode describes who a broadcast/unicast goes to.
type targetMode int

const (
	targetAll targetMode = iota
	targetAllExceptSource
	targetOne
)

// authHash computes its ADD_NODE authentication hash using HMAC-SHA256
// keyed by the configured auth_key.
func (n *Node) authHash(state member.State, startTime int64, watchdogPort int) string {
	if n.cfg.AuthKey == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(n.cfg.AuthKey))
	fmt.Fprintf(mac, "%d|%d|%d", int(state), startTime, watchdogPort)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyAuthHash recomputes and compares the authHash carried in an ADD_NODE
// payload.
func (n *Node) verifyAuthHash(doc wire.MembershipDoc) bool {
	if n.cfg.AuthKey == "" {
		return true
	}
	want := n.authHash(member.State(doc.State), doc.StartTime, doc.WatchdogPort)
	return hmac.Equal([]byte(want), []byte(doc.AuthHash))
}

// selfMembershipDoc builds the self-describing membership payload sent on
// ADD_NODE / INFO / DECLARE_COORDINATOR / IAM_COORDINATOR /
// STAND_FOR_COORDINATOR.
func (n *Node) selfMembershipDoc() wire.MembershipDoc {
	d := wire.MembershipDoc{
		State:           int(n.self.State()),
		StartTime:       n.self.StartTime,
		Priority:        n.self.Priority,
		WatchdogPort:    n.self.WatchdogPort,
		ApplicationPort: n.self.ApplicationPort,
		Hostname:        n.self.Hostname,
		DelegateIP:      n.self.DelegateIP,
		NodeName:        n.self.NodeName,
	}
	d.AuthHash = n.authHash(n.self.State(), n.self.StartTime, n.self.WatchdogPort)
	return d
}

// issue broadcasts/unicasts t with the given payload to the selected
// targets, registering a cluster command to track replies.
func (n *Node) issue(t wire.Type, payload []byte, mode targetMode, source clustercmd.SourceKind, only int, timeout time.Duration) *clustercmd.Command {
	cmdID := n.tracker.NextCommandID()
	pkt := wire.Packet{Type: t, CommandID: cmdID, Payload: payload}

	var targets []int
	for _, id := range n.order {
		rec := n.remotes[id]
		switch mode {
		case targetOne:
			if id != only {
				continue
			}
		case targetAllExceptSource:
			if id == only {
				continue
			}
		}
		if !rec.Active() {
			continue // DO_NOT_SEND, never counted
		}
		targets = append(targets, id)
	}

	cmd := n.tracker.Issue(cmdID, source, pkt, targets, timeout)
	for _, id := range targets {
		rec := n.remotes[id]
		conn := rec.WriteConn()
		if conn == nil {
			n.tracker.MarkSendError(cmd, id)
			continue
		}
		if err := wire.WritePeer(conn, pkt); err != nil {
			level.Debug(n.logger).Log("msg", "send failed", "peer", rec.NodeName, "err", err)
			n.tracker.MarkSendError(cmd, id)
			continue
		}
		rec.TouchSent(time.Now())
		n.tracker.MarkSent(cmd, id)
	}
	return cmd
}

// mustMarshal encodes a membership document, returning nil on the
// (practically impossible) encoding failure rather than threading an error
// through every broadcast call site.
func mustMarshal(d wire.MembershipDoc) []byte {
	b, err := d.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// reply sends a unicast reply to a single peer's commandID without creating
// a tracked command (ACCEPT/REJECT/ERROR replies don't themselves expect a
// reply).
func (n *Node) reply(rec *member.Record, t wire.Type, cmdID uint32, payload []byte) {
	conn := rec.WriteConn()
	if conn == nil {
		return
	}
	if err := wire.WritePeer(conn, wire.Packet{Type: t, CommandID: cmdID, Payload: payload}); err != nil {
		level.Debug(n.logger).Log("msg", "reply send failed", "peer", rec.NodeName, "err", err)
	}
}
