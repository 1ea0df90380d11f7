// Package cevent defines the event vocabulary the single-threaded event
// loop dispatches to the state machine. It depends only on internal/wire,
// which lets both the connection manager and the cluster package
// import it without creating an import cycle.
package cevent

import (
	"net"

	"github.com/pgwatch/pgwatch/internal/wire"
)

// Kind enumerates the ~15 event kinds the state machine reacts to.
type Kind int

const (
	KindPacketReceived Kind = iota
	KindNewOutboundConnection
	KindOutboundConnectFailed
	KindInboundAccepted
	KindConnectionClosed
	KindCommandFinished
	KindBeaconTimer
	KindReconnectTimer
	KindUnreachableCheckTimer
	KindOneShotTimeout
	KindIPCCommand
	KindLifecheckNodeUp
	KindLifecheckNodeDown
	KindNetworkInterfaceDown
	KindNetworkInterfaceUp
	KindSignalShutdown
	KindChildReaped
)

func (k Kind) String() string {
	names := [...]string{
		"PACKET_RECEIVED", "NEW_OUTBOUND_CONNECTION", "OUTBOUND_CONNECT_FAILED",
		"INBOUND_ACCEPTED", "CONNECTION_CLOSED", "COMMAND_FINISHED", "BEACON_TIMER",
		"RECONNECT_TIMER", "UNREACHABLE_CHECK_TIMER", "ONE_SHOT_TIMEOUT",
		"IPC_COMMAND", "LIFECHECK_NODE_UP", "LIFECHECK_NODE_DOWN",
		"NETWORK_INTERFACE_DOWN", "NETWORK_INTERFACE_UP", "SIGNAL_SHUTDOWN",
		"CHILD_REAPED",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "UNKNOWN"
}

// IPCReply is how the IPC server's response is delivered back to the
// caller's socket. The cluster package calls it from the single event-loop
// goroutine once it has decided on a result; internal/ipc implements it by
// writing a framed response (and, for deferred commands, keeping the
// socket open until then).
type IPCReply func(tag wire.ResultTag, payload []byte) error

// Event is the single type flowing through the loop's fan-in channel. Only
// the fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	// Peer identity the event concerns, by private ID (0 = self not
	// applicable to most event kinds).
	PrivateID int

	Packet wire.Packet

	// ConnKey identifies the underlying socket (remote address for inbound,
	// dial target for outbound) across the events describing its lifecycle.
	ConnKey string

	// Conn is set for KindNewOutboundConnection/KindInboundAccepted so the
	// loop can bind it into the right Record's socket.
	Conn net.Conn

	Err error

	// IPC-specific fields, populated when Kind == KindIPCCommand.
	IPCType    wire.IPCType
	IPCPayload []byte
	IPCReply   IPCReply
	IPCID      string
}
