// Package wire implements the peer and IPC framed packet codec.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is the closed set of peer wire message kinds.
type Type byte

const (
	TypeAddNode Type = iota + 1
	TypeRequestInfo
	TypeInfo
	TypeDeclareCoordinator
	TypeIAmCoordinator
	TypeStandForCoordinator
	TypeJoinCoordinator
	TypeAccept
	TypeReject
	TypeError
	TypeData
	TypeCmdReplyInData
	TypeRemoteFailoverRequest
	TypeOnlineRecoveryCommand
	TypeFailoverCommand
	TypeInformIAmGoingDown
	TypeAskForPoolConfig
	TypePoolConfigData
	TypeFailoverLockingRequest
	TypeGetMasterDataRequest
	TypeQuorumIsLost
	TypeIAmInNWTrouble
)

var typeNames = map[Type]string{
	TypeAddNode:               "ADD_NODE",
	TypeRequestInfo:           "REQUEST_INFO",
	TypeInfo:                  "INFO",
	TypeDeclareCoordinator:    "DECLARE_COORDINATOR",
	TypeIAmCoordinator:        "IAM_COORDINATOR",
	TypeStandForCoordinator:   "STAND_FOR_COORDINATOR",
	TypeJoinCoordinator:       "JOIN_COORDINATOR",
	TypeAccept:                "ACCEPT",
	TypeReject:                "REJECT",
	TypeError:                 "ERROR",
	TypeData:                  "DATA",
	TypeCmdReplyInData:        "CMD_REPLY_IN_DATA",
	TypeRemoteFailoverRequest: "REMOTE_FAILOVER_REQUEST",
	TypeOnlineRecoveryCommand: "ONLINE_RECOVERY_COMMAND",
	TypeFailoverCommand:       "FAILOVER_COMMAND",
	TypeInformIAmGoingDown:    "INFORM_I_AM_GOING_DOWN",
	TypeAskForPoolConfig:      "ASK_FOR_POOL_CONFIG",
	TypePoolConfigData:        "POOL_CONFIG_DATA",
	TypeFailoverLockingRequest: "FAILOVER_LOCKING_REQUEST",
	TypeGetMasterDataRequest:  "GET_MASTER_DATA_REQUEST",
	TypeQuorumIsLost:          "QUORUM_IS_LOST",
	TypeIAmInNWTrouble:        "IAM_IN_NW_TROUBLE",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// MaxPayloadLen bounds the declared length field so a corrupt or hostile
// peer can't make us allocate without limit.
const MaxPayloadLen = 16 << 20 // 16 MiB

// ErrPayloadTooLarge is returned by ReadPeer and ReadIPC when the declared length exceeds
// MaxPayloadLen; callers must close the connection on this error.
var ErrPayloadTooLarge = errors.New("wire: declared payload length exceeds ceiling")

// Packet is a single framed message. CommandID is always zero on the wire
// for IPC frames (the codec variant that omits the field); peer frames
// always carry it.
type Packet struct {
	Type      Type
	CommandID uint32
	Payload   []byte
}

// WritePeer serializes p in the peer wire format:
// [1B type][4B commandID BE][4B length BE][payload].
// Partial writes are retried internally; callers never observe a half frame.
func WritePeer(w io.Writer, p Packet) error {
	buf := make([]byte, 9+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], p.CommandID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(p.Payload)))
	copy(buf[9:], p.Payload)
	return writeFull(w, buf)
}

// ReadPeer parses one peer frame from r. A short read (including EOF mid
// frame) is surfaced as an error; the caller must close the connection.
func ReadPeer(r io.Reader) (Packet, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, errors.Wrap(err, "wire: read peer header")
	}
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > MaxPayloadLen {
		return Packet{}, ErrPayloadTooLarge
	}
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Packet{}, errors.Wrap(err, "wire: read peer payload")
		}
	}
	return Packet{Type: Type(hdr[0]), CommandID: binary.BigEndian.Uint32(hdr[1:5]), Payload: payload}, nil
}

// WriteIPC serializes p in the IPC wire format, which omits the commandID:
// [1B type][4B length BE][payload].
func WriteIPC(w io.Writer, p Packet) error {
	buf := make([]byte, 5+len(p.Payload))
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(p.Payload)))
	copy(buf[5:], p.Payload)
	return writeFull(w, buf)
}

// ReadIPC parses one IPC frame from r.
func ReadIPC(r io.Reader) (Packet, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, errors.Wrap(err, "wire: read ipc header")
	}
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > MaxPayloadLen {
		return Packet{}, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Packet{}, errors.Wrap(err, "wire: read ipc payload")
		}
	}
	return Packet{Type: Type(hdr[0]), Payload: payload}, nil
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return errors.Wrap(err, "wire: write")
		}
		buf = buf[n:]
	}
	return nil
}
