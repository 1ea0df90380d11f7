package ipc

import (
	"encoding/json"

	"github.com/pgwatch/pgwatch/internal/wire"
)

func parseAuthDoc(payload []byte, out *wire.IPCAuthDoc) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// NodeStatusChangeDoc is the payload of an IPC NODE_STATUS_CHANGE command:
// an external life-check collaborator reporting a peer's up/down transition,
// since this process does not itself probe peer reachability below TCP.
type NodeStatusChangeDoc struct {
	wire.IPCAuthDoc
	NodeName string `json:"node_name"`
	Up       bool   `json:"up"`
}

// FailoverCommandDoc is the payload of an IPC FAILOVER_COMMAND request.
type FailoverCommandDoc struct {
	wire.IPCAuthDoc
	Verb    string `json:"verb"` // failback | degenerate | promote
	NodeSet []int  `json:"node_set"`
}

// LockingRequestDoc is the payload of an IPC FAILOVER_LOCKING_REQUEST.
type LockingRequestDoc struct {
	wire.IPCAuthDoc
	Verb       string `json:"verb"` // start | end | release-sublock | status
	FailoverID uint32 `json:"failover_id"`
	SubLock    int    `json:"sub_lock,omitempty"`
}

// NodesListDoc is the reply payload for GET_NODES_LIST.
type NodesListDoc struct {
	MasterNodeName string           `json:"master_node_name"`
	Nodes          []NodeStatusInfo `json:"nodes"`
}

// NodeStatusInfo is one entry in a GET_NODES_LIST reply.
type NodeStatusInfo struct {
	NodeName string `json:"node_name"`
	State    string `json:"state"`
	Priority uint   `json:"priority"`
}
