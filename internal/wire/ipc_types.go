package wire

// IPCType is the closed vocabulary of commands the application sends over
// the local unix-domain socket.
type IPCType byte

const (
	IPCNodeStatusChange IPCType = iota + 1
	IPCRegisterForNotification
	IPCGetNodesList
	IPCFailoverCommand
	IPCOnlineRecoveryCommand
	IPCFailoverLockingRequest
	IPCGetMasterDataRequest
)

var ipcTypeNames = map[IPCType]string{
	IPCNodeStatusChange:        "NODE_STATUS_CHANGE",
	IPCRegisterForNotification: "REGISTER_FOR_NOTIFICATION",
	IPCGetNodesList:            "GET_NODES_LIST",
	IPCFailoverCommand:         "FAILOVER_COMMAND",
	IPCOnlineRecoveryCommand:   "ONLINE_RECOVERY_COMMAND",
	IPCFailoverLockingRequest:  "FAILOVER_LOCKING_REQUEST",
	IPCGetMasterDataRequest:    "GET_MASTER_DATA_REQUEST",
}

func (t IPCType) String() string {
	if n, ok := ipcTypeNames[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// externalOnly is the set of verbs that require the shared-secret key
// rather than (or in addition to) the user auth key.
var externalOnly = map[IPCType]bool{
	IPCNodeStatusChange:       true,
	IPCFailoverCommand:        true,
	IPCOnlineRecoveryCommand:  true,
	IPCFailoverLockingRequest: true,
	IPCGetMasterDataRequest:   true,
}

// RequiresSharedKey reports whether t is an external-collaborator-only verb.
func (t IPCType) RequiresSharedKey() bool {
	return externalOnly[t]
}

// ResultTag is the 1-byte tag prefixing every IPC response frame.
type ResultTag byte

const (
	ResultOK ResultTag = iota + 1
	ResultBad
	ResultClusterInTransition
	ResultTimeout
)

func (r ResultTag) String() string {
	switch r {
	case ResultOK:
		return "RESULT_OK"
	case ResultBad:
		return "RESULT_BAD"
	case ResultClusterInTransition:
		return "CLUSTER_IN_TRAN"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// IPCAuthDoc is the common envelope fields every IPC request payload may
// carry for authentication.
type IPCAuthDoc struct {
	IPCSharedKey string `json:"ipc_shared_key,omitempty"`
	IPCAuthKey   string `json:"ipc_auth_key,omitempty"`
}
