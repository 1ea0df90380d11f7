package wire

import "encoding/json"

// MembershipDoc is the self-describing document carried as the payload of
// ADD_NODE / INFO / DECLARE_COORDINATOR / IAM_COORDINATOR / STAND_FOR_COORDINATOR
// messages. The codec never interprets payload bytes itself;
// this type is used by internal/cluster to build and parse them.
type MembershipDoc struct {
	State           int    `json:"state"`
	StartTime       int64  `json:"start_time"`
	Priority        uint   `json:"priority"`
	WatchdogPort    int    `json:"watchdog_port"`
	ApplicationPort int    `json:"application_port"`
	Hostname        string `json:"hostname"`
	DelegateIP      string `json:"delegate_ip,omitempty"`
	NodeName        string `json:"node_name"`
	AuthHash        string `json:"auth_hash,omitempty"`
}

// Marshal encodes the document as the opaque payload bytes.
func (d MembershipDoc) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ParseMembershipDoc decodes a payload previously produced by Marshal.
func ParseMembershipDoc(b []byte) (MembershipDoc, error) {
	var d MembershipDoc
	err := json.Unmarshal(b, &d)
	return d, err
}
