package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerRoundTrip(t *testing.T) {
	cases := []Packet{
		{Type: TypeAddNode, CommandID: 1, Payload: []byte("hello")},
		{Type: TypeReject, CommandID: 0, Payload: nil},
		{Type: TypeData, CommandID: 4294967295, Payload: bytes.Repeat([]byte{0xAB}, 4096)},
	}
	for _, p := range cases {
		var buf bytes.Buffer
		require.NoError(t, WritePeer(&buf, p))
		got, err := ReadPeer(&buf)
		require.NoError(t, err)
		require.Equal(t, p.Type, got.Type)
		require.Equal(t, p.CommandID, got.CommandID)
		require.Equal(t, p.Payload, got.Payload)
	}
}

func TestIPCRoundTrip(t *testing.T) {
	p := Packet{Type: TypeData, Payload: []byte(`{"ok":true}`)}
	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, p))
	got, err := ReadIPC(&buf)
	require.NoError(t, err)
	require.Equal(t, p.Type, got.Type)
	require.Equal(t, uint32(0), got.CommandID)
	require.Equal(t, p.Payload, got.Payload)
}

func TestReadPeerRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePeer(&buf, Packet{Type: TypeData}))
	raw := buf.Bytes()
	raw[5] = 0x7F // corrupt the length field to something huge
	_, err := ReadPeer(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMembershipDocRoundTrip(t *testing.T) {
	d := MembershipDoc{
		State: 4, StartTime: 1000, Priority: 10, WatchdogPort: 9000,
		ApplicationPort: 5432, Hostname: "a.example", NodeName: "a",
		AuthHash: "deadbeef",
	}
	b, err := d.Marshal()
	require.NoError(t, err)
	got, err := ParseMembershipDoc(b)
	require.NoError(t, err)
	require.Equal(t, d, got)
}
