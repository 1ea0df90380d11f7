package ipc

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/wire"
)

func newTestServer(t *testing.T, auth Auth) (*Server, chan cevent.Event, net.Conn) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "pgwatch.sock")
	events := make(chan cevent.Event, 16)
	s := NewServer(log.NewNopLogger(), sockPath, auth, events)
	require.NoError(t, s.Listen())
	t.Cleanup(func() { s.Close() })

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return s, events, conn
}

func TestUnauthenticatedExternalVerbIsRejected(t *testing.T) {
	_, _, conn := newTestServer(t, Auth{SharedKey: "secret"})

	require.NoError(t, wire.WriteIPC(conn, wire.Packet{Type: wire.Type(wire.IPCNodeStatusChange)}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadIPC(conn)
	require.NoError(t, err)
	require.Equal(t, wire.ResultBad, wire.ResultTag(resp.Type))
}

func TestAuthenticatedExternalVerbIsForwardedAsEvent(t *testing.T) {
	_, events, conn := newTestServer(t, Auth{SharedKey: "secret"})

	doc := NodeStatusChangeDoc{NodeName: "b", Up: true}
	doc.IPCSharedKey = "secret"
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, wire.WriteIPC(conn, wire.Packet{Type: wire.Type(wire.IPCNodeStatusChange), Payload: payload}))

	select {
	case ev := <-events:
		require.Equal(t, cevent.KindIPCCommand, ev.Kind)
		require.Equal(t, wire.IPCNodeStatusChange, ev.IPCType)
		ev.IPCReply(wire.ResultOK, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IPC command event")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadIPC(conn)
	require.NoError(t, err)
	require.Equal(t, wire.ResultOK, wire.ResultTag(resp.Type))
}

func TestVerbWithoutSharedKeyRequirementNeedsNoAuth(t *testing.T) {
	_, events, conn := newTestServer(t, Auth{SharedKey: "secret"})

	require.NoError(t, wire.WriteIPC(conn, wire.Packet{Type: wire.Type(wire.IPCGetNodesList)}))

	select {
	case ev := <-events:
		ev.IPCReply(wire.ResultOK, []byte(`{}`))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for IPC command event")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadIPC(conn)
	require.NoError(t, err)
	require.Equal(t, wire.ResultOK, wire.ResultTag(resp.Type))
}
