package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgwatch.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConf(t, `
node_name: a
hostname: a.example
watchdog_port: 9000
application_port: 5432
priority: 10
ipc_socket_path: /tmp/pgwatch.sock
peers:
  - node_name: b
    hostname: b.example
    watchdog_port: 9000
    application_port: 5432
    priority: 10
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "a", c.NodeName)
	require.Equal(t, 0, c.QuorumMinimum()) // N=1 is odd -> (1-1)/2 = 0
}

func TestQuorumMinimum(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 1},
		{4, 2},
	}
	for _, tc := range cases {
		c := &Config{}
		for i := 0; i < tc.n; i++ {
			c.Peers = append(c.Peers, PeerConfig{})
		}
		require.Equal(t, tc.want, c.QuorumMinimum(), "n=%d", tc.n)
	}
}

func TestValidateFillsInMissingNodeName(t *testing.T) {
	c := &Config{WatchdogPort: 1, IPCSocketPath: "/tmp/x"}
	require.NoError(t, c.Validate())
	require.NotEmpty(t, c.NodeName)
}

func TestValidateRejectsDuplicatePeer(t *testing.T) {
	c := &Config{
		NodeName: "a", WatchdogPort: 1, IPCSocketPath: "/tmp/x",
		Peers: []PeerConfig{
			{NodeName: "b", Hostname: "h", WatchdogPort: 1},
			{NodeName: "b", Hostname: "h", WatchdogPort: 1},
		},
	}
	require.Error(t, c.Validate())
}
