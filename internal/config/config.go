// Package config loads the watchdog's peer list, priorities and auth
// material. Cluster topology is not something an operator wants to express
// as flags on every invocation, so it lives in a YAML file rather than on
// the command line.
package config

import (
	"os"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PeerConfig describes one remote watchdog peer as configured by the
// operator.
type PeerConfig struct {
	NodeName        string `yaml:"node_name"`
	Hostname        string `yaml:"hostname"`
	WatchdogPort    int    `yaml:"watchdog_port"`
	ApplicationPort int    `yaml:"application_port"`
	Priority        uint   `yaml:"priority"`
	DelegateIP      string `yaml:"delegate_ip,omitempty"`
}

// Config is the full set of static, file-loaded cluster configuration.
type Config struct {
	// NodeName identifies this node to its peers. If left blank, Validate
	// fills in a generated ULID-based name.
	NodeName        string       `yaml:"node_name"`
	Hostname        string       `yaml:"hostname"`
	WatchdogPort    int          `yaml:"watchdog_port"`
	ApplicationPort int          `yaml:"application_port"`
	Priority        uint         `yaml:"priority"`
	DelegateIP      string       `yaml:"delegate_ip,omitempty"`
	Peers           []PeerConfig `yaml:"peers"`

	AuthKey string `yaml:"auth_key,omitempty"`

	IPCSocketPath string `yaml:"ipc_socket_path"`
	IPCSharedKey  string `yaml:"ipc_shared_key,omitempty"`
	IPCAuthKey    string `yaml:"ipc_auth_key,omitempty"`

	EscalationCommand   string `yaml:"escalation_command,omitempty"`
	DeescalationCommand string `yaml:"deescalation_command,omitempty"`

	// NetworkTroublePolicy names the reaction to every monitored interface
	// going down: "suicide" or "wait". Validate checks it and defaults it to
	// "suicide"; no other code reads it, since network-interface events are
	// not handled.
	NetworkTroublePolicy string `yaml:"network_trouble_policy"`
}

// Load reads and validates a YAML cluster configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrap(err, "config: parse yaml")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "config: validate")
	}
	return &c, nil
}

// Validate enforces the Configuration error class: fatal at
// startup, refuse to run.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		c.NodeName = "node-" + ulid.Make().String()
	}
	if c.WatchdogPort == 0 {
		return errors.New("watchdog_port is required")
	}
	if c.IPCSocketPath == "" {
		return errors.New("ipc_socket_path is required")
	}
	if len(c.AuthKey) > 64 {
		return errors.New("auth_key too long (max 64 bytes)")
	}
	seen := map[string]bool{c.NodeName: true}
	for _, p := range c.Peers {
		if p.NodeName == "" || p.Hostname == "" || p.WatchdogPort == 0 {
			return errors.Errorf("peer %q missing required fields", p.NodeName)
		}
		if seen[p.NodeName] {
			return errors.Errorf("duplicate node_name %q", p.NodeName)
		}
		seen[p.NodeName] = true
	}
	switch c.NetworkTroublePolicy {
	case "", "suicide":
		c.NetworkTroublePolicy = "suicide"
	case "wait":
	default:
		return errors.Errorf("unknown network_trouble_policy %q", c.NetworkTroublePolicy)
	}
	return nil
}

// QuorumMinimum returns the minimum active-remote count required for
// quorum, computed from the configured remote peer count N.
func (c *Config) QuorumMinimum() int {
	n := len(c.Peers)
	if n%2 == 0 {
		return n / 2
	}
	return (n - 1) / 2
}
