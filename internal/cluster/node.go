// Package cluster ties together the connection manager, packet codec,
// cluster command tracker, lock service and failover registry into the
// single-threaded event loop and per-node state machine.
package cluster

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/clustercmd"
	"github.com/pgwatch/pgwatch/internal/config"
	"github.com/pgwatch/pgwatch/internal/connmgr"
	"github.com/pgwatch/pgwatch/internal/escalate"
	"github.com/pgwatch/pgwatch/internal/failover"
	"github.com/pgwatch/pgwatch/internal/ipc"
	"github.com/pgwatch/pgwatch/internal/lock"
	"github.com/pgwatch/pgwatch/internal/member"
	"github.com/pgwatch/pgwatch/internal/metrics"
)

// Per-op command timeouts.
const (
	TimeoutDeclareCoordinator = 4 * time.Second
	TimeoutIAmCoordinator     = 5 * time.Second
	TimeoutJoinCoordinator    = 5 * time.Second
	TimeoutRequestInfo        = 4 * time.Second

	BeaconInterval        = 10 * time.Second
	UnreachableDeadline   = 5 * time.Second
	LoadingDeadline       = 5 * time.Second
	JoiningDeadline       = 5 * time.Second
	ElectionDeadline      = 5 * time.Second
	TickInterval          = 1 * time.Second
)

// Node is the process-wide cluster aggregate: exactly one self record, the
// remote peer records, and every piece of coordinator-only state. Every
// field is touched only from the Run goroutine.
type Node struct {
	cfg    *config.Config
	logger log.Logger

	self    *member.Record
	remotes map[int]*member.Record
	order   []int // stable privateID iteration order

	connKeyToID map[string]int // resolves a connmgr ConnKey once ADD_NODE handshake completes

	conn      *connmgr.Manager
	ipcServer *ipc.Server
	tracker   *clustercmd.Tracker
	locks     *lock.Table
	failovers *failover.Registry
	escalation *escalate.Supervisor
	metrics    *metrics.Metrics

	events chan cevent.Event
	stopc  chan struct{}

	// pendingForward maps a commandID we issued on another node's behalf
	// (standby forwarding an IPC request to the coordinator) back to the
	// IPC reply closure that is still waiting on a socket.
	pendingForward map[uint32]cevent.IPCReply

	mu       sync.RWMutex
	masterID int // privateID of believed master, -1 = unknown
	quorum   Quorum

	pendingOp op // which sequential broadcast handleCommandFinished should resume

	lastBeaconSent time.Time

	// Callbacks into the host process.
	OnFailback  func(nodeIDs []int, failoverID uint32)
	OnDegenerate func(nodeIDs []int, failoverID uint32)
	OnPromote   func(nodeID int, failoverID uint32)
}

// New constructs a Node from static configuration. It does not start
// network I/O; call Run for that. reg receives the process's Prometheus
// collectors.
func New(cfg *config.Config, logger log.Logger, reg prometheus.Registerer) *Node {
	events := make(chan cevent.Event, 256)

	self := member.NewRecord(member.Identity{
		NodeName:        cfg.NodeName,
		Hostname:        cfg.Hostname,
		WatchdogPort:    cfg.WatchdogPort,
		ApplicationPort: cfg.ApplicationPort,
		StartTime:       time.Now().Unix(),
		Priority:        cfg.Priority,
		DelegateIP:      cfg.DelegateIP,
		PrivateID:       0,
	})

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		self:      self,
		remotes:   map[int]*member.Record{},
		connKeyToID: map[string]int{},
		pendingForward: map[uint32]cevent.IPCReply{},
		conn:      connmgr.NewManager(log.With(logger, "component", "connmgr"), events),
		tracker:   clustercmd.NewTracker(),
		escalation: escalate.New(log.With(logger, "component", "escalate"), cfg.EscalationCommand, cfg.DeescalationCommand),
		metrics:   metrics.New(reg),
		events:    events,
		stopc:     make(chan struct{}),
		masterID:  -1,
	}
	n.failovers = failover.NewRegistry()
	n.locks = lock.NewTable(n.failovers.Exists)

	for i, p := range cfg.Peers {
		id := i + 1
		n.order = append(n.order, id)
		n.remotes[id] = member.NewRecord(member.Identity{
			NodeName:        p.NodeName,
			Hostname:        p.Hostname,
			WatchdogPort:    p.WatchdogPort,
			ApplicationPort: p.ApplicationPort,
			Priority:        p.Priority,
			DelegateIP:      p.DelegateIP,
			PrivateID:       id,
		})
	}

	n.ipcServer = ipc.NewServer(log.With(logger, "component", "ipc"), cfg.IPCSocketPath,
		ipc.Auth{SharedKey: cfg.IPCSharedKey, AuthKey: cfg.IPCAuthKey}, events)

	return n
}

// Self returns the local node's record (exported read-only for callers
// like metrics/IPC formatting).
func (n *Node) Self() *member.Record { return n.self }

// Remote looks a peer record up by private ID.
func (n *Node) Remote(id int) (*member.Record, bool) {
	r, ok := n.remotes[id]
	return r, ok
}

// Remotes returns all configured remotes in stable order.
func (n *Node) Remotes() []*member.Record {
	out := make([]*member.Record, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.remotes[id])
	}
	return out
}

func (n *Node) addrFor(rec *member.Record) string {
	return net.JoinHostPort(rec.Hostname, fmt.Sprintf("%d", rec.WatchdogPort))
}

// Quorum returns the last-computed quorum state.
func (n *Node) Quorum() Quorum {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.quorum
}

func (n *Node) setQuorum(q Quorum) {
	n.mu.Lock()
	n.quorum = q
	n.mu.Unlock()
}

// MasterID returns the currently believed master's private ID, or -1.
func (n *Node) MasterID() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.masterID
}

func (n *Node) setMaster(id int) {
	n.mu.Lock()
	n.masterID = id
	n.mu.Unlock()
}

// Escalated reports whether the escalation supervisor is in the escalated
// state.
func (n *Node) Escalated() bool {
	return n.escalation.Escalated()
}

// Shutdown requests the event loop to exit.
func (n *Node) Shutdown() {
	select {
	case <-n.stopc:
	default:
		close(n.stopc)
	}
}

// countActiveRemotes returns L, the count of active remote peers.
func (n *Node) countActiveRemotes() int {
	l := 0
	for _, id := range n.order {
		if n.remotes[id].Active() {
			l++
		}
	}
	return l
}

// refreshQuorum recomputes quorum and, on transition, fires the coordinator
// escalate/de-escalate side effects that follow quorum loss/regain.
func (n *Node) refreshQuorum() {
	prev := n.Quorum()
	minimum := QuorumMinimum(len(n.cfg.Peers))
	l := n.countActiveRemotes()
	next := ComputeQuorum(len(n.cfg.Peers), minimum, l)
	n.setQuorum(next)
	n.metrics.Quorum.Set(float64(next))

	if prev != QuorumLost && next == QuorumLost {
		level.Warn(n.logger).Log("msg", "quorum lost")
		if n.self.State() == member.StateCoordinator {
			n.escalation.Deescalate()
			n.metrics.Escalations.WithLabelValues("down").Inc()
		}
	} else if prev == QuorumLost && next != QuorumLost {
		level.Info(n.logger).Log("msg", "quorum regained")
		if n.self.State() == member.StateCoordinator {
			n.escalation.Escalate(n.self.DelegateIP)
			n.metrics.Escalations.WithLabelValues("up").Inc()
		}
	}
}
