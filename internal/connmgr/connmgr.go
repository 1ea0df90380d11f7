// Package connmgr implements the dual-socket connection manager:
// outbound dial with reconnect cooldown, inbound accept with an
// unidentified-socket handshake stage, and the reader goroutines that feed
// framed packets back to the single event-loop goroutine.
//
// Every socket is read by its own goroutine (the idiomatic Go rendition of
// "non-blocking I/O"); all of them funnel into one events channel so that
// the receiving side, internal/cluster's Node.Run, remains single-threaded
// with respect to cluster state, matching its concurrency model.
package connmgr

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// ReconnectCooldown is the initial, and minimum, delay between outbound
// connect attempts to the same peer. Repeated failures back off
// exponentially from there; see NoteDialFailure.
const ReconnectCooldown = 10 * time.Second

// maxReconnectInterval caps the exponential backoff applied to a
// persistently unreachable peer.
const maxReconnectInterval = 2 * time.Minute

var dialer = net.Dialer{
	Timeout: 5 * time.Second,
	Control: setSocketOptions,
}

// setSocketOptions applies SO_REUSEADDR (relevant to the listener),
// TCP_NODELAY and SO_KEEPALIVE.
func setSocketOptions(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Manager owns the listener and the bookkeeping of pending inbound
// handshakes. It knows nothing about cluster/election semantics; it only
// moves bytes and connection-lifecycle events.
type Manager struct {
	logger  log.Logger
	events  chan<- cevent.Event
	ln      net.Listener

	mu       sync.Mutex
	unid     map[string]net.Conn // "unidentified sockets" awaiting ADD_NODE
	closed   bool
	backoffs map[int]*backoff.ExponentialBackOff
}

// NewManager creates a connection manager that publishes events onto
// events. events must have a receiver draining it (the event loop).
func NewManager(logger log.Logger, events chan<- cevent.Event) *Manager {
	return &Manager{logger: logger, events: events, unid: map[string]net.Conn{}, backoffs: map[int]*backoff.ExponentialBackOff{}}
}

// NoteDialFailure advances privateID's reconnect backoff, seeding it at
// ReconnectCooldown on first failure, and returns the delay the caller
// should wait before dialing again.
func (m *Manager) NoteDialFailure(privateID int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backoffs[privateID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = ReconnectCooldown
		b.MaxInterval = maxReconnectInterval
		b.MaxElapsedTime = 0
		b.RandomizationFactor = 0 // deterministic retry schedule; peer count is small enough that reconnect thundering herds aren't a concern
		b.Reset()
		m.backoffs[privateID] = b
	}
	return b.NextBackOff()
}

// NoteDialSuccess resets privateID's reconnect backoff so the next failure
// starts again at ReconnectCooldown.
func (m *Manager) NoteDialSuccess(privateID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoffs, privateID)
}

// Listen binds the watchdog TCP listener for inbound peer connections.
func (m *Manager) Listen(bindAddr string) error {
	lc := net.ListenConfig{Control: setSocketOptions}
	ln, err := lc.Listen(context.Background(), "tcp", bindAddr)
	if err != nil {
		return errors.Wrap(err, "connmgr: listen")
	}
	m.ln = ln
	go m.acceptLoop()
	return nil
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			level.Warn(m.logger).Log("msg", "accept failed", "err", err)
			continue
		}
		m.mu.Lock()
		m.unid[conn.RemoteAddr().String()] = conn
		m.mu.Unlock()
		level.Debug(m.logger).Log("msg", "accepted inbound connection, awaiting ADD_NODE", "addr", conn.RemoteAddr())
		go m.readLoop(conn, -1, conn.RemoteAddr().String())
	}
}

// Close shuts the listener down; already-open peer sockets are left to the
// caller (internal/cluster) to close as it tears down records.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Close()
	}
	return nil
}

// DialOutbound attempts a non-blocking-equivalent connect to addr for the
// peer identified by privateID. Completion (success or failure) is reported
// asynchronously via the events channel as
// KindNewOutboundConnection/KindOutboundConnectFailed; the loop itself
// never blocks on connect.
func (m *Manager) DialOutbound(ctx context.Context, privateID int, addr string) {
	go func() {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			m.events <- cevent.Event{Kind: cevent.KindOutboundConnectFailed, PrivateID: privateID, ConnKey: addr, Err: err}
			return
		}
		m.events <- cevent.Event{Kind: cevent.KindNewOutboundConnection, PrivateID: privateID, ConnKey: addr, Conn: conn}
		go m.readLoop(conn, privateID, addr)
	}()
}

// TakeUnidentified removes a pending inbound socket (by its remote address
// key) from the unidentified list so the caller can bind it to a peer.
// Returns the conn and true if found.
func (m *Manager) TakeUnidentified(key string) (net.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.unid[key]
	if ok {
		delete(m.unid, key)
	}
	return c, ok
}

// readLoop parses frames off conn and forwards them as events until conn
// fails or is closed, at which point a KindConnectionClosed event fires.
func (m *Manager) readLoop(conn net.Conn, privateID int, key string) {
	for {
		p, err := wire.ReadPeer(conn)
		if err != nil {
			m.events <- cevent.Event{Kind: cevent.KindConnectionClosed, PrivateID: privateID, ConnKey: key, Err: err}
			conn.Close()
			return
		}
		m.events <- cevent.Event{Kind: cevent.KindPacketReceived, PrivateID: privateID, ConnKey: key, Packet: p}
	}
}

// Send writes p to conn, retrying partial writes (wire.WritePeer already
// does this) and reporting a failed write the same way a closed connection
// is reported: the caller marks the per-peer send result SEND_ERROR and the
// connection is left to the next reconnect cycle.
func Send(conn net.Conn, p wire.Packet) error {
	if conn == nil {
		return errors.New("connmgr: nil connection")
	}
	return wire.WritePeer(conn, p)
}
