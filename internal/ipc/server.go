// Package ipc implements the local unix-domain-stream command endpoint:
// framed request/response, authentication, and a best-effort async
// notification push for REGISTER_FOR_NOTIFICATION clients.
package ipc

import (
	"net"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pgwatch/pgwatch/internal/cevent"
	"github.com/pgwatch/pgwatch/internal/wire"
)

// Auth holds the process-internal shared secret and the configured user
// auth key.
type Auth struct {
	SharedKey string
	AuthKey   string
}

func (a Auth) check(t wire.IPCType, doc wire.IPCAuthDoc) error {
	if t.RequiresSharedKey() {
		if a.SharedKey == "" || doc.IPCSharedKey != a.SharedKey {
			return errors.New("authentication failed")
		}
		return nil
	}
	if a.AuthKey != "" && doc.IPCAuthKey != a.AuthKey {
		return errors.New("authentication failed")
	}
	return nil
}

// Server accepts IPC connections and turns framed requests into cevent.Events
// for the cluster event loop to handle.
type Server struct {
	logger log.Logger
	path   string
	auth   Auth
	events chan<- cevent.Event

	ln net.Listener

	mu            sync.Mutex
	notifySockets map[string]net.Conn
	closed        bool
}

// NewServer creates an IPC server. Listen must be called before requests
// are accepted.
func NewServer(logger log.Logger, path string, auth Auth, events chan<- cevent.Event) *Server {
	return &Server{logger: logger, path: path, auth: auth, events: events, notifySockets: map[string]net.Conn{}}
}

// Listen binds the unix-domain socket, unlinking any stale file left by a
// crashed predecessor first.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if rmErr := os.Remove(s.path); rmErr != nil {
			return errors.Wrap(rmErr, "ipc: remove stale socket")
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrap(err, "ipc: listen")
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Close stops accepting and unlinks the socket file at process exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.notifySockets {
		c.Close()
	}
	s.mu.Unlock()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			level.Warn(s.logger).Log("msg", "ipc accept failed", "err", err)
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	for {
		p, err := wire.ReadIPC(conn)
		if err != nil {
			conn.Close()
			return
		}
		s.dispatch(conn, p)
	}
}

func (s *Server) dispatch(conn net.Conn, p wire.Packet) {
	t := wire.IPCType(p.Type)

	var doc wire.IPCAuthDoc
	_ = parseAuthDoc(p.Payload, &doc)

	if err := s.auth.check(t, doc); err != nil {
		writeResult(conn, wire.ResultBad, []byte(err.Error()))
		return
	}

	if t == wire.IPCRegisterForNotification {
		key := conn.RemoteAddr().String() + "/" + uuid.NewString()
		s.mu.Lock()
		s.notifySockets[key] = conn
		s.mu.Unlock()
		writeResult(conn, wire.ResultOK, nil)
		return // socket stays open for async pushes; no further request read loop needed from this goroutine's perspective, but serveConn keeps reading in case the client also issues requests on it.
	}

	id := uuid.NewString()
	replied := make(chan struct{})
	reply := cevent.IPCReply(func(tag wire.ResultTag, payload []byte) error {
		defer close(replied)
		return writeResult(conn, tag, payload)
	})

	s.events <- cevent.Event{
		Kind:       cevent.KindIPCCommand,
		IPCType:    t,
		IPCPayload: p.Payload,
		IPCReply:   reply,
		IPCID:      id,
	}
}

// PushNotification sends an async event frame to every registered
// notification socket.
func (s *Server) PushNotification(tag wire.ResultTag, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conn := range s.notifySockets {
		if err := writeResult(conn, tag, payload); err != nil {
			conn.Close()
			delete(s.notifySockets, key)
		}
	}
}

func writeResult(conn net.Conn, tag wire.ResultTag, payload []byte) error {
	return wire.WriteIPC(conn, wire.Packet{Type: wire.Type(tag), Payload: payload})
}
