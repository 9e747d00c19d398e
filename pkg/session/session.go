// Package session implements the client-facing TCP protocol: per-role
// handshake, request routing, and send-cascade to downstream node
// daemons. Grounded on daemon.c's socket accept/handshake handling but
// redesigned per REDESIGN FLAGS §9 into a keyed session collection with
// a tagged Role, instead of the original's fixed-size handshake array
// indexed by connection fd.
package session

import (
	"io"
	"sync"
	"sync/atomic"
)

// Role is a session's negotiated identity (spec glossary).
type Role string

const (
	RoleUnset      Role = "UNSET"
	RoleReceiver   Role = "RECEIVER"
	RoleSender     Role = "SENDER"
	RoleController Role = "CONTROLLER"
	RoleNode       Role = "NODE"
	RoleGUI        Role = "GUI"
	RoleWeb        Role = "WEB"
)

// isReceiverLike reports whether sessions of this role count toward
// the "receivers" tally (spec §4.6: "Increment receivers when role in
// {RECEIVER, GUI, NODE}").
func (r Role) isReceiverLike() bool {
	return r == RoleReceiver || r == RoleGUI || r == RoleNode
}

// Session is one accepted client connection. Role is stored behind an
// atomic value rather than the session-table mutex so a concurrent
// broadcaster push can read it without contending with the connection's
// own read loop.
type Session struct {
	id   uint64
	conn io.ReadWriteCloser

	role atomic.Value // Role
	uuid atomic.Value // string

	mu sync.Mutex // serializes writes to conn
}

func newSession(id uint64, conn io.ReadWriteCloser) *Session {
	s := &Session{id: id, conn: conn}
	s.role.Store(RoleUnset)
	s.uuid.Store("")
	return s
}

// Role returns the session's current negotiated role.
func (s *Session) Role() Role { return s.role.Load().(Role) }

func (s *Session) setRole(r Role) { s.role.Store(r) }

// UUID returns the session's declared uuid (NODE sessions only).
func (s *Session) UUID() string { return s.uuid.Load().(string) }

func (s *Session) setUUID(u string) { s.uuid.Store(u) }

// Write sends a raw frame (without the trailing newline) to the
// session's connection, serialized against concurrent writers.
func (s *Session) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(payload); err != nil {
		return err
	}
	_, err := s.conn.Write([]byte("\n"))
	return err
}

func (s *Session) Close() error { return s.conn.Close() }
