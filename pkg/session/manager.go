package session

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// HTTPDelegate handles a connection whose first line looks like an
// HTTP request, per spec §4.6 ("delegated to the static webserver
// collaborator; session is closed after one reply"). Out of scope for
// this daemon's own feature set, but the hook always exists so a real
// static webserver can be wired in without touching this package.
type HTTPDelegate interface {
	Serve(conn net.Conn, firstLine string)
}

// DeviceResolver looks up a configured device's protocol ids and
// stored option defaults by location/device name, for the
// CONTROLLER/GUI "send" frame (spec §4.6).
type DeviceResolver interface {
	ResolveDevice(location, device string) (protocolIDs []string, defaults map[string]interface{}, uuid string, ok bool)
}

// Manager accepts TCP client connections and drives the per-session
// handshake/routing state machine. It is also the GUISink/ReceiverSink
// the broadcaster fans messages out through, and the send-cascade
// target for CONTROLLER/GUI/SENDER "send" frames (spec §4.6).
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64

	receivers int64 // derived counter, spec §4.6

	SendQueue    *pulse.Queue[message.SendTask]
	Broadcast    *pulse.Queue[message.Broadcast]
	ConfigSnapshot func() json.RawMessage
	Devices      DeviceResolver
	HTTP         HTTPDelegate
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[uint64]*Session)}
}

// Serve accepts connections on ln until it returns an error (the
// caller closes ln to stop serving — matches the teacher's
// accept-loop-exits-on-listener-close shape).
func (m *Manager) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handleConnection(conn)
	}
}

func (m *Manager) handleConnection(conn io.ReadWriteCloser) {
	id := atomic.AddUint64(&m.nextID, 1)
	s := newSession(id, conn)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	defer m.remove(s)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.Contains(line, " HTTP/") {
			if tcp, ok := conn.(net.Conn); ok && m.HTTP != nil {
				m.HTTP.Serve(tcp, line)
			}
			return
		}
		if line == "HEART" {
			s.Write([]byte("BEAT"))
			continue
		}
		if m.handleFrame(s, []byte(line)) {
			return
		}
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if s.Role().isReceiverLike() {
		atomic.AddInt64(&m.receivers, -1)
	}
}

// handleFrame processes one JSON line for session s and reports
// whether the connection should now be closed.
func (m *Manager) handleFrame(s *Session, raw []byte) (closeConn bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		m.reject(s)
		return true
	}

	role := s.Role()
	if incog, ok := generic["incognito"]; ok {
		var name string
		if json.Unmarshal(incog, &name) == nil {
			role = Role(strings.ToUpper(name))
		}
	}

	if _, ok := generic["message"]; ok {
		return m.handleMessageFrame(s, role, generic, incognitoPresent(generic))
	}
	if origin, ok := generic["origin"]; ok {
		var o string
		json.Unmarshal(origin, &o)
		if o == "receiver" {
			m.reBroadcast(raw)
			return false
		}
	}

	m.reject(s)
	return true
}

func incognitoPresent(frame map[string]json.RawMessage) bool {
	_, ok := frame["incognito"]
	return ok
}

func (m *Manager) reject(s *Session) {
	s.Write([]byte(`{"message":"reject client"}`))
}

func (m *Manager) reBroadcast(raw []byte) {
	var bc message.Broadcast
	if json.Unmarshal(raw, &bc) != nil {
		return
	}
	m.Broadcast.Push(bc)
}

func (m *Manager) handleMessageFrame(s *Session, role Role, frame map[string]json.RawMessage, viaIncognito bool) (closeConn bool) {
	var msg string
	json.Unmarshal(frame["message"], &msg)

	if s.Role() == RoleUnset && !viaIncognito {
		if newRole, ok := matchClientRole(msg); ok {
			return m.classify(s, newRole, frame)
		}
		m.reject(s)
		return true
	}

	switch role {
	case RoleNode:
		return m.handleNode(s, msg, frame)
	case RoleSender:
		m.handleSend(role, frame)
		return true // fire-and-forget, spec §4.6
	case RoleController, RoleGUI:
		return m.handleControllerOrGUI(s, role, msg, frame)
	default:
		m.reject(s)
		return true
	}
}

func matchClientRole(msg string) (Role, bool) {
	const prefix = "client "
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	name := strings.ToUpper(strings.TrimPrefix(msg, prefix))
	switch Role(name) {
	case RoleReceiver, RoleSender, RoleController, RoleNode, RoleGUI, RoleWeb:
		return Role(name), true
	}
	return "", false
}

func (m *Manager) classify(s *Session, role Role, frame map[string]json.RawMessage) (closeConn bool) {
	if role == RoleNode {
		var uuid string
		if raw, ok := frame["uuid"]; !ok || json.Unmarshal(raw, &uuid) != nil || uuid == "" {
			m.reject(s)
			return true
		}
		s.setUUID(uuid)
	}
	s.setRole(role)
	if role.isReceiverLike() {
		atomic.AddInt64(&m.receivers, 1)
	}
	s.Write([]byte(`{"message":"accept client"}`))
	return false
}

func (m *Manager) handleNode(s *Session, msg string, frame map[string]json.RawMessage) (closeConn bool) {
	switch msg {
	case "request config":
		m.replyConfig(s)
	case "update":
		m.forwardUpdate(frame)
	}
	return false
}

func (m *Manager) handleControllerOrGUI(s *Session, role Role, msg string, frame map[string]json.RawMessage) (closeConn bool) {
	switch msg {
	case "request config":
		m.replyConfig(s)
	case "send":
		m.handleSend(role, frame)
	}
	return false
}

func (m *Manager) replyConfig(s *Session) {
	if m.ConfigSnapshot == nil {
		return
	}
	payload, _ := json.Marshal(map[string]json.RawMessage{"config": m.ConfigSnapshot()})
	s.Write(payload)
}

// forwardUpdate implements the NODE "update" frame: the inner "code"
// field is renamed to "message" and the result re-enters the broadcast
// path under origin "update" (spec §4.6, message.OriginUpdate).
func (m *Manager) forwardUpdate(frame map[string]json.RawMessage) {
	var protocolID string
	json.Unmarshal(frame["protocol"], &protocolID)
	code, hasCode := frame["code"]
	if protocolID == "" || !hasCode {
		return
	}
	var uuid string
	json.Unmarshal(frame["uuid"], &uuid)

	m.Broadcast.Push(message.Broadcast{
		Origin:   message.OriginUpdate,
		Protocol: protocolID,
		Message:  json.RawMessage(code),
		UUID:     uuid,
	})
}

// sendCode is the parsed shape of the "code" object carried by a
// "send" frame (spec §6).
type sendCode struct {
	Protocol []string               `json:"protocol"`
	Location string                 `json:"location"`
	Device   string                 `json:"device"`
	State    string                 `json:"state"`
	Values   map[string]interface{} `json:"values"`
	UUID     string                 `json:"uuid"`
	Pulses   []int                  `json:"pulses"`
}

// handleSend builds a SendTask from a "send" frame and enqueues it,
// then mirrors it to every NODE session (the send-cascade, spec
// §4.6), prefixed with an incognito hint carrying the issuing role.
func (m *Manager) handleSend(role Role, frame map[string]json.RawMessage) {
	var sc sendCode
	if raw, ok := frame["code"]; ok {
		json.Unmarshal(raw, &sc)
	}

	payload := map[string]interface{}{}
	protocolIDs := sc.Protocol

	if sc.Location != "" && sc.Device != "" && m.Devices != nil {
		ids, defaults, uuid, ok := m.Devices.ResolveDevice(sc.Location, sc.Device)
		if !ok {
			return
		}
		protocolIDs = ids
		for k, v := range defaults {
			payload[k] = v
		}
		if sc.UUID == "" {
			sc.UUID = uuid
		}
	}
	for k, v := range sc.Values {
		payload[k] = v
	}
	if sc.State != "" {
		payload["state"] = sc.State
	}
	if len(sc.Pulses) > 0 {
		payload["pulses"] = sc.Pulses
	}

	msg, _ := json.Marshal(payload)
	task := message.SendTask{ProtocolIDs: protocolIDs, Message: msg, UUID: sc.UUID, RawPulses: sc.Pulses}
	if m.SendQueue != nil {
		m.SendQueue.Push(task)
	}

	m.cascadeToNodes(role, frame)
}

func (m *Manager) cascadeToNodes(role Role, frame map[string]json.RawMessage) {
	hinted, err := withIncognitoHint(role, frame)
	if err != nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Role() == RoleNode {
			s.Write(hinted)
		}
	}
}

// withIncognitoHint renders a {"incognito":"<role>"} line followed by
// the original frame on the next line, the two-line form an upstream
// link reads as a role switch and then a frame from that role.
func withIncognitoHint(role Role, frame map[string]json.RawMessage) ([]byte, error) {
	hint, err := json.Marshal(map[string]string{"incognito": string(role)})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(append(hint, '\n'), body...), nil
}

// PushGUI implements broadcaster.GUISink.
func (m *Manager) PushGUI(payload json.RawMessage) {
	m.pushToRole(RoleGUI, payload)
}

// PushReceivers implements broadcaster.ReceiverSink.
func (m *Manager) PushReceivers(payload json.RawMessage) {
	m.pushToRole(RoleReceiver, payload)
}

// ReceiverCount implements broadcaster.ReceiverSink.
func (m *Manager) ReceiverCount() int {
	return int(atomic.LoadInt64(&m.receivers))
}

func (m *Manager) pushToRole(role Role, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Role() == role {
			s.Write(payload)
		}
	}
}
