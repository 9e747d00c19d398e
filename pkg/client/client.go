// Package client is a small TCP client for rfbridged's own line/JSON
// protocol (spec §6), grounded on the teacher's pkg/client SocketClient
// shape (dial, deadline, one SendCommand primitive, thin convenience
// wrappers on top) but speaking the newline-delimited JSON frames
// session.Manager understands instead of a Unix-socket command verb
// protocol.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a connection to a running rfbridged's client TCP port,
// classified as CONTROLLER on its first frame.
type Client struct {
	addr    string
	timeout time.Duration
}

// New creates a client for the given "host:port" address.
func New(addr string) *Client {
	return &Client{addr: addr, timeout: 5 * time.Second}
}

// SendCode mirrors the session manager's sendCode frame shape
// (pkg/session/manager.go) so callers can build one without reaching
// into that package. It has no field for sendCode's "pulses" array.
type SendCode struct {
	Protocol []string               `json:"protocol,omitempty"`
	Location string                 `json:"location,omitempty"`
	Device   string                 `json:"device,omitempty"`
	State    string                 `json:"state,omitempty"`
	Values   map[string]interface{} `json:"values,omitempty"`
	UUID     string                 `json:"uuid,omitempty"`
}

// session is one dialed connection carrying the handshake plus
// exactly one subsequent request, matching the CLI's one-shot usage.
type session struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func (c *Client) dial(role string) (*session, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.addr, err)
	}
	conn.SetDeadline(time.Now().Add(c.timeout))

	s := &session{conn: conn, scanner: bufio.NewScanner(conn)}
	s.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if err := s.sendFrame(map[string]interface{}{"message": "client " + role}); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := s.readFrame()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var accept struct {
		Message string `json:"message"`
	}
	json.Unmarshal(reply, &accept)
	if accept.Message != "accept client" {
		conn.Close()
		return nil, fmt.Errorf("client: handshake rejected: %s", string(reply))
	}
	return s, nil
}

func (s *session) sendFrame(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: encode frame: %w", err)
	}
	if _, err := s.conn.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

func (s *session) readFrame() ([]byte, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("client: read: %w", err)
		}
		return nil, fmt.Errorf("client: no response received")
	}
	return s.scanner.Bytes(), nil
}

// RequestConfig performs the "client controller" / "request config"
// exchange and returns the raw config object (spec §6).
func (c *Client) RequestConfig() (json.RawMessage, error) {
	s, err := c.dial("controller")
	if err != nil {
		return nil, err
	}
	defer s.conn.Close()

	if err := s.sendFrame(map[string]interface{}{"message": "request config"}); err != nil {
		return nil, err
	}
	reply, err := s.readFrame()
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(reply, &wrapper); err != nil {
		return nil, fmt.Errorf("client: parse config reply: %w", err)
	}
	return wrapper.Config, nil
}

// Send issues a "send" frame as a CONTROLLER client, fire-and-forget
// per spec §4.6 (there is no per-send ack channel; success is the
// eventual "origin":"sender" broadcast a RECEIVER session would see).
func (c *Client) Send(code SendCode) error {
	s, err := c.dial("controller")
	if err != nil {
		return err
	}
	defer s.conn.Close()

	return s.sendFrame(map[string]interface{}{
		"message": "send",
		"code":    code,
	})
}
