// Package upstream implements the node-mode client that connects this
// daemon to an upstream master daemon: WELCOME -> IDENTIFY -> REQUEST
// -> CONFIG -> FORWARD, grounded on daemon.c's clientize (~line 1416).
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

type step int

const (
	stepWelcome step = iota
	stepIdentify
	stepRequest
	stepConfig
	stepForward
	stepReject
)

// virtualRole mirrors the handful of client types clientize's FORWARD
// step cares about (daemon.c's `clients[]`/`client_type`); anything
// else falls back to the generic rebroadcast branch.
type virtualRole string

const (
	virtualNone       virtualRole = ""
	virtualSender     virtualRole = "SENDER"
	virtualController virtualRole = "CONTROLLER"
)

// ConfigApplier receives the config object returned by the CONFIG step.
type ConfigApplier interface {
	ApplyConfig(cfg json.RawMessage) error
}

// Link is the upstream connection to a master pilight-style daemon.
// One Link instance drives the full reconnect loop until Stop is
// called.
type Link struct {
	Addr   string
	UUID   string
	Config ConfigApplier

	SendQueue *pulse.Queue[message.SendTask]
	Broadcast *pulse.Queue[message.Broadcast]

	mu     sync.Mutex
	conn   net.Conn
	active int32
}

// Active reports whether the link currently has a live connection,
// used by the broadcaster to gate node-forwarding (spec §4.4).
func (l *Link) Active() bool {
	return atomic.LoadInt32(&l.active) == 1
}

// SendUpdate writes a line to the upstream connection if one is open.
func (l *Link) SendUpdate(payload json.RawMessage) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Write(payload)
	conn.Write([]byte("\n"))
}

// Run drives the connect/handshake/forward/reconnect loop until ctx is
// done.
func (l *Link) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.runOnce(ctx); err != nil {
			log.Printf("upstream: %v", err)
		}
		atomic.StoreInt32(&l.active, 0)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Stop unsticks a blocked socket read by setting the connection's read
// deadline to now, so the pending read returns with a timeout error. No
// HEART frame is sent; the deadline takes the place of the original's
// self-HEART trick.
func (l *Link) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.SetReadDeadline(time.Now())
	}
}

func (l *Link) runOnce(ctx context.Context) error {
	conn, err := net.Dial("tcp", l.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	st := stepWelcome
	vrole := virtualNone

	for st != stepReject {
		if ctx.Err() != nil {
			return nil
		}
		switch st {
		case stepWelcome:
			writeLine(conn, welcomeFrame(l.UUID))
			st = stepIdentify
		case stepIdentify:
			line, ok := nextLine(scanner)
			if !ok {
				return nil
			}
			msg := findString(line, "message")
			switch msg {
			case "accept client":
				st = stepRequest
			case "reject client":
				st = stepReject
			default:
				st = stepRequest
			}
		case stepRequest:
			writeLine(conn, []byte(`{"message":"request config"}`))
			st = stepConfig
		case stepConfig:
			line, ok := nextLine(scanner)
			if !ok {
				return nil
			}
			var frame map[string]json.RawMessage
			if json.Unmarshal(line, &frame) == nil {
				if cfg, ok := frame["config"]; ok && l.Config != nil {
					l.Config.ApplyConfig(cfg)
				}
			}
			st = stepForward
			atomic.StoreInt32(&l.active, 1)
		case stepForward:
			line, ok := nextLine(scanner)
			if !ok {
				return nil
			}
			for _, sub := range strings.Split(string(line), "\n") {
				if sub == "" {
					continue
				}
				vrole = l.forwardLine(vrole, []byte(sub))
			}
		}
	}
	return nil
}

// forwardLine implements one line of the FORWARD step (daemon.c
// ~line 1499-1531): an "incognito" line updates the running virtual
// role; anything else is routed per the current virtual role.
func (l *Link) forwardLine(current virtualRole, line []byte) virtualRole {
	var frame map[string]json.RawMessage
	if json.Unmarshal(line, &frame) != nil {
		return current
	}
	if raw, ok := frame["incognito"]; ok {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			return virtualRole(strings.ToUpper(name))
		}
		return current
	}

	switch current {
	case virtualSender, virtualController:
		l.forwardSend(frame)
	default:
		l.forwardBroadcast(frame)
	}
	return current
}

func (l *Link) forwardSend(frame map[string]json.RawMessage) {
	codeRaw, ok := frame["code"]
	if !ok {
		return
	}
	var sc struct {
		Protocol []string `json:"protocol"`
		UUID     string   `json:"uuid"`
	}
	json.Unmarshal(codeRaw, &sc)
	if l.SendQueue != nil {
		l.SendQueue.Push(message.SendTask{ProtocolIDs: sc.Protocol, Message: codeRaw, UUID: sc.UUID})
	}
}

func (l *Link) forwardBroadcast(frame map[string]json.RawMessage) {
	if _, isConfig := frame["config"]; isConfig {
		return
	}
	originRaw, hasOrigin := frame["origin"]
	protoRaw, hasProto := frame["protocol"]
	if !hasOrigin || !hasProto {
		return
	}
	var origin, protocolID string
	json.Unmarshal(originRaw, &origin)
	json.Unmarshal(protoRaw, &protocolID)
	if l.Broadcast == nil {
		return
	}
	l.Broadcast.Push(message.Broadcast{
		Origin:   message.Origin(origin),
		Protocol: protocolID,
		Message:  frame["message"],
	})
}

func welcomeFrame(uuid string) []byte {
	payload, _ := json.Marshal(map[string]string{"message": "client node", "uuid": uuid})
	return payload
}

func writeLine(conn net.Conn, payload []byte) {
	conn.Write(payload)
	conn.Write([]byte("\n"))
}

func nextLine(scanner *bufio.Scanner) ([]byte, bool) {
	if !scanner.Scan() {
		return nil, false
	}
	return scanner.Bytes(), true
}

func findString(line []byte, key string) string {
	var frame map[string]json.RawMessage
	if json.Unmarshal(line, &frame) != nil {
		return ""
	}
	var v string
	json.Unmarshal(frame[key], &v)
	return v
}
