package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// fakeConnPair returns the two ends of an in-memory net.Pipe, one for
// handleConnection and one for the test, letting handleConnection run
// without a real socket.
func fakeConnPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func newTestManager() *Manager {
	m := NewManager()
	m.SendQueue = pulse.NewQueue[message.SendTask]()
	m.Broadcast = pulse.NewQueue[message.Broadcast]()
	m.ConfigSnapshot = func() json.RawMessage { return json.RawMessage(`{"ok":true}`) }
	return m
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return line
}

// TestHandshakeAcceptAndConfig is spec §8 E1: classify as GUI, then
// request config and get a config object back.
func TestHandshakeAcceptAndConfig(t *testing.T) {
	m := newTestManager()
	serverSide, clientSide := fakeConnPair()
	go m.handleConnection(serverSide)
	defer clientSide.Close()

	r := bufio.NewReader(clientSide)

	clientSide.Write([]byte(`{"message":"client gui"}` + "\n"))
	var accept struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(readLine(t, r)), &accept); err != nil {
		t.Fatalf("parse accept: %v", err)
	}
	if accept.Message != "accept client" {
		t.Fatalf("expected accept client, got %q", accept.Message)
	}

	clientSide.Write([]byte(`{"message":"request config"}` + "\n"))
	var cfgReply struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal([]byte(readLine(t, r)), &cfgReply); err != nil {
		t.Fatalf("parse config reply: %v", err)
	}
	if string(cfgReply.Config) != `{"ok":true}` {
		t.Errorf("expected config snapshot, got %s", string(cfgReply.Config))
	}
}

// TestUnclassifiedSessionRejected is spec §8 invariant 7: a session
// that hasn't classified and sends anything other than "client <role>"
// gets rejected and the connection is closed.
func TestUnclassifiedSessionRejected(t *testing.T) {
	m := newTestManager()
	serverSide, clientSide := fakeConnPair()
	go m.handleConnection(serverSide)
	defer clientSide.Close()

	r := bufio.NewReader(clientSide)
	clientSide.Write([]byte(`{"message":"request config"}` + "\n"))

	var reply struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(readLine(t, r)), &reply); err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if reply.Message != "reject client" {
		t.Fatalf("expected reject client, got %q", reply.Message)
	}
}

// TestHeartReplyBeat covers the bare "HEART"/"BEAT" liveness frame
// (spec §4.6).
func TestHeartReplyBeat(t *testing.T) {
	m := newTestManager()
	serverSide, clientSide := fakeConnPair()
	go m.handleConnection(serverSide)
	defer clientSide.Close()

	r := bufio.NewReader(clientSide)
	clientSide.Write([]byte("HEART\n"))
	line := readLine(t, r)
	if bytes.TrimSpace([]byte(line))[0] != 'B' {
		t.Fatalf("expected BEAT reply, got %q", line)
	}
}

// TestNodeHandshakeRequiresUUID is spec §4.6: classifying as NODE
// without a uuid field is rejected.
func TestNodeHandshakeRequiresUUID(t *testing.T) {
	m := newTestManager()
	serverSide, clientSide := fakeConnPair()
	go m.handleConnection(serverSide)
	defer clientSide.Close()

	r := bufio.NewReader(clientSide)
	clientSide.Write([]byte(`{"message":"client node"}` + "\n"))

	var reply struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(readLine(t, r)), &reply); err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if reply.Message != "reject client" {
		t.Fatalf("expected reject client for node without uuid, got %q", reply.Message)
	}
}

// TestSendCascadeToNodes is spec §4.6's send-cascade: a "send" frame
// from a CONTROLLER session is mirrored to every NODE session with an
// incognito hint.
func TestSendCascadeToNodes(t *testing.T) {
	m := newTestManager()

	nodeServer, nodeClient := fakeConnPair()
	go m.handleConnection(nodeServer)
	defer nodeClient.Close()
	nodeReader := bufio.NewReader(nodeClient)

	nodeClient.Write([]byte(`{"message":"client node","uuid":"n1"}` + "\n"))
	readLine(t, nodeReader) // accept client

	ctrlServer, ctrlClient := fakeConnPair()
	go m.handleConnection(ctrlServer)
	defer ctrlClient.Close()
	ctrlReader := bufio.NewReader(ctrlClient)

	ctrlClient.Write([]byte(`{"message":"client controller"}` + "\n"))
	readLine(t, ctrlReader) // accept client

	// Give handleConnection's goroutines a beat to register both
	// sessions before the send frame needs to find the node.
	time.Sleep(20 * time.Millisecond)

	ctrlClient.Write([]byte(`{"message":"send","code":{"protocol":["raw"]}}` + "\n"))

	nodeClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	cascaded := readLine(t, nodeReader)
	var frame map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cascaded), &frame); err != nil {
		t.Fatalf("parse cascaded frame: %v", err)
	}
	if _, ok := frame["incognito"]; !ok {
		t.Error("expected cascaded send frame to carry an incognito hint")
	}

	select {
	case task := <-m.SendQueue.C():
		if len(task.ProtocolIDs) != 1 || task.ProtocolIDs[0] != "raw" {
			t.Errorf("expected send task for raw, got %+v", task)
		}
	default:
		t.Fatal("expected a SendTask enqueued from the controller's send frame")
	}
}
