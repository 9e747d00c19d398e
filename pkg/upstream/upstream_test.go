package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

type fakeApplier struct{ applied json.RawMessage }

func (f *fakeApplier) ApplyConfig(cfg json.RawMessage) error {
	f.applied = cfg
	return nil
}

// fakeMaster accepts one connection and plays WELCOME -> IDENTIFY ->
// REQUEST -> CONFIG -> FORWARD from the other end, mirroring what a
// real master daemon would do against a connecting NODE.
func fakeMaster(t *testing.T, ln net.Listener, forward ...string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	readLine := func() string {
		line, _ := r.ReadString('\n')
		return line
	}

	readLine() // client node / uuid
	conn.Write([]byte(`{"message":"accept client"}` + "\n"))

	readLine() // request config
	conn.Write([]byte(`{"config":{"devices":[]}}` + "\n"))

	for _, line := range forward {
		conn.Write([]byte(line + "\n"))
	}
	// Keep the connection open briefly so the client's FORWARD-step
	// read has time to process every line above before this goroutine
	// returns and closes the socket.
	time.Sleep(100 * time.Millisecond)
}

func TestLinkAppliesConfigAndForwardsBroadcast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	applier := &fakeApplier{}
	broadcast := pulse.NewQueue[message.Broadcast]()
	sendQueue := pulse.NewQueue[message.SendTask]()

	link := &Link{
		Addr:      ln.Addr().String(),
		UUID:      "node-1",
		Config:    applier,
		Broadcast: broadcast,
		SendQueue: sendQueue,
	}

	forwardBroadcast := `{"origin":"receiver","protocol":"generic_switch","message":{"id":1,"state":"on"}}`
	done := make(chan struct{})
	go func() {
		fakeMaster(t, ln, forwardBroadcast)
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.runOnce(ctx)

	select {
	case bc := <-broadcast.C():
		if bc.Protocol != "generic_switch" || bc.Origin != message.OriginReceiver {
			t.Errorf("unexpected forwarded broadcast: %+v", bc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a forwarded broadcast within 2s")
	}

	<-done
	if applier.applied == nil {
		t.Error("expected ApplyConfig to have been called from the CONFIG step")
	}
	if !link.Active() {
		t.Error("expected the link to be active after reaching the FORWARD step")
	}
}

func TestLinkForwardsSendUnderVirtualSenderRole(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sendQueue := pulse.NewQueue[message.SendTask]()
	link := &Link{
		Addr:      ln.Addr().String(),
		UUID:      "node-1",
		Config:    &fakeApplier{},
		Broadcast: pulse.NewQueue[message.Broadcast](),
		SendQueue: sendQueue,
	}

	incognito := `{"incognito":"sender"}`
	sendFrame := `{"code":{"protocol":["raw"]}}`
	done := make(chan struct{})
	go func() {
		fakeMaster(t, ln, incognito, sendFrame)
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.runOnce(ctx)

	select {
	case task := <-sendQueue.C():
		if len(task.ProtocolIDs) != 1 || task.ProtocolIDs[0] != "raw" {
			t.Errorf("expected forwarded send task for raw, got %+v", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a forwarded send task within 2s")
	}
	<-done
}
