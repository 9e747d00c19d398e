package broadcaster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

type fakeGUI struct{ pushed []json.RawMessage }

func (f *fakeGUI) PushGUI(payload json.RawMessage) { f.pushed = append(f.pushed, payload) }

type fakeReceivers struct {
	pushed []json.RawMessage
	count  int
}

func (f *fakeReceivers) PushReceivers(payload json.RawMessage) { f.pushed = append(f.pushed, payload) }
func (f *fakeReceivers) ReceiverCount() int                    { return f.count }

func TestDispatchConfigOriginGoesOnlyToGUI(t *testing.T) {
	gui := &fakeGUI{}
	recv := &fakeReceivers{count: 1}
	b := &Broadcaster{GUI: gui, Receivers: recv, Firmware: &Firmware{}}

	b.dispatch(message.Broadcast{Origin: message.OriginConfig, Protocol: "process", Message: json.RawMessage(`{"cpu":10}`)})

	if len(gui.pushed) != 1 {
		t.Fatalf("expected 1 GUI push, got %d", len(gui.pushed))
	}
	if len(recv.pushed) != 0 {
		t.Fatalf("expected no receiver push for config origin, got %d", len(recv.pushed))
	}
}

// TestDispatchReceiverOriginRenamesMessageToCode is spec §4.4: the
// outward RECEIVER form renames "message" to "code" and drops settings.
func TestDispatchReceiverOriginRenamesMessageToCode(t *testing.T) {
	recv := &fakeReceivers{count: 1}
	b := &Broadcaster{Receivers: recv, Config: NewDeviceStateCache(), Firmware: &Firmware{}}

	b.dispatch(message.Broadcast{
		Origin:   message.OriginReceiver,
		Protocol: "generic_switch",
		Message:  json.RawMessage(`{"id":1,"state":"on"}`),
		Settings: json.RawMessage(`{"secret":true}`),
	})

	if len(recv.pushed) != 1 {
		t.Fatalf("expected 1 receiver push, got %d", len(recv.pushed))
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(recv.pushed[0], &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if _, ok := out["message"]; ok {
		t.Error("expected inner \"message\" field to be renamed away")
	}
	if _, ok := out["code"]; !ok {
		t.Error("expected a \"code\" field in the outward form")
	}
	if _, ok := out["settings"]; ok {
		t.Error("expected \"settings\" to be stripped from the outward form")
	}
}

// TestDispatchSkipsReceiversWhenNoneConnected is spec §8 invariant 6's
// fan-out rule: a receive-origin broadcast isn't pushed when there are
// no RECEIVER-like sessions.
func TestDispatchSkipsReceiversWhenNoneConnected(t *testing.T) {
	recv := &fakeReceivers{count: 0}
	b := &Broadcaster{Receivers: recv, Config: NewDeviceStateCache(), Firmware: &Firmware{}}

	b.dispatch(message.Broadcast{Origin: message.OriginReceiver, Protocol: "generic_switch", Message: json.RawMessage(`{"id":1}`)})

	if len(recv.pushed) != 0 {
		t.Fatalf("expected no receiver push when ReceiverCount is 0, got %d", len(recv.pushed))
	}
}

// TestDispatchFirmwareSideChannel is spec §4.4's pilight_firmware
// exception: version/lpf/hpf get pulled into the process-wide record.
func TestDispatchFirmwareSideChannel(t *testing.T) {
	recv := &fakeReceivers{count: 1}
	fw := &Firmware{}
	b := &Broadcaster{Receivers: recv, Config: NewDeviceStateCache(), Firmware: fw}

	b.dispatch(message.Broadcast{
		Origin:   message.OriginReceiver,
		Protocol: "pilight_firmware",
		Message:  json.RawMessage(`{"version":5.2,"lpf":1,"hpf":2}`),
	})

	if fw.Version != 5.2 || fw.LPF != 1 || fw.HPF != 2 {
		t.Errorf("expected firmware record updated, got %+v", fw)
	}
}

type signalingReceivers struct {
	pushed chan json.RawMessage
}

func (s *signalingReceivers) PushReceivers(payload json.RawMessage) { s.pushed <- payload }
func (s *signalingReceivers) ReceiverCount() int                    { return 1 }

func TestRunDrainsQueue(t *testing.T) {
	recv := &signalingReceivers{pushed: make(chan json.RawMessage, 1)}
	b := &Broadcaster{Receivers: recv, Config: NewDeviceStateCache(), Firmware: &Firmware{}}

	q := pulse.NewQueue[message.Broadcast]()
	q.Push(message.Broadcast{Origin: message.OriginReceiver, Protocol: "generic_switch", Message: json.RawMessage(`{"id":1}`)})

	go b.Run(q)

	select {
	case <-recv.pushed:
	case <-time.After(time.Second):
		t.Fatal("expected Run to drain the queued broadcast within 1s")
	}
}
