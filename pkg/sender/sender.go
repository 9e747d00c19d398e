// Package sender turns a queued send request into a replicated pulse
// train, transmits it through the matching hardware driver, loops the
// "raw" protocol's pulses back into the receive path, and emits the
// resulting sender-origin broadcast.
package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/n0call/rfbridged/pkg/hardware"
	"github.com/n0call/rfbridged/pkg/logging"
	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// Sender consumes SendTasks, grounded on daemon.c's send_code (~line
// 610) and send_queue (~line 732).
type Sender struct {
	Registry    *protocol.Registry
	Hardware    *hardware.Registry
	TxLock      *pulse.TransmitLock
	SendRepeat  int // global send-repeats setting
	ReceiveIn   *pulse.Queue[pulse.Segment]    // loopback target for the "raw" protocol
	Broadcast   *pulse.Queue[message.Broadcast]
}

// NewSender builds a Sender with a sane default send-repeats of 1.
func NewSender(reg *protocol.Registry, hw *hardware.Registry, lock *pulse.TransmitLock, sendRepeat int, recvIn *pulse.Queue[pulse.Segment], broadcast *pulse.Queue[message.Broadcast]) *Sender {
	if sendRepeat <= 0 {
		sendRepeat = 1
	}
	return &Sender{Registry: reg, Hardware: hw, TxLock: lock, SendRepeat: sendRepeat, ReceiveIn: recvIn, Broadcast: broadcast}
}

// Run drains in, handling one SendTask at a time — matching
// daemon.c's single sendqueue worker thread.
func (s *Sender) Run(ctx context.Context, in *pulse.Queue[message.SendTask]) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-in.C():
			if err := s.handle(task); err != nil {
				// A failed send is logged only; no sender-origin
				// broadcast is emitted for it.
				logging.Error("sender", err.Error())
			}
		}
	}
}

// handle resolves the task's protocol, builds the replicated pulse
// train, transmits it, loops raw sends back into the receive path and
// emits the sender-origin broadcast.
func (s *Sender) handle(task message.SendTask) error {
	id, desc, ok := s.resolve(task.ProtocolIDs)
	if !ok {
		return fmt.Errorf("sender: no matching protocol in %v", task.ProtocolIDs)
	}

	raw, err := s.buildRaw(id, desc, task)
	if err != nil {
		return err
	}

	longCode := replicate(raw, s.SendRepeat*desc.TxRpt)

	sent := false
	if drv := s.Hardware.ByType(desc.HwType); drv != nil {
		if tx := drv.Sender(); tx != nil {
			s.TxLock.Lock()
			err := tx(longCode)
			s.TxLock.Unlock()
			sent = err == nil
		}
	}

	if id == protocol.RawProtocolID && s.ReceiveIn != nil {
		s.loopbackRaw(raw)
	}
	_ = sent // a failed or absent transmit still loops raw back, per daemon.c ~line 693-700

	s.emitSenderBroadcast(id, task)
	return nil
}

func (s *Sender) resolve(ids []string) (string, protocol.Descriptor, bool) {
	for _, id := range ids {
		if d, ok := s.Registry.Descriptor(id); ok {
			return id, d, true
		}
	}
	return "", protocol.Descriptor{}, false
}

func (s *Sender) buildRaw(id string, desc protocol.Descriptor, task message.SendTask) ([]int, error) {
	if id == protocol.RawProtocolID && len(task.RawPulses) > 0 {
		return task.RawPulses, nil
	}
	if desc.CreateCode == nil {
		return nil, fmt.Errorf("sender: protocol %q cannot encode sends", id)
	}
	payload := map[string]interface{}{}
	if len(task.Message) > 0 {
		if err := json.Unmarshal(task.Message, &payload); err != nil {
			return nil, fmt.Errorf("sender: decode payload for %q: %w", id, err)
		}
	}
	raw, err := desc.CreateCode(payload)
	if err != nil {
		return nil, fmt.Errorf("sender: encode payload for %q: %w", id, err)
	}
	return raw, nil
}

// replicate builds the single-buffer repeated code the original calls
// longCode (daemon.c ~line 657): rawlen*repeats+1 ints, the trailing
// slot left zero as an explicit end marker.
func replicate(raw []int, repeats int) []int {
	if repeats < 1 {
		repeats = 1
	}
	out := make([]int, len(raw)*repeats+1)
	for i := 0; i < repeats; i++ {
		copy(out[i*len(raw):], raw)
	}
	return out
}

func (s *Sender) loopbackRaw(raw []int) {
	if len(raw) == 0 {
		return
	}
	plslen := raw[len(raw)-1] / pulse.PulseDiv
	if !s.ReceiveIn.Push(pulse.Segment{
		Raw:    append([]int(nil), raw...),
		RawLen: len(raw),
		PlsLen: plslen,
		HwType: pulse.HwAny,
	}) {
		logging.Error("sender", "receiver queue full")
	}
}

func (s *Sender) emitSenderBroadcast(id string, task message.SendTask) {
	if len(task.Message) == 0 && len(task.Settings) == 0 {
		return
	}
	s.Broadcast.Push(message.Broadcast{
		Origin:   message.OriginSender,
		Protocol: id,
		Message:  task.Message,
		Settings: task.Settings,
		UUID:     task.UUID,
		Repeats:  1,
	})
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func mustMarshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
