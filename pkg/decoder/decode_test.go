package decoder

import (
	"encoding/json"
	"testing"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// alternatingSegment builds a segment whose bits alternate 0/1/0/1...
// against threshold T = plslen*(1+ratio)/2, for a protocol with the
// given plslen/pulse ratio.
func alternatingSegment(rawlen, plslen, ratio int, hwtype pulse.HwType) pulse.Segment {
	threshold := plslen * (1 + ratio) / 2
	raw := make([]int, rawlen)
	for i := range raw {
		if i%2 == 0 {
			raw[i] = threshold + 10 // above threshold -> bit 1
		} else {
			raw[i] = threshold - 10 // below threshold -> bit 0
		}
	}
	return pulse.Segment{Raw: raw, RawLen: rawlen, PlsLen: plslen, HwType: hwtype}
}

func testDescriptor(rxrpt int) protocol.Descriptor {
	return protocol.Descriptor{
		ID:     "test_proto",
		HwType: pulse.HwRF433,
		RawLen: 50,
		PlsLen: []int{270},
		Pulse:  3,
		RxRpt:  rxrpt,
		Callbacks: protocol.Callbacks{
			ParseCode: func(rt *protocol.RuntimeState) (json.RawMessage, bool) {
				return json.RawMessage(`{"bit0":true}`), true
			},
		},
	}
}

// TestDecoderRepeatGate is spec §8 E2: with rxrpt=2 and receiveRepeat=3,
// no broadcast is emitted until the 6th matching segment.
func TestDecoderRepeatGate(t *testing.T) {
	reg := protocol.NewRegistry()
	if err := reg.Register(testDescriptor(2)); err != nil {
		t.Fatalf("register: %v", err)
	}
	dec := NewDecoder(reg, 3)
	out := pulse.NewQueue[message.Broadcast]()

	seg := alternatingSegment(50, 270, 3, pulse.HwRF433)

	for i := 0; i < 5; i++ {
		dec.process(seg, out)
		select {
		case bc := <-out.C():
			t.Fatalf("unexpected broadcast after segment %d: %+v", i+1, bc)
		default:
		}
	}

	dec.process(seg, out)
	select {
	case bc := <-out.C():
		if bc.Repeats != 6 {
			t.Errorf("expected repeats=6, got %d", bc.Repeats)
		}
		if bc.Protocol != "test_proto" {
			t.Errorf("expected protocol test_proto, got %s", bc.Protocol)
		}
	default:
		t.Fatal("expected a broadcast after the 6th matching segment")
	}
}

// TestDecoderFirmwareExemption is the pilight_firmware always-passthrough
// exemption (spec §4.3): it emits on first match regardless of rxrpt.
func TestDecoderFirmwareExemption(t *testing.T) {
	reg := protocol.NewRegistry()
	d := testDescriptor(5)
	d.ID = protocol.FirmwareProtocolID
	if err := reg.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	dec := NewDecoder(reg, 5)
	out := pulse.NewQueue[message.Broadcast]()

	dec.process(alternatingSegment(50, 270, 3, pulse.HwRF433), out)

	select {
	case bc := <-out.C():
		if bc.Protocol != protocol.FirmwareProtocolID {
			t.Errorf("expected firmware protocol, got %s", bc.Protocol)
		}
	default:
		t.Fatal("expected firmware protocol to emit on first match")
	}
}

// TestDecoderPlsLenTolerance is spec §8 E3: plslen within +-5us matches,
// outside it does not.
func TestDecoderPlsLenTolerance(t *testing.T) {
	reg := protocol.NewRegistry()
	if err := reg.Register(testDescriptor(1)); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		plslen  int
		matches bool
	}{
		{265, true},
		{275, true},
		{270, true},
		{264, false},
		{276, false},
	}

	for _, c := range cases {
		dec := NewDecoder(reg, 1)
		out := pulse.NewQueue[message.Broadcast]()
		seg := alternatingSegment(50, c.plslen, 3, pulse.HwRF433)
		dec.process(seg, out)

		select {
		case <-out.C():
			if !c.matches {
				t.Errorf("plslen %d: expected no match, got a broadcast", c.plslen)
			}
		default:
			if c.matches {
				t.Errorf("plslen %d: expected a match, got none", c.plslen)
			}
		}
	}
}

// TestDecoderRawLenBounds is spec §8 invariant 1: a segment whose
// rawlen falls outside [minrawlen, maxrawlen] never produces a broadcast.
func TestDecoderRawLenBounds(t *testing.T) {
	reg := protocol.NewRegistry()
	if err := reg.Register(testDescriptor(1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	dec := NewDecoder(reg, 1)
	out := pulse.NewQueue[message.Broadcast]()

	seg := alternatingSegment(49, 270, 3, pulse.HwRF433) // wrong rawlen (descriptor wants exactly 50)
	dec.process(seg, out)

	select {
	case bc := <-out.C():
		t.Fatalf("expected no broadcast for mismatched rawlen, got %+v", bc)
	default:
	}
}
