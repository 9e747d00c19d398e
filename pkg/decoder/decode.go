package decoder

import (
	"context"
	"time"

	"github.com/n0call/rfbridged/pkg/logging"
	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// repeatResetWindow is the gap after which a protocol's repeat counter
// is reset to zero rather than incremented (daemon.c ~line 554:
// "second-first > 500000" microseconds).
const repeatResetWindow = 500 * time.Millisecond

// trailingPartialGroupRatio is the threshold below which the last
// incomplete 4-pulse group is dropped before binary packing (daemon.c
// ~line 579: "raw[1]/threshold < 2.1").
const trailingPartialGroupRatio = 2.1

// Decoder matches captured segments against the protocol registry and
// emits decoded broadcasts. It owns no state of its own beyond the
// receive-repeats multiplier; all per-protocol scratch lives in each
// registry entry's RuntimeState (invariant: touched only from this
// loop).
type Decoder struct {
	Registry      *protocol.Registry
	ReceiveRepeat int // global receive-repeats setting, multiplies each protocol's RxRpt
}

// NewDecoder creates a decoder with the given registry and a
// receive-repeats multiplier (1 if unset).
func NewDecoder(reg *protocol.Registry, receiveRepeat int) *Decoder {
	if receiveRepeat <= 0 {
		receiveRepeat = 1
	}
	return &Decoder{Registry: reg, ReceiveRepeat: receiveRepeat}
}

// Run drains in, matching every segment against every registered
// protocol and pushing resulting broadcasts onto out. Grounded on
// daemon.c's receiveParse loop (~line 480-596).
func (dec *Decoder) Run(ctx context.Context, in *pulse.Queue[pulse.Segment], out *pulse.Queue[message.Broadcast]) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-in.C():
			dec.process(seg, out)
		}
	}
}

func (dec *Decoder) process(seg pulse.Segment, out *pulse.Queue[message.Broadcast]) {
	for _, e := range dec.Registry.All() {
		d := e.Desc
		if !d.HwType.Matches(seg.HwType) {
			continue
		}
		if !d.Decodable() {
			continue
		}
		if !d.MatchesPlsLen(seg.PlsLen) {
			continue
		}
		if !d.MatchesRawLen(seg.RawLen) {
			continue
		}
		dec.match(d, e.State, seg, out)
	}
}

func (dec *Decoder) match(d protocol.Descriptor, rt *protocol.RuntimeState, seg pulse.Segment, out *pulse.Queue[message.Broadcast]) {
	copy(rt.Raw, seg.Raw)

	if d.ParseRaw != nil {
		rt.Repeats = -1
		if msg, ok := d.ParseRaw(rt); ok {
			emit(out, d.ID, msg, -1)
		}
	}

	threshold := plslenThreshold(seg.PlsLen, d.Pulse)
	for x := 0; x < seg.RawLen; x++ {
		rt.PCode[x] = rt.Code[x]
		if seg.Raw[x] >= threshold {
			rt.Code[x] = 1
		} else {
			rt.Code[x] = 0
		}
	}

	now := time.Now().UnixMicro()
	if rt.First > 0 {
		rt.First = rt.Second
	}
	rt.Second = now
	if rt.First == 0 {
		rt.First = rt.Second
	}
	if time.Duration(rt.Second-rt.First)*time.Microsecond > repeatResetWindow {
		rt.Repeats = 0
	}
	rt.Repeats++

	if rt.Repeats < dec.ReceiveRepeat*d.RxRpt && d.ID != protocol.FirmwareProtocolID {
		return
	}

	if d.ParseCode != nil {
		if msg, ok := d.ParseCode(rt); ok {
			emit(out, d.ID, msg, rt.Repeats)
		}
	}

	if d.ParseBinary != nil {
		x := 0
		for ; x < seg.RawLen; x += 4 {
			if rt.Code[x+d.LSB] == 1 {
				rt.Binary[x/4] = 1
			} else {
				rt.Binary[x/4] = 0
			}
		}
		if float64(seg.Raw[1])/float64(threshold) < trailingPartialGroupRatio {
			x -= 4
		}
		groups := x / 4
		if (d.BinLen > 0 && groups == d.BinLen) || (d.BinLen == 0 && groups == seg.RawLen/4) {
			if msg, ok := d.ParseBinary(rt); ok {
				emit(out, d.ID, msg, rt.Repeats)
			}
		}
	}
}

func plslenThreshold(plslen, pulseRatio int) int {
	return plslen * (1 + pulseRatio) / 2
}

func emit(out *pulse.Queue[message.Broadcast], id string, msg []byte, repeats int) {
	b := message.Broadcast{
		Origin:   message.OriginReceiver,
		Protocol: id,
		Message:  msg,
	}
	if repeats > -1 {
		b.Repeats = repeats
	}
	if !out.Push(b) {
		logging.Error("decoder", "broadcast queue full")
	}
}
