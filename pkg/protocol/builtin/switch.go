package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// GenericSwitchProtocolID names a minimal AC-style remote switch: a
// 5-bit device id, a 4-bit unit number and a 1-bit on/off state,
// encoded one bit per raw pulse the way daemon.c's decode loop reads
// protocol->code[x] directly (no parseBinary grouping), grounded in
// the rawToCode threshold comparison at daemon.c around line 531.
const GenericSwitchProtocolID = "generic_switch"

const (
	switchRawLen  = 12
	switchPlsLen  = 320
	switchPulse   = 3
	switchIDBits  = 5
	switchUnitLo  = 5
	switchUnitBits = 4
	switchStateBit = 9
)

// GenericSwitch describes the builtin on/off remote switch protocol.
var GenericSwitch = protocol.Descriptor{
	ID:        GenericSwitchProtocolID,
	HwType:    pulse.HwRF433,
	RawLen:    switchRawLen,
	PlsLen:    []int{switchPlsLen},
	Pulse:     switchPulse,
	RxRpt:     2,
	TxRpt:     4,
	Options: []Option{
		{ShortFlag: 'i', LongName: "id", ArgType: protocol.HasValue, ConfType: protocol.ConfID, VarType: protocol.VarNumber},
		{ShortFlag: 'u', LongName: "unit", ArgType: protocol.HasValue, ConfType: protocol.ConfID, VarType: protocol.VarNumber},
		{LongName: "on", ConfType: protocol.ConfState, VarType: protocol.VarString},
		{LongName: "off", ConfType: protocol.ConfState, VarType: protocol.VarString},
	},
	Callbacks: protocol.Callbacks{
		ParseCode:  switchParseCode,
		CreateCode: switchCreateCode,
	},
}

func switchParseCode(rt *protocol.RuntimeState) (json.RawMessage, bool) {
	if len(rt.Code) < switchRawLen {
		return nil, false
	}
	id := bitsToInt(rt.Code, 0, switchIDBits)
	unit := bitsToInt(rt.Code, switchUnitLo, switchUnitBits)
	state := "off"
	if rt.Code[switchStateBit] == 1 {
		state = "on"
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":    id,
		"unit":  unit,
		"state": state,
	})
	if err != nil {
		return nil, false
	}
	return payload, true
}

func switchCreateCode(payload map[string]interface{}) ([]int, error) {
	id, ok := numberField(payload, "id")
	if !ok {
		return nil, fmt.Errorf("generic_switch: missing id")
	}
	unit, ok := numberField(payload, "unit")
	if !ok {
		return nil, fmt.Errorf("generic_switch: missing unit")
	}
	state, _ := payload["state"].(string)

	code := make([]int, switchRawLen)
	setBits(code, 0, switchIDBits, id)
	setBits(code, switchUnitLo, switchUnitBits, unit)
	if state == "on" {
		code[switchStateBit] = 1
	}

	raw := make([]int, switchRawLen)
	threshold := switchPlsLen * (1 + switchPulse) / 2
	for i, bit := range code {
		if bit == 1 {
			raw[i] = threshold * 2
		} else {
			raw[i] = switchPlsLen
		}
	}
	return raw, nil
}

func bitsToInt(code []int, offset, width int) int {
	v := 0
	for i := 0; i < width; i++ {
		v = v << 1
		if code[offset+i] == 1 {
			v |= 1
		}
	}
	return v
}

func setBits(code []int, offset, width, value int) {
	for i := width - 1; i >= 0; i-- {
		if value&1 == 1 {
			code[offset+i] = 1
		}
		value >>= 1
	}
}

func numberField(payload map[string]interface{}, key string) (int, bool) {
	f, ok := payload[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}
