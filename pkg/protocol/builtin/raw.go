// Package builtin ships the protocol plugins that make the pipeline
// exercisable without an external device-specific plugin: the "raw"
// loopback protocol, a generic on/off remote switch, and a polling
// sensor grounded directly in original_source/libs/protocols/generic_api.c.
package builtin

import (
	"fmt"

	"github.com/n0call/rfbridged/pkg/protocol"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// Raw describes the "raw" protocol. It has no decode callbacks on
// purpose — a raw send's looped-back pulses re-enter the normal
// ReceiveQueue and get decoded by whichever *other* registered
// protocol actually matches their content, which is the self-test
// mechanism described in spec §4.5.
var Raw = protocol.Descriptor{
	ID:        protocol.RawProtocolID,
	HwType:    pulse.HwAny,
	MinRawLen: 1,
	MaxRawLen: pulse.MaxRawLen,
	TxRpt:     1,
	Callbacks: protocol.Callbacks{
		CreateCode: rawCreateCode,
	},
}

func rawCreateCode(payload map[string]interface{}) ([]int, error) {
	raw, ok := payload["pulses"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("raw: missing pulses array")
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("raw: pulse value is not a number")
		}
		out = append(out, int(f))
	}
	return out, nil
}
