// Package broadcaster fans decoded and sent broadcast messages out to
// client sessions, the GUI config-push channel, and an upstream relay,
// grounded on daemon.c's broadcast worker (~line 293).
package broadcaster

import (
	"encoding/json"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// GUISink receives a full serialized broadcast (origin/protocol/message
// untouched) for every "config"-origin message and every device-state
// patch ConfigUpdater produces.
type GUISink interface {
	PushGUI(payload json.RawMessage)
}

// ReceiverSink receives the renamed/stripped outward form of every
// non-config broadcast.
type ReceiverSink interface {
	PushReceivers(payload json.RawMessage)
	ReceiverCount() int
}

// UpstreamSink is the active UpstreamLink, present only when running
// as a node (spec §4.4's runmode=2 case).
type UpstreamSink interface {
	Active() bool
	SendUpdate(payload json.RawMessage)
}

// ConfigUpdater folds a broadcast's message into the cached device
// state and reports a GUI-bound patch when the state actually changed.
type ConfigUpdater interface {
	Update(protocol string, msg json.RawMessage) (patch json.RawMessage, changed bool)
}

// Firmware is the process-wide firmware version record maintained from
// pilight_firmware broadcasts (daemon.c ~line 359-365).
type Firmware struct {
	Version float64
	LPF     float64
	HPF     float64
}

// Broadcaster drains the broadcast queue and fans each message out.
type Broadcaster struct {
	GUI       GUISink
	Receivers ReceiverSink
	Upstream  UpstreamSink // nil when not running as a node
	Config    ConfigUpdater
	Firmware  *Firmware
}

// Run processes broadcasts from in until the queue's channel closes.
// Queues have no close/cancel of their own, so while the channel stays
// open Run keeps blocking for the next broadcast and does not return.
func (b *Broadcaster) Run(in *pulse.Queue[message.Broadcast]) {
	for bc := range in.C() {
		b.dispatch(bc)
	}
}

func (b *Broadcaster) dispatch(bc message.Broadcast) {
	if bc.Origin == message.OriginConfig {
		if b.GUI != nil {
			b.GUI.PushGUI(serializeFull(bc))
		}
		return
	}

	if b.Config != nil {
		if patch, changed := b.Config.Update(bc.Protocol, bc.Message); changed && b.GUI != nil {
			b.GUI.PushGUI(patch)
		}
	}

	if bc.Protocol == "pilight_firmware" && b.Firmware != nil {
		b.Firmware.updateFrom(bc.Message)
	}

	outward := outwardForm(bc)
	if skip(outward) {
		return
	}
	payload, _ := json.Marshal(outward)

	if b.Receivers != nil && b.Receivers.ReceiverCount() > 0 {
		b.Receivers.PushReceivers(payload)
	}

	if b.Upstream != nil && b.Upstream.Active() {
		b.Upstream.SendUpdate(upstreamForm(bc))
	}
}

func serializeFull(bc message.Broadcast) json.RawMessage {
	out, _ := json.Marshal(bc)
	return out
}

// outwardForm renames the inner "message" field to "code" and drops
// "settings" entirely — the form every RECEIVER session sees (daemon.c
// ~line 344-357).
func outwardForm(bc message.Broadcast) map[string]interface{} {
	out := map[string]interface{}{
		"origin":   bc.Origin,
		"protocol": bc.Protocol,
		"code":     bc.Message,
	}
	if bc.UUID != "" {
		out["uuid"] = bc.UUID
	}
	if bc.Repeats > 0 {
		out["repeats"] = bc.Repeats
	}
	return out
}

// upstreamForm keeps "settings" (unlike outwardForm) and adds the
// literal "message":"update" marker field daemon.c injects before
// relaying to the master (~line 390-391).
func upstreamForm(bc message.Broadcast) json.RawMessage {
	out := map[string]interface{}{
		"origin":   bc.Origin,
		"protocol": bc.Protocol,
		"code":     bc.Message,
		"message":  "update",
	}
	if len(bc.Settings) > 0 {
		out["settings"] = bc.Settings
	}
	if bc.UUID != "" {
		out["uuid"] = bc.UUID
	}
	if bc.Repeats > 0 {
		out["repeats"] = bc.Repeats
	}
	payload, _ := json.Marshal(out)
	return payload
}

// skip implements the empty-object-or-single-field rule (spec §4.4):
// the original counts fields of the *outer* broadcast object, which in
// practice is always origin+protocol+code (>=3), so this mirrors that
// literal (and largely vestigial) check rather than inventing a
// stricter one.
func skip(outward map[string]interface{}) bool {
	return len(outward) <= 1
}

func (f *Firmware) updateFrom(code json.RawMessage) {
	var fields struct {
		Version float64 `json:"version"`
		LPF     float64 `json:"lpf"`
		HPF     float64 `json:"hpf"`
	}
	if json.Unmarshal(code, &fields) != nil {
		return
	}
	f.Version = fields.Version
	f.LPF = fields.LPF
	f.HPF = fields.HPF
}
