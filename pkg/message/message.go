// Package message defines the structured broadcast message that
// flows from the decoder or sender into the broadcaster and out to
// client sessions (spec §3 BroadcastMessage).
package message

import "encoding/json"

// Origin identifies fan-out behavior for a Broadcast (spec §4.4).
type Origin string

const (
	OriginReceiver Origin = "receiver"
	OriginSender   Origin = "sender"
	OriginConfig   Origin = "config"
	OriginUpdate   Origin = "update"
)

// Broadcast is the structured object published onto the broadcast
// queue and, eventually, to subscribed client sessions.
type Broadcast struct {
	Origin   Origin          `json:"origin"`
	Protocol string          `json:"protocol"`
	Message  json.RawMessage `json:"message"`
	UUID     string          `json:"uuid,omitempty"`
	Repeats  int             `json:"repeats,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// SendTask is a send request born in ClientSessionManager or
// UpstreamLink, consumed by Sender (spec §3 lifecycle).
type SendTask struct {
	ProtocolIDs []string        `json:"protocol"`
	Message     json.RawMessage `json:"message,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	UUID        string          `json:"uuid,omitempty"`

	// RawPulses is populated by whoever resolved the protocol's
	// option schema (or, for the "raw" protocol, carried verbatim
	// from the client) — one repeat unit, pre-replication.
	RawPulses []int
}

// Sink is the narrow interface protocol plugins get at registration
// so they can publish spontaneously (e.g. a polling sensor) without
// reaching into process-global scratch state, per REDESIGN FLAGS §9.
type Sink interface {
	Publish(b Broadcast)
}
