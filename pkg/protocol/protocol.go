// Package protocol implements the registry of device protocol
// plugins and the code<->JSON option schema that drives send encoding
// and receive decoding.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// FirmwareProtocolID is exempted from the repeat-window gate in the
// decode loop (spec §4.3): it always passes through on first match.
const FirmwareProtocolID = "pilight_firmware"

// RawProtocolID is the sentinel Sender checks for its loopback
// self-test behavior (spec §4.5 step 3): a send under this id carries
// its pulse train verbatim when the task supplies one (otherwise it is
// built by the raw descriptor's CreateCode from a "pulses" array), and
// its pulses are fed back into the ReceiveQueue
// instead of (or alongside) an actual hardware transmit.
const RawProtocolID = "raw"

// ArgType describes whether an option takes a value on the CLI/JSON
// side (spec §4.2).
type ArgType int

const (
	NoValue ArgType = iota
	HasValue
)

// ConfType classifies what role an option plays in code<->JSON
// lifting: a stable identifier, a settable value, a daemon setting, a
// device state name, or a purely optional field.
type ConfType int

const (
	ConfID ConfType = iota
	ConfValue
	ConfSetting
	ConfState
	ConfOptional
)

// VarType is the JSON type an option's value should take.
type VarType int

const (
	VarNumber VarType = iota
	VarString
)

// Option is one entry of a protocol's option schema (spec §4.2).
type Option struct {
	ShortFlag  byte
	LongName   string
	ArgType    ArgType
	ConfType   ConfType
	VarType    VarType
	Validation *regexp.Regexp
}

// Validate reports whether value satisfies the option's validation
// regex, if any.
func (o Option) Validate(value string) bool {
	if o.Validation == nil {
		return true
	}
	return o.Validation.MatchString(value)
}

// RuntimeState is the mutable per-descriptor decode scratch space
// (spec §3 ProtocolRuntimeState). It is touched only by the
// ReceiveDecoder goroutine — invariant (iv).
type RuntimeState struct {
	Raw     []int
	Code    []int
	PCode   []int
	Binary  []int
	Repeats int
	First   int64
	Second  int64
	Message json.RawMessage
}

func newRuntimeState() *RuntimeState {
	return &RuntimeState{
		Raw:    make([]int, pulse.MaxRawLen),
		Code:   make([]int, pulse.MaxRawLen),
		PCode:  make([]int, pulse.MaxRawLen),
		Binary: make([]int, pulse.MaxRawLen/4+1),
	}
}

// ResetMessage clears the transient message scratch slot after each
// emit (spec §3 lifecycle: "reset to empty after each emit").
func (s *RuntimeState) ResetMessage() {
	s.Message = nil
}

// Callbacks is a protocol's plugin callback table (spec §4.2). Each
// callback returns (message, ok) — an owned value rather than writing
// into shared scratch, per REDESIGN FLAGS §9's "decode(segment) ->
// Option<Event>" guidance. A nil callback means the protocol doesn't
// implement that stage.
type Callbacks struct {
	ParseRaw    func(rt *RuntimeState) (json.RawMessage, bool)
	ParseCode   func(rt *RuntimeState) (json.RawMessage, bool)
	ParseBinary func(rt *RuntimeState) (json.RawMessage, bool)

	// CreateCode encodes a send request's JSON payload (already
	// resolved against the option schema) into a raw pulse train
	// (one repeat unit, not yet replicated for txrpt).
	CreateCode func(payload map[string]interface{}) ([]int, error)

	// InitDev starts any background activity the plugin needs (e.g. a
	// polling sensor) and is handed a message.Sink instead of reaching
	// into process-global broadcast scratch, per REDESIGN FLAGS §9. It
	// returns a stop function invoked at shutdown in place of a
	// separate thread_gc callback.
	InitDev func(sink message.Sink) (stop func(), err error)
}

// Descriptor is immutable protocol metadata (spec §3
// ProtocolDescriptor).
type Descriptor struct {
	ID        string
	HwType    pulse.HwType
	RawLen    int // exact length; 0 if Min/MaxRawLen apply instead
	MinRawLen int
	MaxRawLen int
	PlsLen    []int // allowed reference short-pulse lengths
	Pulse     int   // short/long ratio divisor, typically 3
	RxRpt     int   // minimum receive repeats required to emit
	TxRpt     int   // minimum transmit repeats to send
	LSB       int   // bit-pack offset
	BinLen    int
	Options   []Option
	Callbacks
}

// MatchesRawLen implements candidate rule 4 (spec §4.3).
func (d Descriptor) MatchesRawLen(rawlen int) bool {
	if d.RawLen != 0 && rawlen == d.RawLen {
		return true
	}
	return d.MinRawLen > 0 && d.MaxRawLen > 0 && rawlen >= d.MinRawLen && rawlen <= d.MaxRawLen
}

// MatchesPlsLen implements candidate rule 3: some allowed length must
// be within +-5us of the segment's plslen.
func (d Descriptor) MatchesPlsLen(plslen int) bool {
	for _, l := range d.PlsLen {
		if abs(plslen-l) <= 5 {
			return true
		}
	}
	return false
}

// Decodable implements candidate rule 2: the protocol must have at
// least one decode callback, a positive pulse ratio, and a non-empty
// plslen set.
func (d Descriptor) Decodable() bool {
	hasCallback := d.ParseRaw != nil || d.ParseCode != nil || d.ParseBinary != nil
	return hasCallback && d.Pulse > 0 && len(d.PlsLen) > 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Entry pairs an immutable descriptor with its single runtime state,
// since the original is a 1:1 association mutated only by the decode
// goroutine.
type Entry struct {
	Desc  Descriptor
	State *RuntimeState
}

// Registry is the process-global, append-only set of loaded protocol
// plugins (spec §4.2). Registration happens once at startup; there is
// no dynamic unregister.
type Registry struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	stopFuncs []func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Entry)}
}

// Register adds a protocol descriptor. Registration is a startup-only
// operation (spec §4.2) — it is not safe to call once the decode loop
// is running.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return fmt.Errorf("protocol: %q already registered", d.ID)
	}
	e := &Entry{Desc: d, State: newRuntimeState()}
	r.entries = append(r.entries, e)
	r.byID[d.ID] = e
	return nil
}

// StartDevices invokes InitDev on every registered protocol that
// declares one, handing each the shared broadcast sink, and collects
// their stop functions for StopDevices.
func (r *Registry) StartDevices(sink message.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Desc.InitDev == nil {
			continue
		}
		stop, err := e.Desc.InitDev(sink)
		if err != nil {
			return fmt.Errorf("protocol: init device %q: %w", e.Desc.ID, err)
		}
		if stop != nil {
			r.stopFuncs = append(r.stopFuncs, stop)
		}
	}
	return nil
}

// StopDevices stops every background device activity started by
// StartDevices.
func (r *Registry) StopDevices() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stop := range r.stopFuncs {
		stop()
	}
	r.stopFuncs = nil
}

// RawLenBounds returns the global [min,max] segment length the
// capture loop should bother queuing, derived from every registered
// descriptor's own bounds (daemon.c's startup scan over the protocol
// list at lines ~2021-2036). Returns ok=false if nothing is
// registered yet.
func (r *Registry) RawLenBounds() (min, max int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		d := e.Desc
		if d.RawLen > 0 {
			if !ok || d.RawLen < min {
				min = d.RawLen
			}
			if d.RawLen > max {
				max = d.RawLen
			}
			ok = true
		}
		if d.MinRawLen > 0 && (!ok || d.MinRawLen < min) {
			min = d.MinRawLen
			ok = true
		}
		if d.MaxRawLen > max {
			max = d.MaxRawLen
			ok = true
		}
	}
	return min, max, ok
}

// Descriptor looks up a descriptor by id. Used for the O(n)-acceptable
// inbound send routing (spec §4.2 — lookup only happens on the send
// path, never the hot decode path).
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.Desc, true
}

// All returns every registered entry, for the decode loop to iterate
// as match candidates.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
