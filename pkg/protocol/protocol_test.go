package protocol

import (
	"encoding/json"
	"testing"

	"github.com/n0call/rfbridged/pkg/message"
)

func TestMatchesPlsLenTolerance(t *testing.T) {
	d := Descriptor{PlsLen: []int{270}}

	cases := map[int]bool{265: true, 270: true, 275: true, 264: false, 276: false}
	for plslen, want := range cases {
		if got := d.MatchesPlsLen(plslen); got != want {
			t.Errorf("MatchesPlsLen(%d) = %v, want %v", plslen, got, want)
		}
	}
}

func TestMatchesRawLen(t *testing.T) {
	exact := Descriptor{RawLen: 50}
	if !exact.MatchesRawLen(50) || exact.MatchesRawLen(49) {
		t.Error("exact rawlen match failed")
	}

	ranged := Descriptor{MinRawLen: 40, MaxRawLen: 60}
	if !ranged.MatchesRawLen(40) || !ranged.MatchesRawLen(60) || ranged.MatchesRawLen(39) || ranged.MatchesRawLen(61) {
		t.Error("ranged rawlen match failed")
	}
}

func TestDecodable(t *testing.T) {
	full := Descriptor{
		Pulse:  3,
		PlsLen: []int{270},
		Callbacks: Callbacks{
			ParseCode: func(rt *RuntimeState) (json.RawMessage, bool) { return nil, false },
		},
	}
	if !full.Decodable() {
		t.Error("expected descriptor with callback, pulse ratio and plslen to be decodable")
	}

	noCallback := full
	noCallback.Callbacks = Callbacks{}
	if noCallback.Decodable() {
		t.Error("expected descriptor with no callbacks to be non-decodable")
	}

	noPulse := full
	noPulse.Pulse = 0
	if noPulse.Decodable() {
		t.Error("expected descriptor with zero pulse ratio to be non-decodable")
	}

	noPlsLen := full
	noPlsLen.PlsLen = nil
	if noPlsLen.Decodable() {
		t.Error("expected descriptor with empty plslen set to be non-decodable")
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	d := Descriptor{ID: "dup"}
	if err := r.Register(d); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(d); err == nil {
		t.Fatal("expected an error registering a duplicate protocol id")
	}
}

func TestRawLenBounds(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.RawLenBounds(); ok {
		t.Fatal("expected ok=false for an empty registry")
	}

	r.Register(Descriptor{ID: "a", RawLen: 50})
	r.Register(Descriptor{ID: "b", MinRawLen: 20, MaxRawLen: 80})

	min, max, ok := r.RawLenBounds()
	if !ok {
		t.Fatal("expected ok=true once protocols are registered")
	}
	if min != 20 {
		t.Errorf("expected min 20, got %d", min)
	}
	if max != 80 {
		t.Errorf("expected max 80, got %d", max)
	}
}

type discardSink struct{}

func (discardSink) Publish(b message.Broadcast) {}

func TestStartStopDevices(t *testing.T) {
	stopped := false
	r := NewRegistry()
	if err := r.Register(Descriptor{
		ID: "poller",
		Callbacks: Callbacks{
			InitDev: func(sink message.Sink) (func(), error) {
				return func() { stopped = true }, nil
			},
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.StartDevices(discardSink{}); err != nil {
		t.Fatalf("StartDevices: %v", err)
	}
	r.StopDevices()
	if !stopped {
		t.Error("expected StopDevices to invoke the stop func returned by InitDev")
	}

	r2 := NewRegistry()
	r2.Register(Descriptor{ID: "dumb"})
	if err := r2.StartDevices(discardSink{}); err != nil {
		t.Fatalf("StartDevices with no InitDev: %v", err)
	}
	r2.StopDevices()
}
