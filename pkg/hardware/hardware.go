// Package hardware abstracts the 433 MHz radio (or sensor, or
// API-only) devices that the pipeline captures pulses from and
// transmits pulses through.
package hardware

import (
	"fmt"

	"github.com/n0call/rfbridged/pkg/pulse"
)

// Driver is the capability set every hardware backend exposes, per
// spec §4.1: init/deinit, a blocking single-pulse receive, and a
// pulse-train send. Receive is optional — API-only drivers return a
// nil Receiver so the capture loop never starts for them.
type Driver interface {
	Init() error
	Deinit() error
	Type() pulse.HwType

	// Receiver returns the blocking receive callback, or nil if this
	// driver never originates pulses.
	Receiver() func() (int, error)

	// Sender returns the transmit callback, or nil if this driver
	// cannot transmit.
	Sender() func(pulses []int) error
}

// Registry is the set of active drivers, keyed by declared hwtype.
// Built once at startup; read-only afterward, per spec §5.
type Registry struct {
	drivers []Driver
}

// NewRegistry builds a registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

// All returns every registered driver.
func (r *Registry) All() []Driver {
	return r.drivers
}

// ByType returns the first driver whose declared type matches hwtype,
// used by the Sender to locate the transmitting driver for a protocol
// (spec §4.5 step 2).
func (r *Registry) ByType(hwtype pulse.HwType) Driver {
	for _, d := range r.drivers {
		if d.Type() == hwtype {
			return d
		}
	}
	return nil
}

// InitAll initializes every driver, stopping at the first failure — a
// hardware init failure is a fatal startup error per spec §7.
func (r *Registry) InitAll() error {
	for _, d := range r.drivers {
		if err := d.Init(); err != nil {
			return fmt.Errorf("hardware: init %s: %w", d.Type(), err)
		}
	}
	return nil
}

// DeinitAll tears down every driver, collecting but not stopping on
// individual errors.
func (r *Registry) DeinitAll() []error {
	var errs []error
	for _, d := range r.drivers {
		if err := d.Deinit(); err != nil {
			errs = append(errs, fmt.Errorf("hardware: deinit %s: %w", d.Type(), err))
		}
	}
	return errs
}
