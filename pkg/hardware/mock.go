package hardware

import (
	"fmt"
	"log"
	"sync"

	"github.com/n0call/rfbridged/pkg/pulse"
)

// MockRF433Driver stands in for a real 433 MHz receiver/transmitter
// board. It never touches actual GPIO; pulses to "receive" are fed in
// through Inject, following the teacher's MockRadio/MockGPIO pattern
// of a fully in-memory backend behind the same interface used for a
// real device.
type MockRF433Driver struct {
	mu          sync.Mutex
	initialized bool
	feed        chan int
	closed      bool
	sent        [][]int
}

// NewMockRF433Driver creates a mock RF433 backend with room to queue
// up to 4096 injected pulses before Inject starts blocking.
func NewMockRF433Driver() *MockRF433Driver {
	return &MockRF433Driver{feed: make(chan int, 4096)}
}

func (m *MockRF433Driver) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	log.Printf("hardware: mock RF433 driver initialized")
	return nil
}

func (m *MockRF433Driver) Deinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	if !m.closed {
		// Closing the feed makes a Receiver blocked on it return an error.
		close(m.feed)
		m.closed = true
	}
	log.Printf("hardware: mock RF433 driver stopped")
	return nil
}

func (m *MockRF433Driver) Type() pulse.HwType { return pulse.HwRF433 }

// Receiver blocks on the injected pulse feed. It returns an error only
// when the driver is closed out from under it.
func (m *MockRF433Driver) Receiver() func() (int, error) {
	return func() (int, error) {
		v, ok := <-m.feed
		if !ok {
			return 0, fmt.Errorf("hardware: mock RF433 driver closed")
		}
		return v, nil
	}
}

// Sender records the pulse train it was asked to transmit and always
// succeeds — real transmit failures belong to a real radio backend,
// out of scope here.
func (m *MockRF433Driver) Sender() func(pulses []int) error {
	return func(pulses []int) error {
		m.mu.Lock()
		m.sent = append(m.sent, append([]int(nil), pulses...))
		m.mu.Unlock()
		return nil
	}
}

// Inject feeds pulses into the capture stream as if a real receiver
// had seen them on the air. Used by tests and by any local loopback
// harness.
func (m *MockRF433Driver) Inject(pulses ...int) {
	for _, p := range pulses {
		m.feed <- p
	}
}

// SentTrains returns every pulse train handed to Sender so far.
func (m *MockRF433Driver) SentTrains() [][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]int, len(m.sent))
	copy(out, m.sent)
	return out
}

// NullDriver is an API-only backend: no radio hardware exists behind
// it, it originates no pulses, and any send is a silent no-op. Used
// for the HwAPI hwtype, per spec §4.1's "API-only (no radio) driver".
type NullDriver struct{}

func NewNullDriver() *NullDriver { return &NullDriver{} }

func (NullDriver) Init() error            { return nil }
func (NullDriver) Deinit() error          { return nil }
func (NullDriver) Type() pulse.HwType     { return pulse.HwAPI }
func (NullDriver) Receiver() func() (int, error) { return nil }
func (NullDriver) Sender() func(pulses []int) error {
	return func(pulses []int) error { return nil }
}
