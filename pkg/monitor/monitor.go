// Package monitor implements the self-monitor side channel: periodic
// CPU/RAM sampling published as a broadcast, with an escalating exit
// policy on sustained high load (spec §6).
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

const (
	sampleInterval  = 3 * time.Second
	defaultWarn     = 60.0
	defaultFatal    = 90.0
	confirmWindow   = 10 * time.Second
	processProtocol = "process"
)

// ExitFunc is invoked when the escalation policy decides the process
// must stop; pkg/engine wires this to CoreEngine.fatalExit, which stops
// the engine, rather than this package calling os.Exit directly.
type ExitFunc func(reason string)

// Monitor samples CPU/RAM on an interval and publishes a "process"
// broadcast each time, mirroring the self-monitor thread implied by
// spec §6 (no single original source file covers it; thresholds and
// cadence are taken directly from the spec text).
type Monitor struct {
	Broadcast *pulse.Queue[message.Broadcast]
	Exit      ExitFunc
	Gauges    *Gauges // optional prometheus export

	warnThreshold  float64
	fatalThreshold float64

	mu           sync.Mutex
	cpuPendingAt time.Time
	ramPendingAt time.Time
}

// NewMonitor creates a Monitor publishing onto out and invoking exit on
// a sustained-load breach, using warnPct/fatalPct as the two escalation
// thresholds (spec §6; config.go's Monitor.WarnPercent/FatalPercent).
// Zero values fall back to the spec's 60/90 defaults.
func NewMonitor(out *pulse.Queue[message.Broadcast], exit ExitFunc, warnPct, fatalPct float64) *Monitor {
	if warnPct <= 0 {
		warnPct = defaultWarn
	}
	if fatalPct <= 0 {
		fatalPct = defaultFatal
	}
	return &Monitor{Broadcast: out, Exit: exit, warnThreshold: warnPct, fatalThreshold: fatalPct}
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPct := readCPUPercent()
	ramPct := readRAMPercent()

	if m.Gauges != nil {
		m.Gauges.Set(cpuPct, ramPct)
	}

	payload, _ := json.Marshal(map[string]float64{"cpu": cpuPct, "ram": ramPct})
	if m.Broadcast != nil {
		m.Broadcast.Push(message.Broadcast{
			Origin:   message.OriginConfig,
			Protocol: processProtocol,
			Message:  payload,
		})
	}

	if cpuPct > m.fatalThreshold || ramPct > m.fatalThreshold {
		m.fire(fmt.Sprintf("usage above %.0f%%: cpu=%.1f ram=%.1f", m.fatalThreshold, cpuPct, ramPct))
		return
	}

	m.checkSustained(cpuPct, ramPct)
}

// checkSustained implements "two consecutive checks separated by 10s"
// as a confirm window: the first breach arms a timer, a breach still
// present confirmWindow later escalates to exit.
func (m *Monitor) checkSustained(cpuPct, ramPct float64) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpuPct > m.warnThreshold {
		if m.cpuPendingAt.IsZero() {
			m.cpuPendingAt = now
		} else if now.Sub(m.cpuPendingAt) >= confirmWindow {
			m.mu.Unlock()
			m.fire(fmt.Sprintf("sustained cpu usage above %.0f%%: %.1f", m.warnThreshold, cpuPct))
			m.mu.Lock()
		}
	} else {
		m.cpuPendingAt = time.Time{}
	}

	if ramPct > m.warnThreshold {
		if m.ramPendingAt.IsZero() {
			m.ramPendingAt = now
		} else if now.Sub(m.ramPendingAt) >= confirmWindow {
			m.mu.Unlock()
			m.fire(fmt.Sprintf("sustained ram usage above %.0f%%: %.1f", m.warnThreshold, ramPct))
			m.mu.Lock()
		}
	} else {
		m.ramPendingAt = time.Time{}
	}
}

func (m *Monitor) fire(reason string) {
	log.Printf("monitor: %s", reason)
	if m.Exit != nil {
		m.Exit(reason)
	}
}

func readCPUPercent() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

func readRAMPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent
}
