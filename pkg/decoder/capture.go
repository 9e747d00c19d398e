// Package decoder turns raw hardware pulses into protocol-decoded
// messages: one capture goroutine per receive-capable driver builds
// timed segments, and a single decode goroutine matches each segment
// against the protocol registry and emits broadcast-ready messages.
package decoder

import (
	"context"

	"github.com/n0call/rfbridged/pkg/hardware"
	"github.com/n0call/rfbridged/pkg/logging"
	"github.com/n0call/rfbridged/pkg/pulse"
)

// footerThreshold is the minimum pulse duration (microseconds) that
// terminates a segment (daemon.c ~line 1397: "duration > 4440").
const footerThreshold = 4440

// maxFooterPlsLen caps a spurious multi-second gap from being read as
// a footer pulse length (daemon.c's "Maximum footer pulse of 100000").
const maxFooterPlsLen = 3000

// CaptureLoop reads one driver's pulse stream and pushes filtered
// segments onto out, grounded directly on daemon.c's receive_code
// (~line 1371). It returns when ctx is done or the driver's receiver
// reports an error (the driver was torn down).
func CaptureLoop(ctx context.Context, d hardware.Driver, txlock *pulse.TransmitLock, minRawLen, maxRawLen int, out *pulse.Queue[pulse.Segment]) {
	recv := d.Receiver()
	if recv == nil {
		return
	}

	var rawcode [pulse.MaxRawLen]int
	rawlen := 0
	plslen := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Wait out any transmit in progress before the next blocking
		// read; the lock is not held during the read itself, so the
		// Sender can take it while capture waits for a pulse.
		txlock.Lock()
		txlock.Unlock()
		duration, err := recv()
		if err != nil {
			return
		}
		if duration <= 0 {
			continue
		}

		rawcode[rawlen] = duration
		rawlen++
		if rawlen > pulse.MaxRawLen-1 {
			rawlen = 0
			continue
		}

		if duration > footerThreshold {
			if duration/pulse.PulseDiv < maxFooterPlsLen {
				plslen = duration / pulse.PulseDiv
			}
			if rawlen >= minRawLen && rawlen <= maxRawLen {
				seg := pulse.Segment{
					Raw:    append([]int(nil), rawcode[:rawlen]...),
					RawLen: rawlen,
					PlsLen: plslen,
					HwType: d.Type(),
				}
				if !out.Push(seg) {
					logging.Error("decoder", "receiver queue full")
				}
			}
			rawlen = 0
		}
	}
}
