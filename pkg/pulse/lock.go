package pulse

import "sync"

// TransmitLock serializes hardware access between the capture loop and
// the sender, standing in for daemon.c's single `receive_lock` mutex
// that the send path takes for the duration of a transmit (daemon.c
// ~line 624). The capture loop takes and releases it before every
// blocking call into the driver, so a read never starts while a
// transmit is in progress (daemon.c ~line 1388).
type TransmitLock struct {
	mu sync.Mutex
}

func (l *TransmitLock) Lock()   { l.mu.Lock() }
func (l *TransmitLock) Unlock() { l.mu.Unlock() }
