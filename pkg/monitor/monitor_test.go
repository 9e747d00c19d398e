package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/n0call/rfbridged/pkg/message"
	"github.com/n0call/rfbridged/pkg/pulse"
)

func TestMonitorPublishesSample(t *testing.T) {
	out := pulse.NewQueue[message.Broadcast]()
	m := NewMonitor(out, nil, 0, 0)

	m.sample()

	select {
	case bc := <-out.C():
		if bc.Protocol != processProtocol {
			t.Errorf("expected protocol %q, got %q", processProtocol, bc.Protocol)
		}
		if bc.Origin != message.OriginConfig {
			t.Errorf("expected origin config, got %q", bc.Origin)
		}
	default:
		t.Fatal("expected a broadcast to be published")
	}
}

func TestCheckSustainedFiresAfterConfirmWindow(t *testing.T) {
	out := pulse.NewQueue[message.Broadcast]()

	var mu sync.Mutex
	var reasons []string
	m := NewMonitor(out, func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}, 0, 0)

	m.checkSustained(75, 10)
	m.mu.Lock()
	if m.cpuPendingAt.IsZero() {
		t.Fatal("expected cpu pending timer to be armed")
	}
	m.cpuPendingAt = time.Now().Add(-confirmWindow - time.Second)
	m.mu.Unlock()

	m.checkSustained(75, 10)

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(reasons))
	}
}

func TestCheckSustainedResetsOnDrop(t *testing.T) {
	out := pulse.NewQueue[message.Broadcast]()
	m := NewMonitor(out, nil, 0, 0)

	m.checkSustained(75, 10)
	m.checkSustained(10, 10)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cpuPendingAt.IsZero() {
		t.Error("expected cpu pending timer to reset once usage drops below threshold")
	}
}

func TestCheckSustainedBelowThresholdNeverFires(t *testing.T) {
	out := pulse.NewQueue[message.Broadcast]()

	fired := false
	m := NewMonitor(out, func(reason string) { fired = true }, 0, 0)

	m.checkSustained(50, 50)
	if fired {
		t.Fatal("sustained check below threshold should not escalate")
	}
}
