package broadcaster

import (
	"bytes"
	"encoding/json"
	"sync"
)

// DeviceStateCache is a ConfigUpdater implementation: a process-wide
// cache of each device's last known reported state, keyed by
// protocol+id. config_update's own source isn't part of this pack, so
// this reconstructs its documented behavior (fold the new reading into
// the cached state, report a patch only when something actually
// changed) rather than porting a literal implementation.
type DeviceStateCache struct {
	mu    sync.Mutex
	state map[string]json.RawMessage
}

// NewDeviceStateCache creates an empty cache.
func NewDeviceStateCache() *DeviceStateCache {
	return &DeviceStateCache{state: make(map[string]json.RawMessage)}
}

// Update folds msg into the cached state for protocol+id, returning a
// GUI-bound patch only when the stored state actually changed.
func (c *DeviceStateCache) Update(protocol string, msg json.RawMessage) (json.RawMessage, bool) {
	key := protocol + ":" + deviceID(msg)

	c.mu.Lock()
	prev, existed := c.state[key]
	changed := !existed || !bytes.Equal(prev, msg)
	if changed {
		c.state[key] = append(json.RawMessage(nil), msg...)
	}
	c.mu.Unlock()

	if !changed {
		return nil, false
	}
	patch, err := json.Marshal(map[string]interface{}{
		"origin":   "config",
		"protocol": protocol,
		"config":   msg,
	})
	if err != nil {
		return nil, false
	}
	return patch, true
}

func deviceID(msg json.RawMessage) string {
	var fields struct {
		ID interface{} `json:"id"`
	}
	if json.Unmarshal(msg, &fields) != nil || fields.ID == nil {
		return ""
	}
	b, _ := json.Marshal(fields.ID)
	return string(b)
}
