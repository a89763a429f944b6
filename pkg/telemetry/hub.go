// Package telemetry publishes what the sample scheduler forwards: the latest
// snapshot over HTTP and websocket, and every sample to InfluxDB.
package telemetry

import (
	"sync"
	"time"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/sampler"
)

// Snapshot is the state published to clients.
type Snapshot struct {
	Time       time.Time         `json:"time"`
	Angles     robot.JointAngles `json:"angles"`
	DurationMs int64             `json:"duration_ms"`
	Node       string            `json:"node"`
	Sent       bool              `json:"sent"`
	Error      string            `json:"error,omitempty"`
	SentCount  uint64            `json:"sent_count"`
	Failures   uint64            `json:"failures"`
	Lifecycle  string            `json:"lifecycle,omitempty"`
	Healthy    bool              `json:"healthy"`
}

// StatusFunc reports the lifecycle state name and the link health.
type StatusFunc func() (lifecycle string, healthy bool)

// Hub keeps the latest snapshot and fans it out to subscribers.
type Hub struct {
	status StatusFunc

	mu     sync.RWMutex
	snap   Snapshot
	subs   map[chan Snapshot]struct{}
	closed bool
}

var _ sampler.Recorder = (*Hub)(nil)

// NewHub returns a hub. status may be nil.
func NewHub(status StatusFunc) *Hub {
	return &Hub{status: status, subs: make(map[chan Snapshot]struct{})}
}

// Record implements sampler.Recorder.
func (h *Hub) Record(s sampler.Sample) {
	h.mu.Lock()
	h.snap.Time = s.Time
	h.snap.Angles = s.Angles
	h.snap.DurationMs = s.Duration.Milliseconds()
	h.snap.Node = s.Node
	h.snap.Sent = s.Sent
	h.snap.Error = ""
	if s.Err != nil {
		h.snap.Error = s.Err.Error()
	}
	if s.Sent {
		h.snap.SentCount++
	} else {
		h.snap.Failures++
	}
	h.mu.Unlock()
	h.publish()
}

// Snapshot returns the latest state.
func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	snap := h.snap
	h.mu.RUnlock()
	if h.status != nil {
		snap.Lifecycle, snap.Healthy = h.status()
	}
	return snap
}

// Touch republishes the current state, e.g. after a lifecycle change.
func (h *Hub) Touch() {
	h.publish()
}

func (h *Hub) publish() {
	snap := h.Snapshot()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber: drop the stale value for the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving every new snapshot, starting with the
// current one. Call cancel to unsubscribe.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- h.Snapshot()
	h.mu.Lock()
	if h.closed {
		close(ch)
		h.mu.Unlock()
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// Close ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
