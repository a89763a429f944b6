package stepper

import (
	"sync"
	"time"
)

// Pins is the output side of a step/dir/enable driver.
// Pulse must be fast, it runs in the tick context.
type Pins interface {
	// SetDirection drives the direction output level. The drive has already
	// applied InvertDirection.
	SetDirection(forward bool)
	// Pulse emits one step pulse on the clock output.
	Pulse()
	// SetEnable drives the enable output.
	SetEnable(on bool)
}

// SimPins is an in-memory driver. It tracks the physical shaft position in
// microsteps, which differs from the drive's estimate when steps are missed.
type SimPins struct {
	mu         sync.Mutex
	forward    bool
	enabled    bool
	shaft      int64
	pulses     int64
	dirWrites  int
	skipNext   int
	reversed   bool
	recordTime func() time.Time
	times      []time.Time
}

// NewSimPins returns simulated pins. If now is non-nil, pulse times are recorded.
func NewSimPins(now func() time.Time) *SimPins {
	return &SimPins{recordTime: now}
}

// SetDirection implements Pins.
func (p *SimPins) SetDirection(forward bool) {
	p.mu.Lock()
	p.forward = forward
	p.dirWrites++
	p.mu.Unlock()
}

// Pulse implements Pins.
func (p *SimPins) Pulse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses++
	if p.recordTime != nil {
		p.times = append(p.times, p.recordTime())
	}
	if !p.enabled {
		return
	}
	if p.skipNext > 0 {
		p.skipNext--
		return
	}
	if p.forward != p.reversed {
		p.shaft++
	} else {
		p.shaft--
	}
}

// SetEnable implements Pins.
func (p *SimPins) SetEnable(on bool) {
	p.mu.Lock()
	p.enabled = on
	p.mu.Unlock()
}

// SetReversed models a motor wired to turn backwards for a forward level.
func (p *SimPins) SetReversed(reversed bool) {
	p.mu.Lock()
	p.reversed = reversed
	p.mu.Unlock()
}

// MissSteps makes the motor ignore the next n pulses.
func (p *SimPins) MissSteps(n int) {
	p.mu.Lock()
	p.skipNext += n
	p.mu.Unlock()
}

// SetShaft forces the physical shaft position.
func (p *SimPins) SetShaft(steps int64) {
	p.mu.Lock()
	p.shaft = steps
	p.mu.Unlock()
}

// Shaft returns the physical shaft position in microsteps.
func (p *SimPins) Shaft() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shaft
}

// Pulses returns the number of pulses emitted so far.
func (p *SimPins) Pulses() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses
}

// DirectionWrites returns how often the direction output was written.
func (p *SimPins) DirectionWrites() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirWrites
}

// Forward returns the current direction output.
func (p *SimPins) Forward() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forward
}

// Enabled returns the current enable output.
func (p *SimPins) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// PulseTimes returns the recorded pulse times.
func (p *SimPins) PulseTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.times))
	copy(out, p.times)
	return out
}
