package stepper

import (
	"math"
	"time"
)

// Phase is the state of the step generator.
type Phase uint8

const (
	Idle Phase = iota
	Accelerating
	Cruising
	Decelerating
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Accelerating:
		return "accelerating"
	case Cruising:
		return "cruising"
	case Decelerating:
		return "decelerating"
	}
	return "unknown"
}

// Limits is the velocity/acceleration envelope in microsteps.
type Limits struct {
	MaxSpeed float64 // steps/s
	MaxAccel float64 // steps/s^2
}

// MinSpeed is the speed reached one step after starting from rest, and the
// creep speed used for the last steps before the target.
func (l Limits) MinSpeed() float64 {
	return math.Min(math.Sqrt(2*l.MaxAccel), l.MaxSpeed)
}

// Motion is the instantaneous state of a drive.
type Motion struct {
	Phase    Phase
	Position int64   // estimated shaft position, microsteps
	Speed    float64 // steps/s, never negative
	Dir      int     // +1 or -1, direction of the current motion
}

// Profile is a planned move: where to go and how fast to cruise.
type Profile struct {
	Target      int64
	CruiseSpeed float64
	Accel       float64
}

// Plan computes the profile that brings m to target within d, starting from the
// current speed. The envelope is never exceeded: when d is too short the
// profile runs at the limits and the move takes longer. d <= 0 means as fast
// as possible.
func Plan(m Motion, target int64, d time.Duration, lim Limits) Profile {
	p := Profile{Target: target, CruiseSpeed: lim.MaxSpeed, Accel: lim.MaxAccel}
	dist := math.Abs(float64(target - m.Position))
	if dist == 0 || d <= 0 {
		return p
	}

	// Speed already carried toward the target shortens the ramp. Speed away from
	// the target is ignored; the drive brakes through zero first.
	s := 0.0
	if (target-m.Position)*int64(m.Dir) > 0 {
		s = m.Speed
	}
	v, ok := cruiseSpeed(dist, d.Seconds(), s, lim.MaxAccel)
	if !ok {
		return p
	}
	p.CruiseSpeed = math.Max(math.Min(v, lim.MaxSpeed), lim.MinSpeed())
	return p
}

// cruiseSpeed solves for the cruise speed v of a move of dist steps taking t
// seconds, entered at speed s and ending at rest, with acceleration a.
func cruiseSpeed(dist, t, s, a float64) (float64, bool) {
	// Ramp up from s to v, cruise, ramp down to 0:
	//   v^2 - (s + a t) v + (s^2 + 2 a dist)/2 = 0
	b := s + a*t
	disc := b*b - 2*(s*s+2*a*dist)
	if disc >= 0 {
		v := (b - math.Sqrt(disc)) / 2
		if v >= s {
			return v, true
		}
	}
	// Brake from s down to v, cruise, ramp down to 0:
	//   t = s/a + (dist - s^2/(2a)) / v
	rest := t - s/a
	span := dist - s*s/(2*a)
	if rest > 0 && span > 0 {
		return span / rest, true
	}
	return 0, false
}

// Next advances m by one step decision under p. It returns the new motion and
// whether a step in m.Dir has to be emitted. Per call the squared speed changes
// by at most 2*Accel, which bounds acceleration over the one-step distance.
func Next(m Motion, p Profile, lim Limits) (Motion, bool) {
	r := p.Target - m.Position
	a := p.Accel
	floor := math.Min(lim.MinSpeed(), p.CruiseSpeed)

	if m.Speed == 0 {
		if r == 0 {
			m.Phase = Idle
			return m, false
		}
		m.Dir = sign(r)
		m.Speed = floor
		m.Phase = Accelerating
		if m.Speed >= p.CruiseSpeed {
			m.Phase = Cruising
		}
		m.Position += int64(m.Dir)
		return m, true
	}

	if r*int64(m.Dir) <= 0 {
		// At or past the target: brake, stepping on while there is speed left.
		v2 := m.Speed*m.Speed - 2*a
		if v2 <= 0 || m.Speed <= floor*(1+eps) {
			m.Speed = 0
			m.Phase = Decelerating
			if r == 0 {
				m.Phase = Idle
			}
			return m, false
		}
		m.Speed = math.Sqrt(v2)
		m.Phase = Decelerating
		m.Position += int64(m.Dir)
		return m, true
	}

	// Each step keeps v^2 <= 2a(remaining+1), so the drive arrives at the
	// target at no more than creep speed.
	dist := math.Abs(float64(r))
	v2 := m.Speed * m.Speed
	brake := 2 * a * dist * (1 + eps)
	switch {
	case v2 > brake:
		m.Speed = math.Max(math.Sqrt(math.Max(v2-2*a, 0)), math.Min(floor, m.Speed))
		m.Phase = Decelerating
	case m.Speed > p.CruiseSpeed:
		m.Speed = math.Max(math.Sqrt(math.Max(v2-2*a, 0)), p.CruiseSpeed)
		m.Phase = Decelerating
	case m.Speed < p.CruiseSpeed && v2+2*a <= brake:
		m.Speed = math.Min(math.Sqrt(v2+2*a), p.CruiseSpeed)
		m.Phase = Accelerating
		if m.Speed >= p.CruiseSpeed {
			m.Phase = Cruising
		}
	case m.Speed >= p.CruiseSpeed:
		m.Phase = Cruising
	}
	m.Position += int64(m.Dir)
	return m, true
}

// eps absorbs rounding in the squared-speed bookkeeping.
const eps = 1e-9

func sign(v int64) int {
	if v < 0 {
		return -1
	}
	return 1
}
