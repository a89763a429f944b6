// Package stepper turns logical joint angles into acceleration-bounded step
// pulse sequences for one geared stepper motor.
//
// A Drive is advanced by Tick, which the owner calls from a high-frequency
// timer at least ten times faster than the step rate implied by MaxSpeed.
// Command methods may run from a different context than Tick; every method
// takes the drive's lock, so Tick never sees a half-updated target.
package stepper

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/robot"
)

// ErrNotConfigured is returned by motion methods called before Configure.
var ErrNotConfigured = errors.New("stepper not configured")

// Drive is the step generator of one joint.
type Drive struct {
	pins  Pins
	clock clock.Clock

	mu         sync.Mutex
	configured bool
	cfg        robot.StepperConfig
	act        robot.ActuatorConfig
	setup      robot.StepperSetupData
	lim        Limits
	stepAngle  float64 // output degrees per microstep

	motion     Motion
	profile    Profile
	enabled    bool
	nextStepAt time.Time

	dirKnown   bool
	dirForward bool // logical direction last written

	// correction is the not yet applied sensor correction, in microsteps.
	correction float64
	measuredAt time.Time
}

// New returns an unconfigured drive writing to pins. A nil clock means wall time.
func New(pins Pins, c clock.Clock) *Drive {
	if c == nil {
		c = clock.Real{}
	}
	return &Drive{pins: pins, clock: c}
}

// Configure binds the three configuration records. It does not move the motor.
func (d *Drive) Configure(cfg robot.StepperConfig, act robot.ActuatorConfig, setup robot.StepperSetupData) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := act.Validate(); err != nil {
		return err
	}
	if err := setup.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg, d.act, d.setup = cfg, act, setup
	// RPM to microsteps per second: rpm * 360 / 60 / degreePerStep.
	d.lim = Limits{
		MaxSpeed: cfg.MaxSpeed * 6 / cfg.DegreePerActualStep,
		MaxAccel: cfg.MaxAcc * 6 / cfg.DegreePerActualStep,
	}
	d.stepAngle = cfg.DegreePerActualStep / act.GearRatio
	d.profile = Profile{Target: d.motion.Position, CruiseSpeed: d.lim.MaxSpeed, Accel: d.lim.MaxAccel}
	d.configured = true
	return nil
}

// Limits returns the envelope in microsteps.
func (d *Drive) Limits() Limits {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lim
}

// stepsFor converts an output angle into an absolute microstep count.
func (d *Drive) stepsFor(angle float64) int64 {
	return int64(math.Round(angle * d.act.GearRatio / d.cfg.DegreePerActualStep))
}

// SetAngle commands the joint to reach angle (output degrees) within dur.
// A move in progress is replanned from its current speed.
func (d *Drive) SetAngle(angle float64, dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setAngleLocked(angle, dur)
}

func (d *Drive) setAngleLocked(angle float64, dur time.Duration) error {
	if !d.configured {
		return ErrNotConfigured
	}
	if dur < 0 {
		return errors.Errorf("negative duration %v", dur)
	}
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return errors.Errorf("invalid angle %v", angle)
	}
	target := d.stepsFor(angle)
	d.profile = Plan(d.motion, target, dur, d.lim)
	if d.motion.Phase == Idle && target != d.motion.Position {
		d.motion.Phase = Accelerating
	}
	return nil
}

// ChangeAngle moves the joint by delta degrees relative to the current estimate.
func (d *Drive) ChangeAngle(delta float64, dur time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	return d.setAngleLocked(d.angleLocked()+delta, dur)
}

// SetCurrentAngle overwrites the position estimate without emitting pulses.
func (d *Drive) SetCurrentAngle(angle float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	pos := d.stepsFor(angle)
	d.motion = Motion{Phase: Idle, Position: pos, Dir: d.motion.Dir}
	d.profile.Target = pos
	d.correction = 0
	return nil
}

// CurrentAngle returns the output angle derived from the step count.
func (d *Drive) CurrentAngle() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.angleLocked()
}

func (d *Drive) angleLocked() float64 {
	return float64(d.motion.Position) * d.stepAngle
}

// TargetAngle returns the angle of the active profile.
func (d *Drive) TargetAngle() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.profile.Target) * d.stepAngle
}

// ApplyMeasuredAngle feeds a sensor reading taken at now back into the
// estimate. A bounded share of the error is queued and worked off one
// microstep per Tick, so the commanded position never jumps. A reading older
// than the last applied one is dropped.
func (d *Drive) ApplyMeasuredAngle(measured float64, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured || !d.enabled || now.Before(d.measuredAt) {
		return
	}
	d.measuredAt = now
	errDeg := measured - d.angleLocked()
	corr := d.cfg.Correction.Gain * errDeg
	if m := d.cfg.Correction.MaxAngle; m > 0 {
		corr = math.Max(-m, math.Min(m, corr))
	}
	d.correction = corr / d.stepAngle
}

// PendingCorrection returns the queued correction in microsteps.
func (d *Drive) PendingCorrection() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.correction
}

// TickNow advances the drive using its clock.
func (d *Drive) TickNow() {
	d.Tick(d.clock.Now())
}

// Tick advances the step generator to now. It emits at most one pulse and is
// a cheap no-op when the drive is disabled or at rest.
func (d *Drive) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured || !d.enabled {
		return
	}

	switch {
	case d.correction >= 1:
		d.motion.Position++
		d.correction--
	case d.correction <= -1:
		d.motion.Position--
		d.correction++
	}

	if d.motion.Speed == 0 && d.motion.Position == d.profile.Target {
		d.motion.Phase = Idle
		return
	}
	if now.Before(d.nextStepAt) {
		return
	}

	next, step := Next(d.motion, d.profile, d.lim)
	if !step {
		d.motion = next
		d.nextStepAt = now
		return
	}
	d.setDirectionLocked(false, next.Dir > 0)
	d.pins.Pulse()
	d.motion = next
	d.nextStepAt = now.Add(time.Duration(float64(time.Second) / next.Speed))
}

// SetDirection writes the direction output. The write is skipped when the pin
// already points that way, unless force is set.
func (d *Drive) SetDirection(force, forward bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setDirectionLocked(force, forward)
}

func (d *Drive) setDirectionLocked(force, forward bool) {
	if !force && d.dirKnown && d.dirForward == forward {
		return
	}
	d.pins.SetDirection(forward != d.setup.InvertDirection)
	d.dirKnown = true
	d.dirForward = forward
}

// Step emits exactly one pulse in the current direction and counts it.
func (d *Drive) Step() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	d.pins.Pulse()
	if d.dirForward {
		d.motion.Position++
	} else {
		d.motion.Position--
	}
}

// Enable powers the driver stage.
func (d *Drive) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pins.SetEnable(true)
	d.enabled = true
	if d.dirKnown {
		d.setDirectionLocked(true, d.dirForward)
	}
}

// Disable stops pulse generation and releases the driver stage. When it
// returns no further pulse is emitted until Enable.
func (d *Drive) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	d.motion.Speed = 0
	d.motion.Phase = Idle
	d.profile.Target = d.motion.Position
	d.correction = 0
	d.pins.SetEnable(false)
}

// IsEnabled reports whether the driver stage is enabled.
func (d *Drive) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Motion returns a copy of the motion state.
func (d *Drive) Motion() Motion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion
}

// Phase returns the current phase.
func (d *Drive) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion.Phase
}

// Speed returns the current speed in output degrees per second.
func (d *Drive) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motion.Speed * d.stepAngle
}

// StepAngle returns the output angle of one microstep.
func (d *Drive) StepAngle() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepAngle
}
