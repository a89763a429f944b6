package robot

import "github.com/pkg/errors"

// StepperConfig holds the tunables of one geared stepper.
type StepperConfig struct {
	// MaxSpeed is the maximum motor shaft speed in RPM.
	MaxSpeed float64 `json:"max_speed"`
	// MaxAcc is the maximum motor shaft acceleration in RPM per second.
	MaxAcc float64 `json:"max_acc"`
	// DegreePerActualStep is the shaft angle of one microstep.
	DegreePerActualStep float64    `json:"degree_per_actual_step"`
	Correction          Correction `json:"correction"`
}

// Correction tunes how sensor readings pull the step-count estimate.
type Correction struct {
	// Gain is the fraction of the measured error applied per reading, in (0,1].
	Gain float64 `json:"gain"`
	// MaxAngle clamps the correction taken from a single reading, output degrees.
	MaxAngle float64 `json:"max_angle"`
}

// DefaultCorrection is used when a config leaves the correction empty.
var DefaultCorrection = Correction{Gain: 0.5, MaxAngle: 2}

// ActuatorConfig relates motor shaft degrees to joint output degrees.
type ActuatorConfig struct {
	GearRatio float64 `json:"gear_ratio"`
}

// StepperSetupData is the static wiring of one stepper driver.
type StepperSetupData struct {
	DirectionPin      uint16  `json:"direction_pin"`
	ClockPin          uint16  `json:"clock_pin"`
	EnablePin         uint16  `json:"enable_pin"`
	DegreePerFullStep float64 `json:"degree_per_full_step"`
	MicroSteps        uint8   `json:"micro_steps"`
	InvertDirection   bool    `json:"invert_direction"`
}

// WithDefaults fills an empty correction.
func (c StepperConfig) WithDefaults() StepperConfig {
	if c.Correction == (Correction{}) {
		c.Correction = DefaultCorrection
	}
	return c
}

// Validate rejects records a drive cannot run with.
func (c StepperConfig) Validate() error {
	if c.MaxSpeed <= 0 {
		return errors.Wrapf(ErrConfiguration, "max speed %v rpm must be positive", c.MaxSpeed)
	}
	if c.MaxAcc <= 0 {
		return errors.Wrapf(ErrConfiguration, "max acceleration %v must be positive", c.MaxAcc)
	}
	if c.DegreePerActualStep <= 0 {
		return errors.Wrapf(ErrConfiguration, "degree per actual step %v must be positive", c.DegreePerActualStep)
	}
	if c.Correction.Gain <= 0 || c.Correction.Gain > 1 {
		return errors.Wrapf(ErrConfiguration, "correction gain %v must be in (0,1]", c.Correction.Gain)
	}
	if c.Correction.MaxAngle < 0 {
		return errors.Wrapf(ErrConfiguration, "correction clamp %v must not be negative", c.Correction.MaxAngle)
	}
	return nil
}

// Validate rejects a non-positive gear ratio.
func (c ActuatorConfig) Validate() error {
	if c.GearRatio <= 0 {
		return errors.Wrapf(ErrConfiguration, "gear ratio %v must be positive", c.GearRatio)
	}
	return nil
}

// Validate rejects wiring without microsteps.
func (s StepperSetupData) Validate() error {
	if s.MicroSteps < 1 {
		return errors.Wrapf(ErrConfiguration, "micro steps %d must be at least 1", s.MicroSteps)
	}
	if s.DegreePerFullStep < 0 {
		return errors.Wrapf(ErrConfiguration, "degree per full step %v must not be negative", s.DegreePerFullStep)
	}
	return nil
}
