package robot

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

const DefaultConfigFile = "armctl.json"

// Link kinds.
const (
	LinkSim    = "sim"    // in-process simulated board
	LinkServo  = "servo"  // Feetech STS bus
	LinkCortex = "cortex" // remote board speaking the line protocol
)

// Config holds the arm configuration
type Config struct {
	Link LinkConfig `json:"link"`
	// SampleRateMs is the period between two forwarded motion commands.
	SampleRateMs int `json:"sample_rate_ms"`
	// Margin stretches each command's duration past the sample period.
	Margin    float64                `json:"margin"`
	Joints    [NumJoints]Joint       `json:"joints"`
	Homing    HomingConfig           `json:"homing"`
	Telemetry TelemetryConfig        `json:"telemetry"`
	Leader    ArmConfig              `json:"leader"`
	Servo     ArmConfig              `json:"servo"`
	Poses     map[string]JointAngles `json:"poses,omitempty"`
}

// LinkConfig selects and addresses the actuator link.
type LinkConfig struct {
	Kind      string `json:"kind"`
	Port      string `json:"port,omitempty"`
	Baud      int    `json:"baud,omitempty"`
	Address   string `json:"address,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// Joint is the hardware description of one stepper joint.
type Joint struct {
	Name     JointName        `json:"name"`
	Stepper  StepperConfig    `json:"stepper"`
	Actuator ActuatorConfig   `json:"actuator"`
	Setup    StepperSetupData `json:"setup"`
}

// HomingConfig tunes the slow moves of startup and teardown.
type HomingConfig struct {
	DefaultPose JointAngles `json:"default_pose"`
	// Speed is the homing speed in degrees per second.
	Speed     float64 `json:"speed"`
	SettleMs  int     `json:"settle_ms"`
	Tolerance float64 `json:"tolerance"`
}

// TelemetryConfig configures the status server and the InfluxDB sink.
type TelemetryConfig struct {
	HTTPAddr     string `json:"http_addr,omitempty"`
	InfluxURL    string `json:"influx_url,omitempty"`
	InfluxToken  string `json:"influx_token,omitempty"`
	InfluxOrg    string `json:"influx_org,omitempty"`
	InfluxBucket string `json:"influx_bucket,omitempty"`
}

// ArmConfig holds configuration for a servo arm
type ArmConfig struct {
	Port        string      `json:"port,omitempty"`
	Calibration Calibration `json:"calibration,omitempty"`
}

// IsCalibrated returns true if the arm has calibration data
func (a *ArmConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0
}

// DefaultJoint is a NEMA17 at 8 microsteps behind a 5:1 reduction.
func DefaultJoint(name JointName, pin uint16) Joint {
	return Joint{
		Name: name,
		Stepper: StepperConfig{
			MaxSpeed:            30,
			MaxAcc:              60,
			DegreePerActualStep: 1.8 / 8,
			Correction:          DefaultCorrection,
		},
		Actuator: ActuatorConfig{GearRatio: 5},
		Setup: StepperSetupData{
			DirectionPin:      pin,
			ClockPin:          pin + 1,
			EnablePin:         pin + 2,
			DegreePerFullStep: 1.8,
			MicroSteps:        8,
		},
	}
}

// DefaultConfig returns a configuration for the simulated board.
func DefaultConfig() *Config {
	cfg := &Config{
		Link:         LinkConfig{Kind: LinkSim, Baud: 115200, TimeoutMs: 500},
		SampleRateMs: 50,
		Margin:       2.0,
		Homing: HomingConfig{
			DefaultPose: DefaultAngles(),
			Speed:       20,
			SettleMs:    200,
			Tolerance:   1.0,
		},
	}
	for i, name := range AllJoints() {
		cfg.Joints[i] = DefaultJoint(name, uint16(2+3*i))
	}
	return cfg
}

// SamplePeriod returns the sample rate as a duration.
func (c *Config) SamplePeriod() time.Duration {
	return time.Duration(c.SampleRateMs) * time.Millisecond
}

// SettleMargin returns the extra wait after a homing move.
func (c *HomingConfig) SettleMargin() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// LinkTimeout returns the per-request timeout of remote links.
func (c *LinkConfig) LinkTimeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	switch c.Link.Kind {
	case LinkSim, LinkServo, LinkCortex:
	default:
		return errors.Wrapf(ErrConfiguration, "unknown link kind %q", c.Link.Kind)
	}
	if c.Link.Kind == LinkServo && c.Servo.Port == "" && c.Link.Port == "" {
		return errors.Wrap(ErrConfiguration, "servo link needs a port")
	}
	if c.Link.Kind == LinkCortex && c.Link.Port == "" && c.Link.Address == "" {
		return errors.Wrap(ErrConfiguration, "cortex link needs a port or an address")
	}
	if c.SampleRateMs <= 0 {
		return errors.Wrapf(ErrConfiguration, "sample rate %d ms must be positive", c.SampleRateMs)
	}
	if c.Margin < 1 {
		return errors.Wrapf(ErrConfiguration, "margin %v must be at least 1", c.Margin)
	}
	for i, j := range c.Joints {
		if j.Name != AllJoints()[i] {
			return errors.Wrapf(ErrConfiguration, "joint %d is %q, want %q", i, j.Name, AllJoints()[i])
		}
		if err := j.Stepper.WithDefaults().Validate(); err != nil {
			return errors.Wrapf(err, "joint %s", j.Name)
		}
		if err := j.Actuator.Validate(); err != nil {
			return errors.Wrapf(err, "joint %s", j.Name)
		}
		if err := j.Setup.Validate(); err != nil {
			return errors.Wrapf(err, "joint %s", j.Name)
		}
	}
	if c.Homing.Speed <= 0 {
		return errors.Wrapf(ErrConfiguration, "homing speed %v must be positive", c.Homing.Speed)
	}
	if c.Homing.Tolerance <= 0 {
		return errors.Wrapf(ErrConfiguration, "homing tolerance %v must be positive", c.Homing.Tolerance)
	}
	if c.Homing.SettleMs < 0 {
		return errors.Wrapf(ErrConfiguration, "settle margin %d ms must not be negative", c.Homing.SettleMs)
	}
	if c.Servo.IsCalibrated() {
		if err := c.Servo.Calibration.Validate(); err != nil {
			return errors.Wrap(err, "servo")
		}
	}
	return nil
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Fields missing from
// the file keep their DefaultConfig values.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write config")
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
