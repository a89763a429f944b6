package robot

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
)

// TicksPerTurn is the resolution of an STS servo position encoder.
const TicksPerTurn = 4096

// JointCalibration relates the raw position of one joint's servo to degrees.
type JointCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all joints, keyed by joint name.
type Calibration map[JointName]JointCalibration

// DefaultCalibration assigns servo IDs 1-6 in joint order with no range limits.
func DefaultCalibration() Calibration {
	cal := make(Calibration, NumJoints)
	for i, name := range AllJoints() {
		cal[name] = JointCalibration{ID: i + 1}
	}
	return cal
}

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read calibration file")
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "parse calibration JSON: %v", err)
	}
	return cal, nil
}

func (c JointCalibration) ranged() bool {
	return c.RangeMax > c.RangeMin
}

// zero is the raw position that reads as 0 degrees: the middle of the recorded
// range, or the middle of the encoder turn when no range was recorded.
func (c JointCalibration) zero() float64 {
	mid := float64(TicksPerTurn / 2)
	if c.ranged() {
		mid = float64(c.RangeMin+c.RangeMax) / 2
	}
	return mid + float64(c.HomingOffset)
}

func (c JointCalibration) sign() float64 {
	if c.DriveMode == 1 {
		return -1
	}
	return 1
}

// Degrees converts a raw servo position to a joint angle.
func (c JointCalibration) Degrees(raw int) float64 {
	return c.sign() * (float64(raw) - c.zero()) * 360 / TicksPerTurn
}

// Raw converts a joint angle to a raw servo position, clamped to the recorded range.
func (c JointCalibration) Raw(deg float64) int {
	raw := int(math.Round(c.zero() + c.sign()*deg*TicksPerTurn/360))
	if c.ranged() {
		raw = max(c.RangeMin, min(c.RangeMax, raw))
	}
	return raw
}

// JointIDs returns the servo IDs of all joints in actuator order.
func (c Calibration) JointIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllJoints() {
		if jc, ok := c[name]; ok {
			ids = append(ids, jc.ID)
		}
	}
	return ids
}

// ByID returns joint name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (JointName, JointCalibration, bool) {
	for name, jc := range c {
		if jc.ID == id {
			return name, jc, true
		}
	}
	return "", JointCalibration{}, false
}

// Validate checks that every joint has a distinct servo ID.
func (c Calibration) Validate() error {
	seen := make(map[int]JointName, len(c))
	for _, name := range AllJoints() {
		jc, ok := c[name]
		if !ok {
			return errors.Wrapf(ErrConfiguration, "calibration: missing joint %s", name)
		}
		if other, dup := seen[jc.ID]; dup {
			return errors.Wrapf(ErrConfiguration, "calibration: %s and %s share servo ID %d", other, name, jc.ID)
		}
		seen[jc.ID] = name
	}
	return nil
}
