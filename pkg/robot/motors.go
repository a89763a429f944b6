// Package robot provides the joint model, the actuator link contract and the
// configuration of an articulated arm.
package robot

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// JointName identifies a joint in the arm.
type JointName string

// Joint names for the SO-101 arm.
const (
	ShoulderPan  JointName = "shoulder_pan"
	ShoulderLift JointName = "shoulder_lift"
	ElbowFlex    JointName = "elbow_flex"
	WristFlex    JointName = "wrist_flex"
	WristRoll    JointName = "wrist_roll"
	Gripper      JointName = "gripper"
)

// NumJoints is the number of actuated joints.
const NumJoints = 6

// AllJoints returns all joint names in actuator order (matching servo IDs 1-6).
func AllJoints() []JointName {
	return []JointName{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

// JointIndex returns the actuator slot of name.
func JointIndex(name JointName) (int, bool) {
	for i, n := range AllJoints() {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// JointAngles holds one target angle in degrees per actuator.
type JointAngles [NumJoints]float64

// DefaultAngles returns the home pose the arm is moved to on startup and teardown.
func DefaultAngles() JointAngles {
	return JointAngles{}
}

// MaxDiff returns the largest absolute per-joint difference between a and b.
func (a JointAngles) MaxDiff(b JointAngles) float64 {
	var m float64
	for i := range a {
		m = math.Max(m, math.Abs(a[i]-b[i]))
	}
	return m
}

// String formats the angles the way ParseJointAngles reads them.
func (a JointAngles) String() string {
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// ParseJointAngles parses a comma separated list of NumJoints angles in degrees.
// On failure the returned angles are zero and must not be used.
func ParseJointAngles(s string) (JointAngles, error) {
	var out JointAngles
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != NumJoints {
		return JointAngles{}, errors.Wrapf(ErrParse, "angles %q: got %d values, want %d", s, len(fields), NumJoints)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return JointAngles{}, errors.Wrapf(ErrParse, "angles %q: bad value %q for %s", s, f, AllJoints()[i])
		}
		out[i] = v
	}
	return out, nil
}

// ActuatorState is a per-joint snapshot read back from hardware.
type ActuatorState struct {
	CurrentAngle float64 `json:"current_angle"`
	Status       string  `json:"status,omitempty"`
}

// AnglesOf extracts the current angles from a state read.
func AnglesOf(states [NumJoints]ActuatorState) JointAngles {
	var a JointAngles
	for i, s := range states {
		a[i] = s.CurrentAngle
	}
	return a
}

// LifecycleStatus is the power/setup/enable snapshot queried from hardware.
type LifecycleStatus struct {
	Powered bool `json:"powered"`
	Setup   bool `json:"setup"`
	Enabled bool `json:"enabled"`
}

// Zombie reports actuators that claim to be enabled without power.
func (s LifecycleStatus) Zombie() bool {
	return s.Enabled && !s.Powered
}

// Ready reports a fully powered, set up and enabled arm.
func (s LifecycleStatus) Ready() bool {
	return s.Powered && s.Setup && s.Enabled
}

func (s LifecycleStatus) String() string {
	return fmt.Sprintf("powered=%t setup=%t enabled=%t", s.Powered, s.Setup, s.Enabled)
}

// Pose is one sample produced by a pose source.
type Pose struct {
	Angles JointAngles
	// Node is the display name of the trajectory node being played.
	Node string
}
