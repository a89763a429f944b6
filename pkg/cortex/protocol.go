package cortex

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

// Commands of the line protocol. A request is one line: the command followed
// by space separated arguments. The answer is one line, "ok [payload]" or
// "err <message>".
const (
	CmdPing    = "ping"
	CmdSetup   = "setup"
	CmdEnable  = "enable"
	CmdDisable = "disable"
	CmdPower   = "power"  // power on|off
	CmdInfo    = "info"   // -> "<powered> <setup> <enabled>" as 0/1
	CmdAngles  = "angles" // -> "<a0,...,a5> <s0,...,s5>"
	CmdMove    = "move"   // move <ms> <a0,...,a5>
	CmdDirect  = "direct" // direct <raw command>
)

// Request is one parsed request line.
type Request struct {
	Cmd  string
	Args []string
}

// ParseRequest splits a request line.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, errors.Wrap(robot.ErrParse, "empty request")
	}
	return Request{Cmd: fields[0], Args: fields[1:]}, nil
}

func (r Request) String() string {
	return strings.Join(append([]string{r.Cmd}, r.Args...), " ")
}

// MoveRequest encodes a move command.
func MoveRequest(angles robot.JointAngles, d time.Duration) string {
	return CmdMove + " " + strconv.FormatInt(d.Milliseconds(), 10) + " " + angles.String()
}

// ParseMove decodes the arguments of a move command.
func ParseMove(args []string) (robot.JointAngles, time.Duration, error) {
	if len(args) != 2 {
		return robot.JointAngles{}, 0, errors.Wrapf(robot.ErrParse, "move: got %d arguments, want 2", len(args))
	}
	ms, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || ms < 0 {
		return robot.JointAngles{}, 0, errors.Wrapf(robot.ErrParse, "move: bad duration %q", args[0])
	}
	angles, err := robot.ParseJointAngles(args[1])
	if err != nil {
		return robot.JointAngles{}, 0, err
	}
	return angles, time.Duration(ms) * time.Millisecond, nil
}

// FormatOK builds a success answer.
func FormatOK(payload string) string {
	if payload == "" {
		return "ok"
	}
	return "ok " + payload
}

// FormatErr builds a failure answer on a single line.
func FormatErr(err error) string {
	return "err " + strings.ReplaceAll(err.Error(), "\n", " ")
}

// ParseResponse returns the payload of an answer line, or the failure it reports.
func ParseResponse(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "ok":
		return "", nil
	case strings.HasPrefix(line, "ok "):
		return line[3:], nil
	case strings.HasPrefix(line, "err "):
		return "", errors.Wrapf(robot.ErrCommunication, "board: %s", line[4:])
	}
	return "", errors.Wrapf(robot.ErrCommunication, "malformed answer %q", line)
}

func bit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// FormatStatus encodes lifecycle flags.
func FormatStatus(s robot.LifecycleStatus) string {
	return bit(s.Powered) + " " + bit(s.Setup) + " " + bit(s.Enabled)
}

// ParseStatus decodes lifecycle flags.
func ParseStatus(payload string) (robot.LifecycleStatus, error) {
	f := strings.Fields(payload)
	if len(f) != 3 {
		return robot.LifecycleStatus{}, errors.Wrapf(robot.ErrParse, "status %q", payload)
	}
	var flags [3]bool
	for i, v := range f {
		switch v {
		case "0":
		case "1":
			flags[i] = true
		default:
			return robot.LifecycleStatus{}, errors.Wrapf(robot.ErrParse, "status %q", payload)
		}
	}
	return robot.LifecycleStatus{Powered: flags[0], Setup: flags[1], Enabled: flags[2]}, nil
}

// FormatStates encodes a state read.
func FormatStates(states [robot.NumJoints]robot.ActuatorState) string {
	status := make([]string, len(states))
	for i, s := range states {
		status[i] = s.Status
		if status[i] == "" {
			status[i] = "-"
		}
	}
	return robot.AnglesOf(states).String() + " " + strings.Join(status, ",")
}

// ParseStates decodes a state read.
func ParseStates(payload string) ([robot.NumJoints]robot.ActuatorState, error) {
	var states [robot.NumJoints]robot.ActuatorState
	f := strings.Fields(payload)
	if len(f) != 2 {
		return states, errors.Wrapf(robot.ErrParse, "angles %q", payload)
	}
	angles, err := robot.ParseJointAngles(f[0])
	if err != nil {
		return states, err
	}
	status := strings.Split(f[1], ",")
	if len(status) != robot.NumJoints {
		return states, errors.Wrapf(robot.ErrParse, "angles %q: %d states", payload, len(status))
	}
	for i := range states {
		if status[i] == "-" {
			status[i] = ""
		}
		states[i] = robot.ActuatorState{CurrentAngle: angles[i], Status: status[i]}
	}
	return states, nil
}
