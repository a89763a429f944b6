package robot

import "github.com/pkg/errors"

// Failure kinds. Callers match them with errors.Is; concrete errors wrap them
// with context.
var (
	// ErrCommunication means the link was unreachable or returned not-ok.
	ErrCommunication = errors.New("actuator communication failed")
	// ErrSafetyViolation means a post-motion position check failed.
	ErrSafetyViolation = errors.New("safety violation")
	// ErrConfiguration means a configuration record was rejected.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrParse means an external command string was malformed.
	ErrParse = errors.New("parse error")
	// ErrAborted means an emergency stop interrupted the operation.
	ErrAborted = errors.New("aborted by emergency stop")
	// ErrNotPowered means a motion was requested without power and enable.
	ErrNotPowered = errors.New("actuators not powered")
)
