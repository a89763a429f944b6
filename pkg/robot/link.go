package robot

import (
	"context"
	"time"
)

// Link is the connection to the actuator board. Implementations report every
// failure as an error and never retry on their own.
type Link interface {
	// Setup initializes the actuator controllers. Idempotent; enables sensor reads.
	Setup(ctx context.Context) error
	// Enable makes all actuators react to commands.
	Enable(ctx context.Context) error
	// Disable stops all actuators from reacting to commands.
	Disable(ctx context.Context) error
	// Power switches actuator power.
	Power(ctx context.Context, on bool) error
	// Info queries the lifecycle flags from hardware.
	Info(ctx context.Context) (LifecycleStatus, error)
	// Angles reads the current state of every joint.
	Angles(ctx context.Context) ([NumJoints]ActuatorState, error)
	// Move commands all joints to reach angles within d.
	Move(ctx context.Context, angles JointAngles, d time.Duration) error
	// DirectAccess passes a raw command through and returns the raw response.
	DirectAccess(ctx context.Context, cmd string) (string, error)
	// CommunicationHealthy reports whether the last exchange succeeded.
	CommunicationHealthy() bool
}

// Connector is implemented by links that need an explicit connect step.
type Connector interface {
	Connect(ctx context.Context) error
}
