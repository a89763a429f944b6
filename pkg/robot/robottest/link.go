// Package robottest provides a scripted robot.Link for tests.
package robottest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

var _ robot.Link = (*Link)(nil)

// Move is one recorded Move call.
type Move struct {
	Angles   robot.JointAngles
	Duration time.Duration
}

// Link records every call and answers from its fields. Flags follow the calls
// (Setup sets Setup, Power sets Powered, Enable/Disable set Enabled) without
// implying each other, so inconsistent hardware states can be scripted.
type Link struct {
	mu sync.Mutex

	Status robot.LifecycleStatus
	// Current is what Angles reports.
	Current robot.JointAngles
	// Offset is added to a target when a move lands, to script misalignment.
	Offset robot.JointAngles
	// Failures makes the named operation fail until cleared.
	Failures map[string]error
	// Unhealthy makes CommunicationHealthy report false.
	Unhealthy bool
	// Before runs at the start of every call, without the lock held.
	Before func(op string)

	calls    []string
	moves    []Move
	connects int
}

// NewLink returns a healthy link resting at the default pose.
func NewLink() *Link {
	return &Link{Failures: make(map[string]error)}
}

// ErrInjected is the error returned by Fail.
var ErrInjected = errors.Wrap(robot.ErrCommunication, "injected failure")

// Fail makes op fail with ErrInjected.
func (l *Link) Fail(op string) {
	l.mu.Lock()
	l.Failures[op] = ErrInjected
	l.mu.Unlock()
}

// Clear removes the failure of op.
func (l *Link) Clear(op string) {
	l.mu.Lock()
	delete(l.Failures, op)
	l.mu.Unlock()
}

func (l *Link) enter(op string) error {
	if l.Before != nil {
		l.Before(op)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, op)
	return l.Failures[op]
}

// Connect implements robot.Connector.
func (l *Link) Connect(ctx context.Context) error {
	if err := l.enter("connect"); err != nil {
		return err
	}
	l.mu.Lock()
	l.connects++
	l.mu.Unlock()
	return nil
}

func (l *Link) Setup(ctx context.Context) error {
	if err := l.enter("setup"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Status.Setup = true
	l.mu.Unlock()
	return nil
}

func (l *Link) Enable(ctx context.Context) error {
	if err := l.enter("enable"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Status.Enabled = true
	l.mu.Unlock()
	return nil
}

func (l *Link) Disable(ctx context.Context) error {
	if err := l.enter("disable"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Status.Enabled = false
	l.mu.Unlock()
	return nil
}

func (l *Link) Power(ctx context.Context, on bool) error {
	if err := l.enter(fmt.Sprintf("power(%t)", on)); err != nil {
		return err
	}
	l.mu.Lock()
	l.Status.Powered = on
	l.mu.Unlock()
	return nil
}

func (l *Link) Info(ctx context.Context) (robot.LifecycleStatus, error) {
	if err := l.enter("info"); err != nil {
		return robot.LifecycleStatus{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Status, nil
}

func (l *Link) Angles(ctx context.Context) ([robot.NumJoints]robot.ActuatorState, error) {
	var states [robot.NumJoints]robot.ActuatorState
	if err := l.enter("angles"); err != nil {
		return states, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.Current {
		states[i] = robot.ActuatorState{CurrentAngle: a, Status: "ok"}
	}
	return states, nil
}

// Move records the command and lands the joints on target plus Offset.
func (l *Link) Move(ctx context.Context, angles robot.JointAngles, d time.Duration) error {
	if err := l.enter("move"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, Move{Angles: angles, Duration: d})
	for i := range angles {
		l.Current[i] = angles[i] + l.Offset[i]
	}
	return nil
}

// DirectAccess echoes the command.
func (l *Link) DirectAccess(ctx context.Context, cmd string) (string, error) {
	if err := l.enter("direct"); err != nil {
		return "", err
	}
	return "echo " + cmd, nil
}

func (l *Link) CommunicationHealthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.Unhealthy
}

// SetUnhealthy switches the reported link health.
func (l *Link) SetUnhealthy(v bool) {
	l.mu.Lock()
	l.Unhealthy = v
	l.mu.Unlock()
}

// SetCurrent sets the angles Angles reports.
func (l *Link) SetCurrent(a robot.JointAngles) {
	l.mu.Lock()
	l.Current = a
	l.mu.Unlock()
}

// SetStatus sets the lifecycle flags.
func (l *Link) SetStatus(s robot.LifecycleStatus) {
	l.mu.Lock()
	l.Status = s
	l.mu.Unlock()
}

// Snapshot returns the lifecycle flags.
func (l *Link) Snapshot() robot.LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Status
}

// Calls returns the operations called so far, in order.
func (l *Link) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// ResetCalls forgets the recorded calls and moves.
func (l *Link) ResetCalls() {
	l.mu.Lock()
	l.calls = nil
	l.moves = nil
	l.mu.Unlock()
}

// Moves returns the recorded Move calls.
func (l *Link) Moves() []Move {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Move(nil), l.moves...)
}

// Connects returns how often Connect was called.
func (l *Link) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}
