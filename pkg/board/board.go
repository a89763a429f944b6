// Package board simulates the actuator board: one stepper drive per joint
// with its driver pins and a shaft encoder. It serves as an in-process
// robot.Link and can answer the cortex line protocol for remote hosts.
package board

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/stepper"
)

// Defaults of the device loops.
const (
	DefaultTickRate     = 10_000 // Hz
	DefaultSensorPeriod = 10 * time.Millisecond
)

// ErrRealTime is returned by Advance on a board running on the wall clock.
var ErrRealTime = errors.New("board runs in real time")

var _ robot.Link = (*Board)(nil)

type joint struct {
	cfg   robot.Joint
	drive *stepper.Drive
	pins  *stepper.SimPins
}

// encoder returns the physical output angle.
func (j *joint) encoder() float64 {
	return float64(j.pins.Shaft()) * j.cfg.Stepper.DegreePerActualStep / j.cfg.Actuator.GearRatio
}

// Option configures a Board.
type Option func(*Board)

// WithSimulatedTime runs the board on a fake clock advanced by Advance and Sleep.
func WithSimulatedTime(start time.Time) Option {
	return func(b *Board) {
		b.sim = clock.NewFake(start)
		b.clock = b.sim
	}
}

// WithTickRate sets the frequency of the step loop.
func WithTickRate(hz int) Option {
	return func(b *Board) {
		if hz > 0 {
			b.tick = time.Second / time.Duration(hz)
		}
	}
}

// WithSensorPeriod sets how often encoder readings correct the drives.
// Zero disables correction.
func WithSensorPeriod(d time.Duration) Option {
	return func(b *Board) { b.sensor = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Board) { b.log = l }
}

// Board is a simulated actuator board.
type Board struct {
	clock  clock.Clock
	sim    *clock.Fake
	tick   time.Duration
	sensor time.Duration
	log    *log.Logger
	joints [robot.NumJoints]*joint

	mu         sync.Mutex
	powered    bool
	setup      bool
	enabled    bool
	unhealthy  bool
	lastSensor time.Time
	simMu      sync.Mutex
}

// New builds a board for the given joints. Drives are configured by Setup.
func New(joints [robot.NumJoints]robot.Joint, opts ...Option) *Board {
	b := &Board{
		clock:  clock.Real{},
		tick:   time.Second / DefaultTickRate,
		sensor: DefaultSensorPeriod,
		log:    log.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("component", "board")
	for i, cfg := range joints {
		pins := stepper.NewSimPins(nil)
		pins.SetReversed(cfg.Setup.InvertDirection)
		b.joints[i] = &joint{cfg: cfg, drive: stepper.New(pins, b.clock), pins: pins}
	}
	return b
}

// Now implements clock.Clock with the board's time.
func (b *Board) Now() time.Time {
	return b.clock.Now()
}

// Sleep implements clock.Clock. On simulated time the board runs for d,
// otherwise it waits on the wall clock while Run drives the joints.
func (b *Board) Sleep(ctx context.Context, d time.Duration) error {
	if b.sim == nil {
		return clock.Real{}.Sleep(ctx, d)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Advance(d)
}

// Advance runs the simulation for d, ticking every drive at the tick rate.
func (b *Board) Advance(d time.Duration) error {
	if b.sim == nil {
		return ErrRealTime
	}
	b.simMu.Lock()
	defer b.simMu.Unlock()
	end := b.sim.Now().Add(d)
	for b.sim.Now().Before(end) {
		step := min(b.tick, end.Sub(b.sim.Now()))
		b.sim.Advance(step)
		b.Tick(b.sim.Now())
	}
	return nil
}

// Tick advances every drive to now and applies encoder corrections when due.
func (b *Board) Tick(now time.Time) {
	for _, j := range b.joints {
		j.drive.Tick(now)
	}
	b.mu.Lock()
	due := b.setup && b.sensor > 0 && now.Sub(b.lastSensor) >= b.sensor
	if due {
		b.lastSensor = now
	}
	b.mu.Unlock()
	if due {
		b.correct(now)
	}
}

func (b *Board) correct(now time.Time) {
	for _, j := range b.joints {
		j.drive.ApplyMeasuredAngle(j.encoder(), now)
	}
}

// Run drives the step and sensor loops on the wall clock until ctx ends.
func (b *Board) Run(ctx context.Context) error {
	if b.sim != nil {
		return errors.New("board runs on simulated time")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(b.tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				for _, j := range b.joints {
					j.drive.Tick(now)
				}
			}
		}
	})
	if b.sensor > 0 {
		g.Go(func() error {
			t := time.NewTicker(b.sensor)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-t.C:
					if b.Snapshot().Setup {
						b.correct(now)
					}
				}
			}
		})
	}
	b.log.Info("running", "tick", b.tick, "sensor", b.sensor)
	return g.Wait()
}

// Setup configures every drive and seeds its estimate from the encoder.
func (b *Board) Setup(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	for _, j := range b.joints {
		if err := j.drive.Configure(j.cfg.Stepper, j.cfg.Actuator, j.cfg.Setup); err != nil {
			return errors.Wrapf(err, "joint %s", j.cfg.Name)
		}
		if !j.drive.IsEnabled() {
			if err := j.drive.SetCurrentAngle(j.encoder()); err != nil {
				return err
			}
		}
	}
	b.mu.Lock()
	b.setup = true
	b.mu.Unlock()
	return nil
}

// Enable switches all drivers on. Power and setup must come first.
func (b *Board) Enable(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	ok := b.powered && b.setup
	if ok {
		b.enabled = true
	}
	b.mu.Unlock()
	if !ok {
		return errors.Wrap(robot.ErrNotPowered, "enable")
	}
	for _, j := range b.joints {
		j.drive.Enable()
	}
	return nil
}

// Disable switches all drivers off.
func (b *Board) Disable(ctx context.Context) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	for _, j := range b.joints {
		j.drive.Disable()
	}
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
	return nil
}

// Power switches the motor supply. Without supply the drivers are off.
func (b *Board) Power(ctx context.Context, on bool) error {
	if on {
		if err := b.check(ctx); err != nil {
			return err
		}
	}
	if !on {
		for _, j := range b.joints {
			j.drive.Disable()
		}
	}
	b.mu.Lock()
	b.powered = on
	if !on {
		b.enabled = false
	}
	b.mu.Unlock()
	return nil
}

// Info returns the lifecycle flags.
func (b *Board) Info(ctx context.Context) (robot.LifecycleStatus, error) {
	if err := b.check(ctx); err != nil {
		return robot.LifecycleStatus{}, err
	}
	return b.Snapshot(), nil
}

// Snapshot returns the lifecycle flags without a link exchange.
func (b *Board) Snapshot() robot.LifecycleStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return robot.LifecycleStatus{Powered: b.powered, Setup: b.setup, Enabled: b.enabled}
}

// Angles reads every encoder. Sensors are available after Setup.
func (b *Board) Angles(ctx context.Context) ([robot.NumJoints]robot.ActuatorState, error) {
	var states [robot.NumJoints]robot.ActuatorState
	if err := b.check(ctx); err != nil {
		return states, err
	}
	if !b.Snapshot().Setup {
		return states, errors.Wrap(robot.ErrCommunication, "sensors not set up")
	}
	for i, j := range b.joints {
		states[i] = robot.ActuatorState{CurrentAngle: j.encoder(), Status: j.drive.Phase().String()}
	}
	return states, nil
}

// Move commands every drive to reach its angle within d.
func (b *Board) Move(ctx context.Context, angles robot.JointAngles, d time.Duration) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if s := b.Snapshot(); !s.Powered || !s.Enabled {
		return errors.Wrap(robot.ErrNotPowered, "move")
	}
	for i, j := range b.joints {
		if err := j.drive.SetAngle(angles[i], d); err != nil {
			return errors.Wrapf(err, "joint %s", j.cfg.Name)
		}
	}
	return nil
}

// CommunicationHealthy reports false while a link fault is injected.
func (b *Board) CommunicationHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unhealthy
}

func (b *Board) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unhealthy {
		return errors.Wrap(robot.ErrCommunication, "link down")
	}
	return nil
}

// SetHealthy injects or clears a link fault.
func (b *Board) SetHealthy(ok bool) {
	b.mu.Lock()
	b.unhealthy = !ok
	b.mu.Unlock()
}

// InjectZombie puts the drivers in the enabled-without-power state that a
// brown-out leaves behind.
func (b *Board) InjectZombie() {
	b.mu.Lock()
	b.powered = false
	b.enabled = true
	b.mu.Unlock()
}

// MissSteps makes joint i lose its next n steps.
func (b *Board) MissSteps(i, n int) {
	b.joints[i].pins.MissSteps(n)
}

// SetEncoder moves joint i physically to angle, as if pushed by hand.
func (b *Board) SetEncoder(i int, angle float64) {
	j := b.joints[i]
	j.pins.SetShaft(int64(math.Round(angle * j.cfg.Actuator.GearRatio / j.cfg.Stepper.DegreePerActualStep)))
}

// Drive returns the drive of joint i.
func (b *Board) Drive(i int) *stepper.Drive {
	return b.joints[i].drive
}

// Estimates returns the step-count angle of every drive.
func (b *Board) Estimates() robot.JointAngles {
	var a robot.JointAngles
	for i, j := range b.joints {
		a[i] = j.drive.CurrentAngle()
	}
	return a
}

// Encoders returns the physical angle of every joint.
func (b *Board) Encoders() robot.JointAngles {
	var a robot.JointAngles
	for i, j := range b.joints {
		a[i] = j.encoder()
	}
	return a
}

// Report describes each drive for direct access.
func (b *Board) Report() string {
	out := ""
	for i, j := range b.joints {
		if i > 0 {
			out += ";"
		}
		m := j.drive.Motion()
		out += fmt.Sprintf("%s:%s:%d:%.3f", j.cfg.Name, m.Phase, m.Position, j.encoder())
	}
	return out
}
