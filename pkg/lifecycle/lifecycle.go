// Package lifecycle sequences startup, teardown and emergency stop of an arm.
//
// Every failure after power has been asserted powers the arm off before the
// error is returned. An emergency stop may be issued from any goroutine while
// a startup or teardown is blocked; it cancels their waits and wins.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/robot"
)

// State is the lifecycle state of the arm.
type State uint8

const (
	Down State = iota
	Homing
	Running
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Homing:
		return "homing"
	case Running:
		return "running"
	}
	return "unknown"
}

// Defaults of the homing procedure.
const (
	DefaultHomingSpeed  = 20.0 // degrees per second
	DefaultSettleMargin = 200 * time.Millisecond
	DefaultTolerance    = 1.0 // degrees
)

// ErrBusy is returned when a lifecycle operation is already in progress.
var ErrBusy = errors.New("lifecycle operation in progress")

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source used for the settle waits.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// WithDefaultPose sets the pose homed to on startup and teardown.
func WithDefaultPose(a robot.JointAngles) Option {
	return func(ctl *Controller) { ctl.home = a }
}

// WithHomingSpeed sets the speed of the slowest homing joint, degrees per second.
func WithHomingSpeed(v float64) Option {
	return func(ctl *Controller) {
		if v > 0 {
			ctl.speed = v
		}
	}
}

// WithSettleMargin sets the extra wait after a homing move.
func WithSettleMargin(d time.Duration) Option {
	return func(ctl *Controller) { ctl.settle = max(d, 0) }
}

// WithTolerance sets the maximum per-joint error accepted after homing.
func WithTolerance(deg float64) Option {
	return func(ctl *Controller) {
		if deg > 0 {
			ctl.tol = deg
		}
	}
}

// Controller owns the lifecycle of one arm behind a Link.
type Controller struct {
	link   robot.Link
	clock  clock.Clock
	log    *log.Logger
	home   robot.JointAngles
	speed  float64
	settle time.Duration
	tol    float64

	mu     sync.Mutex
	state  State
	busy   bool
	cancel context.CancelFunc
	// stops counts emergency stops; an operation that sees it change was aborted.
	stops uint64
}

// New returns a controller in state Down.
func New(link robot.Link, opts ...Option) *Controller {
	c := &Controller{
		link:   link,
		clock:  clock.Real{},
		log:    log.Default(),
		home:   robot.DefaultAngles(),
		speed:  DefaultHomingSpeed,
		settle: DefaultSettleMargin,
		tol:    DefaultTolerance,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "lifecycle")
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether startup completed and no stop happened since.
func (c *Controller) IsRunning() bool {
	return c.State() == Running
}

// DefaultPose returns the homing target.
func (c *Controller) DefaultPose() robot.JointAngles {
	return c.home
}

// op is one in-flight lifecycle operation.
type op struct {
	ctx   context.Context
	stops uint64
}

func (c *Controller) begin(ctx context.Context, name string) (op, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return op{}, errors.Wrap(ErrBusy, name)
	}
	opCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.cancel = cancel
	return op{ctx: opCtx, stops: c.stops}, nil
}

func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.busy = false
}

func (c *Controller) aborted(o op) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops != o.stops
}

func (c *Controller) setState(o op, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stops != o.stops {
		return robot.ErrAborted
	}
	c.state = s
	return nil
}

// powerOff switches power off with a context that survives the operation's
// cancellation.
func (c *Controller) powerOff(ctx context.Context) error {
	err := c.link.Power(context.WithoutCancel(ctx), false)
	if err != nil {
		c.log.Error("power off failed", "err", err)
	}
	return err
}

// failClosed leaves the arm down and powered off after a failure.
func (c *Controller) failClosed(o op, cause error) error {
	c.mu.Lock()
	if c.stops == o.stops {
		c.state = Down
	}
	c.mu.Unlock()
	return multierr.Append(cause, c.powerOff(o.ctx))
}

// homingDuration is the time the slowest joint needs at the homing speed.
func (c *Controller) homingDuration(from robot.JointAngles) time.Duration {
	return time.Duration(c.home.MaxDiff(from) / c.speed * float64(time.Second))
}

// StartupBot powers the arm, homes it to the default pose and verifies every
// joint arrived. On success the controller is Running.
func (c *Controller) StartupBot(ctx context.Context) error {
	o, err := c.begin(ctx, "startup")
	if err != nil {
		return err
	}
	defer c.end()
	if err := c.setState(o, Homing); err != nil {
		return err
	}

	err = c.startup(o)
	if err != nil {
		c.log.Error("startup failed", "err", err)
		return err
	}
	if err := c.setState(o, Running); err != nil {
		return err
	}
	c.log.Info("arm running")
	return nil
}

func (c *Controller) startup(o op) error {
	down := func(err error) error {
		c.mu.Lock()
		if c.stops == o.stops {
			c.state = Down
		}
		c.mu.Unlock()
		return err
	}

	status, err := c.link.Info(o.ctx)
	if err != nil {
		return down(errors.Wrap(err, "query status"))
	}
	if status.Zombie() {
		c.log.Error("actuators enabled without power, disabling", "status", status)
		if err := c.link.Disable(o.ctx); err != nil {
			c.log.Error("disable failed", "err", err)
		}
		if status, err = c.link.Info(o.ctx); err != nil {
			return down(errors.Wrap(err, "query status"))
		}
		if status.Enabled {
			c.log.Error("actuators still enabled after disable", "status", status)
		}
	}
	if c.aborted(o) {
		return robot.ErrAborted
	}

	if err := c.link.Setup(o.ctx); err != nil {
		return down(errors.Wrap(err, "setup"))
	}
	states, err := c.link.Angles(o.ctx)
	if err != nil {
		return down(errors.Wrap(err, "read initial angles"))
	}
	initial := robot.AnglesOf(states)
	if c.aborted(o) {
		return robot.ErrAborted
	}

	if !status.Powered {
		if err := c.link.Power(o.ctx, true); err != nil {
			return down(errors.Wrap(err, "power on"))
		}
	}
	// A stop that raced the power-on must still leave the arm unpowered.
	if c.aborted(o) {
		return multierr.Append(robot.ErrAborted, c.powerOff(o.ctx))
	}
	if err := c.link.Enable(o.ctx); err != nil {
		return c.failClosed(o, errors.Wrap(err, "enable"))
	}

	d := c.homingDuration(initial)
	c.log.Info("homing", "from", initial, "to", c.home, "duration", d)
	if err := c.link.Move(o.ctx, c.home, d); err != nil {
		return c.failClosed(o, errors.Wrap(err, "move to default pose"))
	}
	if err := c.clock.Sleep(o.ctx, d+c.settle); err != nil {
		if c.aborted(o) {
			return robot.ErrAborted
		}
		return c.failClosed(o, errors.Wrap(err, "wait for homing"))
	}

	states, err = c.link.Angles(o.ctx)
	if err != nil {
		return c.failClosed(o, errors.Wrap(err, "read homed angles"))
	}
	homed := robot.AnglesOf(states)
	for i, name := range robot.AllJoints() {
		if diff := homed[i] - c.home[i]; diff > c.tol || diff < -c.tol {
			c.log.Error("joint not homed", "joint", name, "angle", homed[i], "target", c.home[i], "tolerance", c.tol)
			return c.failClosed(o, errors.Wrapf(robot.ErrSafetyViolation,
				"%s at %.2f°, want %.2f° ± %.2f°", name, homed[i], c.home[i], c.tol))
		}
	}
	if c.aborted(o) {
		return robot.ErrAborted
	}
	return nil
}

// TeardownBot homes a running arm and powers it off. The running flag is
// cleared whatever happens. The result reports the power-off attempt, or the
// failure that forced it when the arm state could not be read.
func (c *Controller) TeardownBot(ctx context.Context) error {
	o, err := c.begin(ctx, "teardown")
	if err != nil {
		return err
	}
	defer c.end()

	status, err := c.link.Info(o.ctx)
	if err != nil {
		c.log.Error("status query failed, powering off", "err", err)
		return c.failClosed(o, errors.Wrap(err, "query status"))
	}

	if status.Ready() {
		if err := c.setState(o, Homing); err != nil {
			return err
		}
		states, err := c.link.Angles(o.ctx)
		if err != nil {
			c.log.Error("angle read failed, powering off", "err", err)
			return c.failClosed(o, errors.Wrap(err, "read angles"))
		}
		d := c.settle + c.homingDuration(robot.AnglesOf(states))
		c.log.Info("parking", "duration", d)
		if err := c.link.Move(o.ctx, c.home, d); err != nil {
			c.log.Error("park move failed", "err", err)
		} else if err := c.clock.Sleep(o.ctx, d); err != nil {
			c.log.Warn("park wait interrupted", "err", err)
		}
	}

	c.mu.Lock()
	c.state = Down
	c.mu.Unlock()
	if err := c.powerOff(o.ctx); err != nil {
		return errors.Wrap(err, "power off")
	}
	c.log.Info("arm down")
	return nil
}

// EmergencyStopBot powers off immediately and clears the running flag. It
// interrupts a concurrent startup or teardown and never waits for motion.
func (c *Controller) EmergencyStopBot(ctx context.Context) error {
	c.mu.Lock()
	c.stops++
	c.state = Down
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.log.Warn("emergency stop")
	return c.powerOff(ctx)
}

// MoveToNullPosition sends the arm to the default pose at homing speed without
// waiting or verifying. It returns the commanded duration. A failure leaves
// the arm down and powered off.
func (c *Controller) MoveToNullPosition(ctx context.Context) (time.Duration, error) {
	o, err := c.begin(ctx, "move to null position")
	if err != nil {
		return 0, err
	}
	defer c.end()

	states, err := c.link.Angles(o.ctx)
	if err != nil {
		return 0, c.failClosed(o, errors.Wrap(err, "read angles"))
	}
	d := c.homingDuration(robot.AnglesOf(states))
	if err := c.link.Move(o.ctx, c.home, d); err != nil {
		c.log.Error("move to default pose failed", "err", err)
		return 0, c.failClosed(o, errors.Wrap(err, "move to default pose"))
	}
	return d, nil
}
