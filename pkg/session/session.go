// Package session owns one control session: the link to the arm, its
// lifecycle, the sample scheduler and the pose source feeding it.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/lifecycle"
	"github.com/gwillem/armctl/pkg/pose"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/sampler"
)

// DefaultHz is the pose loop frequency.
const DefaultHz = 100

// ErrRunning is returned by Start when the pose loop already runs.
var ErrRunning = errors.New("session already running")

// State is one iteration of the pose loop.
type State struct {
	Pose      robot.Pose
	Lifecycle lifecycle.State
	Healthy   bool
	Timestamp time.Time
	Err       error
}

// Config holds the timing of a session.
type Config struct {
	Period time.Duration
	Margin float64
	Hz     int
	Homing robot.HomingConfig
}

// ConfigFrom extracts the session timing from a file configuration.
func ConfigFrom(c *robot.Config) Config {
	return Config{Period: c.SamplePeriod(), Margin: c.Margin, Homing: c.Homing}
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the time source shared by the scheduler and the lifecycle.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithHz sets the pose loop frequency.
func WithHz(hz int) Option {
	return func(s *Session) {
		if hz > 0 {
			s.cfg.Hz = hz
		}
	}
}

// WithRecorder adds an observer of forwarded samples.
func WithRecorder(r sampler.Recorder) Option {
	return func(s *Session) { s.recorders = append(s.recorders, r) }
}

// Session is the control session of one arm.
type Session struct {
	link      robot.Link
	cfg       Config
	clock     clock.Clock
	log       *log.Logger
	recorders []sampler.Recorder
	sched     *sampler.Scheduler
	life      *lifecycle.Controller

	mu      sync.Mutex
	source  pose.Source
	running bool
	stateCh chan State
	logCh   chan string
}

// New builds a session on link. Setup must be called before the pose loop.
func New(link robot.Link, cfg Config, opts ...Option) *Session {
	if cfg.Hz <= 0 {
		cfg.Hz = DefaultHz
	}
	s := &Session{
		link:    link,
		cfg:     cfg,
		clock:   clock.Real{},
		log:     log.Default(),
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
	for _, o := range opts {
		o(s)
	}

	sopts := []sampler.Option{sampler.WithClock(s.clock), sampler.WithLogger(s.log)}
	if cfg.Margin > 0 {
		sopts = append(sopts, sampler.WithMargin(cfg.Margin))
	}
	for _, r := range s.recorders {
		sopts = append(sopts, sampler.WithRecorder(r))
	}
	s.sched = sampler.New(link, sopts...)
	s.life = lifecycle.New(link,
		lifecycle.WithClock(s.clock),
		lifecycle.WithLogger(s.log),
		lifecycle.WithDefaultPose(cfg.Homing.DefaultPose),
		lifecycle.WithHomingSpeed(cfg.Homing.Speed),
		lifecycle.WithSettleMargin(cfg.Homing.SettleMargin()),
		lifecycle.WithTolerance(cfg.Homing.Tolerance),
	)
	s.log = s.log.With("component", "session")
	return s
}

// Scheduler returns the sample scheduler.
func (s *Session) Scheduler() *sampler.Scheduler { return s.sched }

// Link returns the actuator link.
func (s *Session) Link() robot.Link { return s.link }

// Lifecycle returns the lifecycle controller.
func (s *Session) Lifecycle() *lifecycle.Controller { return s.life }

// Hz returns the pose loop frequency.
func (s *Session) Hz() int { return s.cfg.Hz }

// States returns a channel that receives the latest loop state.
func (s *Session) States() <-chan State { return s.stateCh }

// Logs returns a channel that receives session messages.
func (s *Session) Logs() <-chan string { return s.logCh }

func (s *Session) notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Info(msg)
	select {
	case s.logCh <- fmt.Sprintf("[%s] %s", s.clock.Now().Format("15:04:05"), msg):
	default:
	}
}

// Setup connects the link and configures the scheduler.
func (s *Session) Setup(ctx context.Context) error {
	return s.sched.Setup(ctx, s.cfg.Period)
}

// Startup homes the arm and starts accepting poses.
func (s *Session) Startup(ctx context.Context) error {
	if err := s.life.StartupBot(ctx); err != nil {
		s.notify("startup failed: %v", err)
		return err
	}
	s.notify("arm running")
	return nil
}

// Teardown stops the source, parks the arm and powers it off.
func (s *Session) Teardown(ctx context.Context) error {
	s.Play(nil)
	if err := s.life.TeardownBot(ctx); err != nil {
		s.notify("teardown failed: %v", err)
		return err
	}
	s.notify("arm down")
	return nil
}

// EmergencyStop cuts power at once and drops the source.
func (s *Session) EmergencyStop(ctx context.Context) error {
	err := s.life.EmergencyStopBot(ctx)
	s.Play(nil)
	s.notify("emergency stop")
	return err
}

// Home drops the source and sends the arm to its default pose without
// waiting for it to arrive. A failed move powers the arm off.
func (s *Session) Home(ctx context.Context) error {
	s.Play(nil)
	d, err := s.life.MoveToNullPosition(ctx)
	if err != nil {
		s.notify("homing failed: %v", err)
		return err
	}
	s.notify("homing over %v", d)
	return nil
}

// Play replaces the pose source. A nil source stops motion commands.
func (s *Session) Play(src pose.Source) {
	s.mu.Lock()
	old := s.source
	s.source = src
	s.mu.Unlock()
	if c, ok := old.(io.Closer); ok && old != src {
		if err := c.Close(); err != nil {
			s.log.Warn("close source", "err", err)
		}
	}
}

// Source returns the current pose source.
func (s *Session) Source() pose.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// RunTrajectory parses and plays a trajectory. A malformed trajectory is
// rejected whole and the current source keeps playing.
func (s *Session) RunTrajectory(str string) error {
	traj, err := pose.ParseTrajectory(str)
	if err != nil {
		s.notify("trajectory rejected: %v", err)
		return err
	}
	s.Play(pose.NewPlayer(traj))
	s.notify("playing %d nodes over %v", len(traj.Nodes), traj.Duration())
	return nil
}

// SetPose holds the pose given as comma separated degrees.
func (s *Session) SetPose(str string) error {
	angles, err := robot.ParseJointAngles(str)
	if err != nil {
		s.notify("pose rejected: %v", err)
		return err
	}
	s.Play(pose.Static{Angles: angles, Node: "pose"})
	return nil
}

// DirectAccess passes a raw command to the link.
func (s *Session) DirectAccess(ctx context.Context, cmd string) (string, error) {
	return s.link.DirectAccess(ctx, cmd)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Step runs one pose loop iteration: sample the source and hand the pose to
// the scheduler. Poses are only forwarded while the arm is running.
func (s *Session) Step(ctx context.Context) {
	st := State{Timestamp: s.clock.Now(), Lifecycle: s.life.State()}
	defer func() {
		st.Healthy = s.link.CommunicationHealthy()
		s.sendState(st)
	}()

	src := s.Source()
	if src == nil || st.Lifecycle != lifecycle.Running {
		return
	}
	if p, ok := s.link.(pinger); ok && !s.link.CommunicationHealthy() {
		if err := p.Ping(ctx); err != nil {
			st.Err = err
			return
		}
		s.notify("link recovered")
	}

	p, more, err := src.Sample(ctx, st.Timestamp)
	if err != nil {
		st.Err = err
		return
	}
	st.Pose = p
	sent := s.sched.OnNewPose(ctx, p)
	if !more && sent {
		// The final pose reached the link.
		s.mu.Lock()
		if s.source == src {
			s.source = nil
		}
		s.mu.Unlock()
		s.notify("trajectory finished")
	}
}

// Start runs the pose loop at Hz until ctx ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.notify("pose loop started at %d Hz", s.cfg.Hz)
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.Hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.notify("pose loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

func (s *Session) sendState(st State) {
	select {
	case s.stateCh <- st:
	default:
		// Replace the stale state.
		select {
		case <-s.stateCh:
		default:
		}
		select {
		case s.stateCh <- st:
		default:
		}
	}
}

// Close releases the source and the link.
func (s *Session) Close() error {
	s.mu.Lock()
	src := s.source
	s.source = nil
	s.mu.Unlock()

	var err error
	if c, ok := src.(io.Closer); ok {
		err = multierr.Append(err, errors.Wrap(c.Close(), "close source"))
	}
	if c, ok := s.link.(io.Closer); ok {
		err = multierr.Append(err, errors.Wrap(c.Close(), "close link"))
	}
	return err
}
