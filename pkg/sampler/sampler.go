// Package sampler rate-limits a continuously produced pose stream down to one
// motion command per sample period.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/robot"
)

// DefaultMargin doubles the sample period, so the board always holds one
// queued period of motion when the next sample arrives.
const DefaultMargin = 2.0

// Sample describes one gate decision that reached the link.
type Sample struct {
	Time     time.Time
	Angles   robot.JointAngles
	Duration time.Duration
	Node     string
	Sent     bool
	Err      error
}

// Recorder observes forwarded samples.
type Recorder interface {
	Record(Sample)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMargin sets the factor applied to the sample period to get the commanded
// move duration. Factors below 1 are raised to 1.
func WithMargin(f float64) Option {
	return func(s *Scheduler) { s.margin = max(f, 1) }
}

// WithRecorder adds an observer of forwarded samples.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorders = append(s.recorders, r) }
}

// Scheduler is the drift-controlled gate between a pose source and the link.
type Scheduler struct {
	link      robot.Link
	clock     clock.Clock
	log       *log.Logger
	margin    float64
	recorders []Recorder

	mu        sync.Mutex
	period    time.Duration
	last      time.Time
	heartbeat bool
	node      string
}

// New returns a scheduler forwarding to link. Setup must be called before the
// first pose.
func New(link robot.Link, opts ...Option) *Scheduler {
	s := &Scheduler{
		link:   link,
		clock:  clock.Real{},
		log:    log.Default(),
		margin: DefaultMargin,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "sampler")
	return s
}

// Setup connects the link when it needs it, sets the sample period and resets
// the gate.
func (s *Scheduler) Setup(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return errors.Wrapf(robot.ErrConfiguration, "sample period %v must be positive", period)
	}
	if c, ok := s.link.(robot.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return errors.Wrap(err, "connect link")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.period = period
	s.last = time.Time{}
	s.heartbeat = false
	s.node = ""
	s.log.Info("sampling", "period", period, "command", s.commandDurationLocked())
	return nil
}

// OnNewPose is called by the pose source on each of its iterations. At most
// one pose per sample period is forwarded to the link. It reports whether
// this pose reached the link.
func (s *Scheduler) OnNewPose(ctx context.Context, pose robot.Pose) bool {
	s.mu.Lock()
	s.node = pose.Node
	node := s.node
	if s.period <= 0 {
		s.mu.Unlock()
		return false
	}

	now := s.clock.Now()
	if now.Before(s.last.Add(s.period)) {
		s.mu.Unlock()
		return false
	}
	if now.Sub(s.last) < 2*s.period {
		s.last = s.last.Add(s.period)
	} else {
		s.last = now
	}
	d := s.commandDurationLocked()
	s.mu.Unlock()

	sample := Sample{Time: now, Angles: pose.Angles, Duration: d, Node: node}
	if !s.link.CommunicationHealthy() {
		s.setHeartbeat(false)
		sample.Err = errors.Wrap(robot.ErrCommunication, "link unhealthy")
		s.record(sample)
		return false
	}

	err := s.link.Move(ctx, pose.Angles, d)
	if err != nil {
		s.log.Warn("move failed", "err", err, "node", node)
	}
	s.setHeartbeat(err == nil)
	sample.Sent = err == nil
	sample.Err = err
	s.record(sample)
	return sample.Sent
}

// SetAnglesFromString parses comma separated degrees and feeds them through
// the gate. A malformed string sends nothing. It returns whether this call
// produced a heartbeat.
func (s *Scheduler) SetAnglesFromString(ctx context.Context, str string) (bool, error) {
	angles, err := robot.ParseJointAngles(str)
	if err != nil {
		return false, err
	}
	s.OnNewPose(ctx, robot.Pose{Angles: angles})
	return s.ConsumeHeartbeat(), nil
}

// ConsumeHeartbeat reports a successful send since the last call, once.
func (s *Scheduler) ConsumeHeartbeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.heartbeat
	s.heartbeat = false
	return hb
}

func (s *Scheduler) setHeartbeat(v bool) {
	s.mu.Lock()
	s.heartbeat = v
	s.mu.Unlock()
}

func (s *Scheduler) record(sample Sample) {
	for _, r := range s.recorders {
		r.Record(sample)
	}
}

// NodeName returns the node name annotated by the latest pose.
func (s *Scheduler) NodeName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// Period returns the sample period.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Margin returns the command duration factor.
func (s *Scheduler) Margin() float64 {
	return s.margin
}

// CommandDuration returns the move duration sent with each sample.
func (s *Scheduler) CommandDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandDurationLocked()
}

func (s *Scheduler) commandDurationLocked() time.Duration {
	return time.Duration(float64(s.period) * s.margin)
}
