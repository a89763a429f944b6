package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/board"
	"github.com/gwillem/armctl/pkg/clock"
	"github.com/gwillem/armctl/pkg/lifecycle"
	"github.com/gwillem/armctl/pkg/pose"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/robot/robottest"
	"github.com/gwillem/armctl/pkg/sampler"
)

const period = 50 * time.Millisecond

var testConfig = Config{Period: period, Margin: 2}

// remoteLink adds the optional methods of a remote link to the scripted one.
type remoteLink struct {
	*robottest.Link
	pings  int
	closed int
}

func (l *remoteLink) Ping(ctx context.Context) error {
	l.pings++
	if _, err := l.DirectAccess(ctx, "ping"); err != nil {
		return err
	}
	l.SetUnhealthy(false)
	return nil
}

func (l *remoteLink) Close() error {
	l.closed++
	return nil
}

func newRunningSession(t *testing.T, opts ...Option) (*Session, *robottest.Link, *clock.Fake) {
	t.Helper()
	link := robottest.NewLink()
	clk := clock.NewFake(time.Unix(7000, 0))
	s := New(link, testConfig, append([]Option{WithClock(clk)}, opts...)...)
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := s.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	link.ResetCalls()
	return s, link, clk
}

// run steps the session every 10ms for d.
func run(s *Session, clk *clock.Fake, d time.Duration) {
	for end := clk.Now().Add(d); clk.Now().Before(end); clk.Advance(10 * time.Millisecond) {
		s.Step(context.Background())
	}
}

func TestSession_NoMotionUntilRunning(t *testing.T) {
	link := robottest.NewLink()
	clk := clock.NewFake(time.Unix(7000, 0))
	s := New(link, testConfig, WithClock(clk))
	if err := s.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPose("1,2,3,4,5,6"); err != nil {
		t.Fatal(err)
	}
	run(s, clk, time.Second)
	if n := len(link.Moves()); n != 0 {
		t.Errorf("forwarded %d poses before startup", n)
	}
}

func TestSession_PlaysTrajectory(t *testing.T) {
	s, link, clk := newRunningSession(t)
	if err := s.RunTrajectory("start 0 0,0,0,0,0,0; reach 1000 10,0,0,0,0,0"); err != nil {
		t.Fatal(err)
	}

	run(s, clk, 1500*time.Millisecond)

	moves := link.Moves()
	if len(moves) < 20 || len(moves) > 21 {
		t.Errorf("forwarded %d poses in 1s of trajectory, want one per period", len(moves))
	}
	for i := 1; i < len(moves); i++ {
		if moves[i].Angles[0] < moves[i-1].Angles[0] {
			t.Fatalf("pose %d went backwards: %v after %v", i, moves[i].Angles, moves[i-1].Angles)
		}
		if moves[i].Duration != 2*period {
			t.Errorf("move %d duration %v, want %v", i, moves[i].Duration, 2*period)
		}
	}
	if s.Source() != nil {
		t.Error("source kept after the trajectory finished")
	}
	if got := s.Scheduler().NodeName(); got != "reach" {
		t.Errorf("node = %q, want reach", got)
	}
}

func TestSession_SendsFinalNode(t *testing.T) {
	s, link, clk := newRunningSession(t)
	// 1030ms is not a multiple of the period: the last gated pose falls short.
	if err := s.RunTrajectory("start 0 0,0,0,0,0,0; reach 1030 10,0,0,0,0,0"); err != nil {
		t.Fatal(err)
	}

	run(s, clk, 1500*time.Millisecond)

	moves := link.Moves()
	if len(moves) == 0 {
		t.Fatal("nothing forwarded")
	}
	if last := moves[len(moves)-1].Angles; last != (robot.JointAngles{10, 0, 0, 0, 0, 0}) {
		t.Errorf("last forwarded pose %v, want the final node", last)
	}
	if s.Source() != nil {
		t.Error("source kept after the final node was sent")
	}
	run(s, clk, 200*time.Millisecond)
	if n := len(link.Moves()); n != len(moves) {
		t.Errorf("forwarded %d more poses after the trajectory finished", n-len(moves))
	}
}

func TestSession_HoldsFinalNodeUntilSent(t *testing.T) {
	s, link, clk := newRunningSession(t)
	if err := s.RunTrajectory("start 0 0,0,0,0,0,0; reach 100 4,0,0,0,0,0"); err != nil {
		t.Fatal(err)
	}
	link.Fail("move")
	run(s, clk, 300*time.Millisecond)
	if s.Source() == nil {
		t.Fatal("source dropped before its final pose reached the link")
	}

	link.Clear("move")
	run(s, clk, 100*time.Millisecond)
	moves := link.Moves()
	if len(moves) != 1 || moves[0].Angles != (robot.JointAngles{4, 0, 0, 0, 0, 0}) {
		t.Errorf("moves after recovery %v, want only the final node", moves)
	}
	if s.Source() != nil {
		t.Error("source kept after the final node was sent")
	}
}

func TestSession_RejectsMalformedInput(t *testing.T) {
	s, link, clk := newRunningSession(t)
	if err := s.SetPose("5,5,5,5,5,5"); err != nil {
		t.Fatal(err)
	}
	held := s.Source()

	if err := s.RunTrajectory("a 100 1,2,3,4,5,6; b 100 1,2,x,4,5,6"); !errors.Is(err, robot.ErrParse) {
		t.Errorf("RunTrajectory = %v, want ErrParse", err)
	}
	if err := s.SetPose("1,2"); !errors.Is(err, robot.ErrParse) {
		t.Errorf("SetPose = %v, want ErrParse", err)
	}
	if s.Source() != held {
		t.Error("a rejected input replaced the source")
	}

	run(s, clk, 100*time.Millisecond)
	for _, m := range link.Moves() {
		if m.Angles != (robot.JointAngles{5, 5, 5, 5, 5, 5}) {
			t.Errorf("forwarded %v, want only the held pose", m.Angles)
		}
	}
}

func TestSession_EmergencyStopDropsSource(t *testing.T) {
	s, link, clk := newRunningSession(t)
	if err := s.SetPose("5,5,5,5,5,5"); err != nil {
		t.Fatal(err)
	}
	run(s, clk, 100*time.Millisecond)

	if err := s.EmergencyStop(context.Background()); err != nil {
		t.Fatal(err)
	}
	sent := len(link.Moves())
	run(s, clk, time.Second)
	if len(link.Moves()) != sent {
		t.Error("poses forwarded after an emergency stop")
	}
	if s.Source() != nil || s.Lifecycle().State() != lifecycle.Down {
		t.Errorf("after stop: source %v, state %v", s.Source(), s.Lifecycle().State())
	}
	if link.Snapshot().Powered {
		t.Error("link powered after emergency stop")
	}
}

func TestSession_Home(t *testing.T) {
	s, link, clk := newRunningSession(t)
	if err := s.SetPose("0,30,0,0,0,0"); err != nil {
		t.Fatal(err)
	}
	run(s, clk, 100*time.Millisecond)
	link.ResetCalls()

	if err := s.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if s.Source() != nil {
		t.Error("source kept while homing")
	}
	moves := link.Moves()
	if len(moves) != 1 || moves[0].Angles != robot.DefaultAngles() {
		t.Errorf("moves = %+v, want one move to the default pose", moves)
	}
	if !s.Lifecycle().IsRunning() {
		t.Errorf("state %v after homing, want running", s.Lifecycle().State())
	}

	link.Fail("move")
	if err := s.Home(context.Background()); err == nil {
		t.Fatal("Home succeeded with a failing link")
	}
	if link.Snapshot().Powered || s.Lifecycle().IsRunning() {
		t.Errorf("after failed homing: powered %v, state %v", link.Snapshot().Powered, s.Lifecycle().State())
	}
}

func TestSession_ReconnectsUnhealthyLink(t *testing.T) {
	remote := &remoteLink{Link: robottest.NewLink()}
	clk := clock.NewFake(time.Unix(7000, 0))
	s := New(remote, testConfig, WithClock(clk))
	ctx := context.Background()
	if err := s.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Startup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPose("0,0,0,0,0,1"); err != nil {
		t.Fatal(err)
	}

	remote.SetUnhealthy(true)
	remote.Fail("direct")
	run(s, clk, 200*time.Millisecond)
	if n := len(remote.Moves()); n != 1 {
		t.Errorf("forwarded %d poses on a dead link, want only the homing move", n)
	}

	remote.Clear("direct")
	run(s, clk, 200*time.Millisecond)
	if n := len(remote.Moves()); n < 4 {
		t.Errorf("forwarded %d poses after recovery", n)
	}
	if remote.pings == 0 {
		t.Error("no reconnect attempted")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if remote.closed != 1 {
		t.Errorf("link closed %d times, want 1", remote.closed)
	}
}

func TestSession_States(t *testing.T) {
	s, _, clk := newRunningSession(t)
	if err := s.SetPose("1,1,1,1,1,1"); err != nil {
		t.Fatal(err)
	}
	run(s, clk, 50*time.Millisecond)

	select {
	case st := <-s.States():
		want := State{
			Pose:      robot.Pose{Angles: robot.JointAngles{1, 1, 1, 1, 1, 1}, Node: "pose"},
			Lifecycle: lifecycle.Running,
			Healthy:   true,
			Timestamp: clk.Now().Add(-10 * time.Millisecond),
		}
		if diff := cmp.Diff(want, st); diff != "" {
			t.Errorf("state mismatch (-want +got):\n%s", diff)
		}
	default:
		t.Fatal("no state published")
	}
	select {
	case <-s.States():
		t.Error("stale states were queued")
	default:
	}
}

func TestSession_StartTwice(t *testing.T) {
	s, _, _ := newRunningSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case msg := <-s.Logs():
			started = strings.Contains(msg, "pose loop started")
		case <-deadline:
			t.Fatal("pose loop did not start")
		}
	}
	if err := s.Start(ctx); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start = %v, want context.Canceled", err)
	}
}

type recorder struct{ samples []sampler.Sample }

func (r *recorder) Record(s sampler.Sample) { r.samples = append(r.samples, s) }

func TestSession_OnSimulatedBoard(t *testing.T) {
	b := board.New(robot.DefaultConfig().Joints, board.WithSimulatedTime(time.Unix(9000, 0)))
	b.SetEncoder(1, 15)
	rec := &recorder{}
	cfg := testConfig
	cfg.Homing = robot.HomingConfig{Speed: 20, SettleMs: 500, Tolerance: 1}
	s := New(b, cfg, WithClock(b), WithRecorder(rec))
	ctx := context.Background()

	if err := s.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	traj := pose.Trajectory{Nodes: []pose.Node{
		{Name: "rest", Angles: robot.JointAngles{}},
		{Name: "lift", Angles: robot.JointAngles{0, 20, -10, 0, 0, 0}, Duration: 2 * time.Second},
		{Name: "hold", Angles: robot.JointAngles{0, 20, -10, 0, 0, 0}, Duration: 500 * time.Millisecond},
	}}
	s.Play(pose.NewPlayer(traj))

	for s.Source() != nil {
		s.Step(ctx)
		if err := b.Advance(10 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Advance(time.Second); err != nil {
		t.Fatal(err)
	}

	if diff := b.Encoders().MaxDiff(robot.JointAngles{0, 20, -10, 0, 0, 0}); diff > 0.1 {
		t.Errorf("encoders %v, want the final node", b.Encoders())
	}
	if len(rec.samples) < 45 {
		t.Errorf("recorded %d samples over 2.5s, want one per period", len(rec.samples))
	}
	for _, sm := range rec.samples {
		if !sm.Sent {
			t.Errorf("sample at %v not sent: %v", sm.Time, sm.Err)
		}
	}

	if err := s.Teardown(ctx); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if b.Snapshot().Powered {
		t.Error("board powered after teardown")
	}
}

func TestSession_Hz(t *testing.T) {
	link := robottest.NewLink()
	if got := New(link, testConfig).Hz(); got != DefaultHz {
		t.Errorf("default Hz = %d, want %d", got, DefaultHz)
	}
	if got := New(link, testConfig, WithHz(50)).Hz(); got != 50 {
		t.Errorf("Hz = %d, want 50", got)
	}
	if got := New(link, testConfig, WithHz(0)).Hz(); got != DefaultHz {
		t.Errorf("Hz(0) = %d, want the default", got)
	}
}
