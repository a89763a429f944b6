package board

import (
	"bufio"
	"context"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/cortex"
	"github.com/gwillem/armctl/pkg/lifecycle"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/stepper"
)

func newSimBoard(t *testing.T) *Board {
	t.Helper()
	return New(robot.DefaultConfig().Joints, WithSimulatedTime(time.Unix(2000, 0)))
}

// readyBoard returns a simulated board that is set up, powered and enabled.
func readyBoard(t *testing.T) *Board {
	t.Helper()
	b := newSimBoard(t)
	ctx := context.Background()
	if err := b.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := b.Power(ctx, true); err != nil {
		t.Fatalf("Power: %v", err)
	}
	if err := b.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return b
}

func TestBoard_Preconditions(t *testing.T) {
	b := newSimBoard(t)
	ctx := context.Background()

	if _, err := b.Angles(ctx); !errors.Is(err, robot.ErrCommunication) {
		t.Errorf("Angles before setup = %v, want ErrCommunication", err)
	}
	if err := b.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := b.Enable(ctx); !errors.Is(err, robot.ErrNotPowered) {
		t.Errorf("Enable without power = %v, want ErrNotPowered", err)
	}
	if err := b.Move(ctx, robot.JointAngles{}, time.Second); !errors.Is(err, robot.ErrNotPowered) {
		t.Errorf("Move without power = %v, want ErrNotPowered", err)
	}
	if err := b.Advance(time.Millisecond); err != nil {
		t.Errorf("Advance: %v", err)
	}
	if err := New(robot.DefaultConfig().Joints).Advance(time.Millisecond); !errors.Is(err, ErrRealTime) {
		t.Errorf("Advance on wall clock = %v, want ErrRealTime", err)
	}
}

func TestBoard_MoveReachesTarget(t *testing.T) {
	b := readyBoard(t)
	ctx := context.Background()
	target := robot.JointAngles{10, -20, 5, 0, 30, -3}

	if err := b.Move(ctx, target, time.Second); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := b.Advance(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	step := b.Drive(0).StepAngle()
	if diff := b.Encoders().MaxDiff(target); diff > step {
		t.Errorf("encoders %v, want %v within one step", b.Encoders(), target)
	}
	for i := range robot.NumJoints {
		if p := b.Drive(i).Phase(); p != stepper.Idle {
			t.Errorf("joint %d phase %v, want idle", i, p)
		}
	}

	states, err := b.Angles(ctx)
	if err != nil {
		t.Fatalf("Angles: %v", err)
	}
	if diff := robot.AnglesOf(states).MaxDiff(target); diff > step {
		t.Errorf("Angles() = %v, want %v", robot.AnglesOf(states), target)
	}
}

func TestBoard_SensorCorrectsMissedSteps(t *testing.T) {
	b := readyBoard(t)
	ctx := context.Background()
	b.MissSteps(0, 20)

	target := robot.JointAngles{10}
	if err := b.Move(ctx, target, time.Second); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := b.Advance(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := b.Encoders()[0]; math.Abs(got-10) > 0.2 {
		t.Errorf("encoder = %.3f°, want 10° after correction", got)
	}
}

func TestBoard_NoCorrectionWithoutSensor(t *testing.T) {
	b := New(robot.DefaultConfig().Joints, WithSimulatedTime(time.Unix(2000, 0)), WithSensorPeriod(0))
	ctx := context.Background()
	for _, err := range []error{b.Setup(ctx), b.Power(ctx, true), b.Enable(ctx)} {
		if err != nil {
			t.Fatal(err)
		}
	}
	b.MissSteps(0, 20)
	if err := b.Move(ctx, robot.JointAngles{10}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := b.Advance(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	want := b.Estimates()[0] - 20*b.Drive(0).StepAngle()
	if got := b.Encoders()[0]; math.Abs(got-want) > 1e-9 {
		t.Errorf("encoder = %.3f°, want %.3f° with the missed steps uncorrected", got, want)
	}
}

func TestBoard_PowerOffStopsMotion(t *testing.T) {
	b := readyBoard(t)
	ctx := context.Background()

	if err := b.Move(ctx, robot.JointAngles{30}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := b.Advance(300 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := b.Power(ctx, false); err != nil {
		t.Fatal(err)
	}
	stopped := b.Encoders()[0]
	if err := b.Advance(time.Second); err != nil {
		t.Fatal(err)
	}
	if got := b.Encoders()[0]; got != stopped {
		t.Errorf("joint moved from %.3f° to %.3f° without power", stopped, got)
	}
	want := robot.LifecycleStatus{Setup: true}
	if diff := cmp.Diff(want, b.Snapshot()); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestBoard_LifecycleInSimulation(t *testing.T) {
	b := newSimBoard(t)
	b.SetEncoder(0, 30)
	b.SetEncoder(3, -12)
	ctl := lifecycle.New(b, lifecycle.WithClock(b), lifecycle.WithSettleMargin(500*time.Millisecond))
	ctx := context.Background()

	if err := ctl.StartupBot(ctx); err != nil {
		t.Fatalf("StartupBot: %v", err)
	}
	if !ctl.IsRunning() {
		t.Fatal("not running after startup")
	}
	if diff := b.Encoders().MaxDiff(robot.DefaultAngles()); diff > lifecycle.DefaultTolerance {
		t.Errorf("encoders %v not homed", b.Encoders())
	}

	if err := b.Move(ctx, robot.JointAngles{0, 15}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := b.Advance(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := ctl.TeardownBot(ctx); err != nil {
		t.Fatalf("TeardownBot: %v", err)
	}
	if ctl.State() != lifecycle.Down {
		t.Errorf("state = %v, want down", ctl.State())
	}
	if b.Snapshot().Powered {
		t.Error("board still powered after teardown")
	}
	if diff := b.Encoders().MaxDiff(robot.DefaultAngles()); diff > lifecycle.DefaultTolerance {
		t.Errorf("encoders %v not parked", b.Encoders())
	}
}

func TestBoard_StartupRepairsZombie(t *testing.T) {
	b := newSimBoard(t)
	b.InjectZombie()
	ctl := lifecycle.New(b, lifecycle.WithClock(b))

	if err := ctl.StartupBot(context.Background()); err != nil {
		t.Fatalf("StartupBot: %v", err)
	}
	want := robot.LifecycleStatus{Powered: true, Setup: true, Enabled: true}
	if diff := cmp.Diff(want, b.Snapshot()); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestBoard_StartupFailsOnStuckJoint(t *testing.T) {
	b := newSimBoard(t)
	b.SetEncoder(2, 20)
	b.MissSteps(2, 1_000_000)
	ctl := lifecycle.New(b, lifecycle.WithClock(b), lifecycle.WithSettleMargin(0))

	err := ctl.StartupBot(context.Background())
	if !errors.Is(err, robot.ErrSafetyViolation) {
		t.Fatalf("StartupBot = %v, want ErrSafetyViolation", err)
	}
	if b.Snapshot().Powered {
		t.Error("board left powered after a failed startup")
	}
}

func TestBoard_LinkFault(t *testing.T) {
	b := newSimBoard(t)
	ctx := context.Background()

	if _, err := b.DirectAccess(ctx, "link down"); err != nil {
		t.Fatal(err)
	}
	if b.CommunicationHealthy() {
		t.Error("healthy with the link down")
	}
	if _, err := b.Info(ctx); !errors.Is(err, robot.ErrCommunication) {
		t.Errorf("Info = %v, want ErrCommunication", err)
	}
	if _, err := b.DirectAccess(ctx, "link up"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Info(ctx); err != nil {
		t.Errorf("Info after link up: %v", err)
	}
}

func TestBoard_DirectAccess(t *testing.T) {
	b := readyBoard(t)
	ctx := context.Background()

	if _, err := b.DirectAccess(ctx, "encoder wrist_roll 12.5"); err != nil {
		t.Fatal(err)
	}
	if got := b.Encoders()[4]; math.Abs(got-12.5) > b.Drive(4).StepAngle() {
		t.Errorf("wrist_roll encoder = %.3f, want 12.5", got)
	}
	out, err := b.DirectAccess(ctx, "status")
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(out, ";"); len(parts) != robot.NumJoints || !strings.HasPrefix(parts[0], "shoulder_pan:idle:0:") {
		t.Errorf("status = %q", out)
	}

	for _, cmd := range []string{"", "bogus", "miss elbow", "miss nose 3", "encoder elbow_flex x", "link sideways"} {
		if _, err := b.DirectAccess(ctx, cmd); !errors.Is(err, robot.ErrParse) {
			t.Errorf("DirectAccess(%q) = %v, want ErrParse", cmd, err)
		}
	}
}

func TestBoard_Exec(t *testing.T) {
	b := newSimBoard(t)
	ctx := context.Background()

	tests := []struct {
		req, want string
	}{
		{"ping", "ok"},
		{"info", "ok 0 0 0"},
		{"setup", "ok"},
		{"power on", "ok"},
		{"enable", "ok"},
		{"info", "ok 1 1 1"},
		{"move 1000 10,0,0,0,0,0", "ok"},
		{"power sideways", "err "},
		{"move 500 1,2", "err "},
		{"fly", "err "},
	}
	for _, tt := range tests {
		if got := b.Exec(ctx, tt.req); !strings.HasPrefix(got, tt.want) || (tt.want != "err " && got != tt.want) {
			t.Errorf("Exec(%q) = %q, want %q", tt.req, got, tt.want)
		}
	}

	if err := b.Advance(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	payload, err := cortex.ParseResponse(b.Exec(ctx, "angles"))
	if err != nil {
		t.Fatal(err)
	}
	states, err := cortex.ParseStates(payload)
	if err != nil {
		t.Fatalf("ParseStates(%q): %v", payload, err)
	}
	if got := states[0].CurrentAngle; math.Abs(got-10) > 0.05 {
		t.Errorf("angle = %.3f, want 10", got)
	}
	if states[0].Status != "idle" {
		t.Errorf("status = %q, want idle", states[0].Status)
	}
}

func TestBoard_Serve(t *testing.T) {
	b := newSimBoard(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, server) }()

	r := bufio.NewReader(client)
	var got []string
	for _, req := range []string{"ping", "", "setup", "info"} {
		if _, err := client.Write([]byte(req + "\n")); err != nil {
			t.Fatal(err)
		}
		if req == "" {
			continue
		}
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, strings.TrimSpace(line))
	}
	client.Close()
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}

	want := []string{"ok", "ok", "ok 0 1 0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("answers mismatch (-want +got):\n%s", diff)
	}
}
