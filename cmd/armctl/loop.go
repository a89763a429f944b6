package main

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/armctl/pkg/pose"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/session"
	"github.com/gwillem/armctl/pkg/telemetry"
)

// LoopFlags select the pose source and the telemetry of a running pose loop.
type LoopFlags struct {
	Trajectory string `long:"trajectory" short:"t" description:"Play a trajectory file (JSON)"`
	Pose       string `long:"pose" short:"p" description:"Hold a named pose from the configuration or comma separated degrees"`
	Leader     bool   `long:"leader" description:"Follow the leader arm"`
	Mirror     bool   `long:"mirror" description:"Mirror the leader: invert shoulder_pan and wrist_roll"`
	Hz         int    `long:"hz" default:"100" description:"Pose loop frequency"`
	HTTP       string `long:"http" description:"Telemetry listen address, overrides the configuration"`
	Yes        bool   `long:"yes" short:"y" description:"Do not ask for confirmation before homing"`
}

// loop is a started session with its telemetry.
type loop struct {
	s      *session.Session
	cfg    *robot.Config
	hub    *telemetry.Hub
	influx *telemetry.InfluxSink
	addr   string
}

// open sets the session up, homes the arm and starts playing the selected
// source. The pose loop itself runs in run.
func (f *LoopFlags) open(ctx context.Context) (*loop, error) {
	l := &loop{}
	l.hub = telemetry.NewHub(func() (string, bool) {
		if l.s == nil {
			return "", false
		}
		return l.s.Lifecycle().State().String(), l.s.Link().CommunicationHealthy()
	})

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	l.addr = cfg.Telemetry.HTTPAddr
	if f.HTTP != "" {
		l.addr = f.HTTP
	}

	sopts := []session.Option{session.WithHz(f.Hz), session.WithRecorder(l.hub)}
	if t := cfg.Telemetry; t.InfluxURL != "" {
		l.influx = telemetry.NewInfluxSink(t.InfluxURL, t.InfluxToken, t.InfluxOrg, t.InfluxBucket, log.Default())
		sopts = append(sopts, session.WithRecorder(l.influx))
	}
	link, err := openLink(ctx, cfg)
	if err != nil {
		l.close()
		return nil, err
	}
	l.s = session.New(link, session.ConfigFrom(cfg), sopts...)
	if err := l.s.Setup(ctx); err != nil {
		l.close()
		return nil, err
	}

	src, err := f.source(ctx, cfg)
	if err != nil {
		l.close()
		return nil, err
	}
	if !f.Yes && !confirm("Power up and home the arm?", "The arm moves to its default pose before the loop starts.") {
		l.close()
		return nil, errors.New("startup cancelled")
	}
	if err := withTimeout(ctx, l.s.Startup); err != nil {
		l.close()
		return nil, err
	}
	l.s.Play(src)
	return l, nil
}

// source builds the pose source named by the flags. It is nil when none was
// given: the arm then holds still until a command arrives.
func (f *LoopFlags) source(ctx context.Context, cfg *robot.Config) (pose.Source, error) {
	switch {
	case f.Trajectory != "":
		traj, err := pose.LoadTrajectory(f.Trajectory)
		if err != nil {
			return nil, err
		}
		return pose.NewPlayer(traj), nil
	case f.Pose != "":
		if angles, ok := cfg.Poses[f.Pose]; ok {
			return pose.Static{Angles: angles, Node: f.Pose}, nil
		}
		angles, err := robot.ParseJointAngles(f.Pose)
		if err != nil {
			return nil, err
		}
		return pose.Static{Angles: angles, Node: "pose"}, nil
	case f.Leader:
		if cfg.Leader.Port == "" {
			return nil, errors.Wrap(robot.ErrConfiguration, "no leader arm configured, run 'armctl setup' first")
		}
		cal := cfg.Leader.Calibration
		if !cfg.Leader.IsCalibrated() {
			cal = robot.DefaultCalibration()
		}
		return pose.OpenLeader(ctx, cfg.Leader.Port, cal, f.Mirror, log.Default())
	}
	return nil, nil
}

// run drives the pose loop and the telemetry server until ctx ends.
func (l *loop) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.s.Start(ctx)
	})
	if l.addr != "" {
		srv := telemetry.NewServer(l.hub, l.s, log.Default())
		g.Go(func() error {
			return srv.ListenAndServe(ctx, l.addr)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown parks the arm if it still runs and releases everything.
func (l *loop) shutdown() error {
	var err error
	if l.s.Lifecycle().IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = l.s.Teardown(ctx)
		cancel()
	}
	return multierr.Append(err, l.close())
}

func (l *loop) close() error {
	l.hub.Close()
	var err error
	if l.influx != nil {
		err = multierr.Append(err, l.influx.Close())
	}
	if l.s != nil {
		err = multierr.Append(err, l.s.Close())
	}
	return err
}
