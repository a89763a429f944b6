package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/board"
	"github.com/gwillem/armctl/pkg/cortex"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/session"
)

// loadConfig reads the configuration file. A missing file yields the
// simulated-board defaults.
func loadConfig() (*robot.Config, error) {
	if _, err := os.Stat(opts.Config); os.IsNotExist(err) {
		log.Warn("no configuration, using the simulated board", "file", opts.Config)
		return robot.DefaultConfig(), nil
	}
	return robot.LoadConfigFrom(opts.Config)
}

// openLink builds the link selected by the configuration. A simulated board
// is ticked in real time for the life of the process, so a teardown after
// ctx ends still completes.
func openLink(ctx context.Context, cfg *robot.Config) (robot.Link, error) {
	logger := log.Default()
	switch cfg.Link.Kind {
	case robot.LinkSim:
		b := board.New(cfg.Joints, board.WithLogger(logger))
		go func() {
			if err := b.Run(context.WithoutCancel(ctx)); err != nil {
				logger.Error("simulated board stopped", "err", err)
			}
		}()
		return b, nil
	case robot.LinkServo:
		port := cfg.Servo.Port
		if port == "" {
			port = cfg.Link.Port
		}
		cal := cfg.Servo.Calibration
		if !cfg.Servo.IsCalibrated() {
			cal = robot.DefaultCalibration()
		}
		return robot.NewServoLink(port, cal, logger)
	case robot.LinkCortex:
		dial := cortex.TCPDialer(cfg.Link.Address)
		if cfg.Link.Address == "" {
			dial = cortex.SerialDialer(cfg.Link.Port, cfg.Link.Baud, cfg.Link.LinkTimeout())
		}
		c := cortex.New(dial, cortex.WithTimeout(cfg.Link.LinkTimeout()), cortex.WithLogger(logger))
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, errors.Wrapf(robot.ErrConfiguration, "unknown link kind %q", cfg.Link.Kind)
}

// openSession loads the configuration, opens the link and sets the session up.
func openSession(ctx context.Context, sopts ...session.Option) (*session.Session, *robot.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	link, err := openLink(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s := session.New(link, session.ConfigFrom(cfg), sopts...)
	if err := s.Setup(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, cfg, nil
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withTimeout runs op with a deadline long enough for a full homing move.
func withTimeout(parent context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
	defer cancel()
	return op(ctx)
}
