package pose

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

// LeaderNode is the node name reported while following a leader arm.
const LeaderNode = "leader"

// PositionReader reads raw servo positions by ID. *feetech.ServoGroup
// implements it.
type PositionReader interface {
	Positions(ctx context.Context) (feetech.PositionMap, error)
}

// Leader follows a hand-guided servo arm with torque released.
type Leader struct {
	bus    *feetech.Bus
	group  PositionReader
	cal    robot.Calibration
	mirror bool
	log    *log.Logger
}

// OpenLeader opens the leader arm on port and releases its torque so it can
// be moved by hand.
func OpenLeader(ctx context.Context, port string, cal robot.Calibration, mirror bool, logger *log.Logger) (*Leader, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(robot.ErrCommunication, "open leader %s: %v", port, err)
	}
	group := feetech.NewServoGroupByIDs(bus, cal.JointIDs()...)
	if err := group.DisableAll(ctx); err != nil {
		bus.Close()
		return nil, errors.Wrapf(robot.ErrCommunication, "release leader torque: %v", err)
	}
	l := NewLeader(group, cal, mirror, logger)
	l.bus = bus
	l.log.Info("leader arm passive", "port", port)
	return l, nil
}

// NewLeader follows positions read by group.
func NewLeader(group PositionReader, cal robot.Calibration, mirror bool, logger *log.Logger) *Leader {
	if logger == nil {
		logger = log.Default()
	}
	return &Leader{group: group, cal: cal, mirror: mirror, log: logger.With("source", LeaderNode)}
}

// Sample implements Source. With mirroring the pan and roll joints are inverted.
func (l *Leader) Sample(ctx context.Context, _ time.Time) (robot.Pose, bool, error) {
	raw, err := l.group.Positions(ctx)
	if err != nil {
		return robot.Pose{}, true, errors.Wrapf(robot.ErrCommunication, "read leader: %v", err)
	}
	p := robot.Pose{Node: LeaderNode}
	for i, name := range robot.AllJoints() {
		c := l.cal[name]
		pos, ok := raw[c.ID]
		if !ok {
			return robot.Pose{}, true, errors.Wrapf(robot.ErrCommunication, "no position from leader servo %d (%s)", c.ID, name)
		}
		p.Angles[i] = c.Degrees(pos)
		if l.mirror && (name == robot.ShoulderPan || name == robot.WristRoll) {
			p.Angles[i] = -p.Angles[i]
		}
	}
	return p, true, nil
}

// Close closes the leader bus.
func (l *Leader) Close() error {
	if l.bus == nil {
		return nil
	}
	return l.bus.Close()
}
