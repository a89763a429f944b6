package robot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
)

var _ Link = (*ServoLink)(nil)

// ServoLink drives an arm of Feetech STS servos as a Link. The servos have no
// switchable supply, so power is tracked here and switching it off always
// releases torque first.
type ServoLink struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
	log         *log.Logger

	mu      sync.Mutex
	servos  map[int]*feetech.Servo
	powered bool
	setup   bool
	enabled bool
	healthy bool
}

// NewServoLink opens the bus on port. The servos are not touched until Setup.
func NewServoLink(port string, cal Calibration, logger *log.Logger) (*ServoLink, error) {
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
		return nil, errors.Wrapf(ErrCommunication, "open bus %s: %v", port, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ServoLink{
		bus:         bus,
		group:       feetech.NewServoGroupByIDs(bus, cal.JointIDs()...),
		calibration: cal,
		log:         logger.With("link", "servo", "port", port),
		servos:      make(map[int]*feetech.Servo),
		healthy:     true,
	}, nil
}

// Close closes the bus connection.
func (s *ServoLink) Close() error {
	return s.bus.Close()
}

// result records the outcome of one bus exchange.
func (s *ServoLink) result(op string, err error) error {
	s.mu.Lock()
	s.healthy = err == nil
	s.mu.Unlock()
	if err != nil {
		s.log.Error("bus exchange failed", "op", op, "err", err)
		return errors.Wrapf(ErrCommunication, "%s: %v", op, err)
	}
	return nil
}

func (s *ServoLink) maxID() int {
	top := 0
	for _, id := range s.calibration.JointIDs() {
		top = max(top, id)
	}
	return top
}

// Setup scans the bus and checks every calibrated servo answers.
func (s *ServoLink) Setup(ctx context.Context) error {
	found, err := s.bus.Scan(ctx, 1, s.maxID())
	if err := s.result("scan", err); err != nil {
		return err
	}
	servos := make(map[int]*feetech.Servo, len(found))
	for _, f := range found {
		servos[f.ID] = feetech.NewServo(s.bus, f.ID, f.Model)
	}
	for _, name := range AllJoints() {
		id := s.calibration[name].ID
		if _, ok := servos[id]; !ok {
			return errors.Wrapf(ErrCommunication, "servo %d (%s) not found", id, name)
		}
	}

	s.mu.Lock()
	s.servos = servos
	s.setup = true
	s.mu.Unlock()
	s.log.Info("servos found", "count", len(found))
	return nil
}

// Enable enables torque on all servos.
func (s *ServoLink) Enable(ctx context.Context) error {
	s.mu.Lock()
	powered := s.powered
	s.mu.Unlock()
	if !powered {
		return errors.Wrap(ErrNotPowered, "enable")
	}
	if err := s.result("enable torque", s.group.EnableAll(ctx)); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	return nil
}

// Disable disables torque on all servos.
func (s *ServoLink) Disable(ctx context.Context) error {
	if err := s.result("disable torque", s.group.DisableAll(ctx)); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	return nil
}

// Power switches the logical supply. Switching off releases torque; the flags
// are cleared even when the bus does not answer.
func (s *ServoLink) Power(ctx context.Context, on bool) error {
	if on {
		s.mu.Lock()
		s.powered = true
		s.mu.Unlock()
		return nil
	}
	err := s.result("power off", s.group.DisableAll(ctx))
	s.mu.Lock()
	s.powered = false
	s.enabled = false
	s.mu.Unlock()
	return err
}

// Info returns the lifecycle flags.
func (s *ServoLink) Info(ctx context.Context) (LifecycleStatus, error) {
	if err := ctx.Err(); err != nil {
		return LifecycleStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return LifecycleStatus{Powered: s.powered, Setup: s.setup, Enabled: s.enabled}, nil
}

// Angles reads current positions from all joints using sync read.
func (s *ServoLink) Angles(ctx context.Context) ([NumJoints]ActuatorState, error) {
	var states [NumJoints]ActuatorState
	raw, err := s.group.Positions(ctx)
	if err := s.result("read positions", err); err != nil {
		return states, err
	}
	for i, name := range AllJoints() {
		cal := s.calibration[name]
		pos, ok := raw[cal.ID]
		if !ok {
			return states, errors.Wrapf(ErrCommunication, "no position from servo %d (%s)", cal.ID, name)
		}
		states[i] = ActuatorState{CurrentAngle: cal.Degrees(pos), Status: fmt.Sprintf("raw=%d", pos)}
	}
	return states, nil
}

// Move writes target positions to all joints with a move time of d.
func (s *ServoLink) Move(ctx context.Context, angles JointAngles, d time.Duration) error {
	s.mu.Lock()
	ready := s.powered && s.enabled
	servos := s.servos
	s.mu.Unlock()
	if !ready {
		return errors.Wrap(ErrNotPowered, "move")
	}

	ms := int(d / time.Millisecond)
	for i, name := range AllJoints() {
		cal := s.calibration[name]
		servo, ok := servos[cal.ID]
		if !ok {
			return errors.Wrapf(ErrCommunication, "servo %d (%s) not set up", cal.ID, name)
		}
		if err := servo.SetPositionWithTime(ctx, cal.Raw(angles[i]), ms); err != nil {
			return s.result(fmt.Sprintf("move %s", name), err)
		}
	}
	return s.result("move", nil)
}

// DirectAccess understands "scan" and "pos <id>".
func (s *ServoLink) DirectAccess(ctx context.Context, cmd string) (string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", errors.Wrap(ErrParse, "empty command")
	}
	switch fields[0] {
	case "scan":
		found, err := s.bus.Scan(ctx, 1, s.maxID())
		if err := s.result("scan", err); err != nil {
			return "", err
		}
		ids := make([]string, 0, len(found))
		sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
		for _, f := range found {
			ids = append(ids, strconv.Itoa(f.ID))
		}
		return strings.Join(ids, ","), nil
	case "pos":
		if len(fields) != 2 {
			return "", errors.Wrap(ErrParse, "usage: pos <id>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", errors.Wrapf(ErrParse, "servo id %q", fields[1])
		}
		s.mu.Lock()
		servo, ok := s.servos[id]
		s.mu.Unlock()
		if !ok {
			return "", errors.Errorf("servo %d not set up", id)
		}
		pos, err := servo.Position(ctx)
		if err := s.result("read position", err); err != nil {
			return "", err
		}
		return strconv.Itoa(pos), nil
	}
	return "", errors.Wrapf(ErrParse, "unknown command %q", fields[0])
}

// CommunicationHealthy reports whether the last bus exchange succeeded.
func (s *ServoLink) CommunicationHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}
