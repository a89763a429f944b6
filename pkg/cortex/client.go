// Package cortex talks to an actuator board over a line protocol carried by
// a serial port or a TCP connection.
package cortex

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/gwillem/armctl/pkg/robot"
)

// DefaultTimeout bounds one request/answer exchange.
const DefaultTimeout = 500 * time.Millisecond

var (
	_ robot.Link      = (*Client)(nil)
	_ robot.Connector = (*Client)(nil)
)

// Dialer opens the byte stream to the board.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// SerialDialer opens a serial port.
func SerialDialer(port string, baud int, timeout time.Duration) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		p, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud, ReadTimeout: timeout})
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", port)
		}
		return p, nil
	}
}

// TCPDialer connects to a board served over TCP.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		return conn, nil
	}
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client is a robot.Link to a remote board.
type Client struct {
	dial    Dialer
	timeout time.Duration
	log     *log.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	r       *bufio.Reader
	healthy bool
}

// New returns a client that connects lazily through dial.
func New(dial Dialer, opts ...Option) *Client {
	c := &Client{dial: dial, timeout: DefaultTimeout, log: log.Default()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "cortex")
	return c
}

// Connect (re)opens the stream and checks the board answers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	return c.Ping(ctx)
}

// Ping checks the board answers, reconnecting if needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, CmdPing)
	return err
}

// Close releases the stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}

// call sends one request and waits for its answer. A transport failure drops
// the stream so that the next call starts on a fresh line.
func (c *Client) call(ctx context.Context, req string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := c.exchangeLocked(ctx, req)
	if err != nil {
		c.healthy = false
		c.closeLocked()
		c.log.Warn("exchange failed", "req", req, "err", err)
		return "", errors.Wrapf(robot.ErrCommunication, "%s: %v", req, err)
	}
	c.healthy = true
	return ParseResponse(line)
}

type answer struct {
	line string
	err  error
}

func (c *Client) exchangeLocked(ctx context.Context, req string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.conn == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return "", err
		}
		c.conn, c.r = conn, bufio.NewReader(conn)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if dc, ok := c.conn.(interface{ SetDeadline(time.Time) error }); ok {
		if err := dc.SetDeadline(deadline); err != nil {
			return "", err
		}
	}

	// The reader goroutine is abandoned on timeout; closing the stream ends it.
	done := make(chan answer, 1)
	conn, r := c.conn, c.r
	go func() {
		if _, err := io.WriteString(conn, req+"\n"); err != nil {
			done <- answer{err: err}
			return
		}
		line, err := r.ReadString('\n')
		done <- answer{line: line, err: err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case a := <-done:
		return a.line, a.err
	case <-timer.C:
		return "", errors.New("timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CommunicationHealthy reports whether the last exchange completed.
func (c *Client) CommunicationHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Setup implements robot.Link.
func (c *Client) Setup(ctx context.Context) error {
	_, err := c.call(ctx, CmdSetup)
	return err
}

// Enable implements robot.Link.
func (c *Client) Enable(ctx context.Context) error {
	_, err := c.call(ctx, CmdEnable)
	return err
}

// Disable implements robot.Link.
func (c *Client) Disable(ctx context.Context) error {
	_, err := c.call(ctx, CmdDisable)
	return err
}

// Power implements robot.Link.
func (c *Client) Power(ctx context.Context, on bool) error {
	arg := "off"
	if on {
		arg = "on"
	}
	_, err := c.call(ctx, CmdPower+" "+arg)
	return err
}

// Info implements robot.Link.
func (c *Client) Info(ctx context.Context) (robot.LifecycleStatus, error) {
	payload, err := c.call(ctx, CmdInfo)
	if err != nil {
		return robot.LifecycleStatus{}, err
	}
	s, err := ParseStatus(payload)
	if err != nil {
		return robot.LifecycleStatus{}, errors.Wrap(robot.ErrCommunication, err.Error())
	}
	return s, nil
}

// Angles implements robot.Link.
func (c *Client) Angles(ctx context.Context) ([robot.NumJoints]robot.ActuatorState, error) {
	payload, err := c.call(ctx, CmdAngles)
	if err != nil {
		return [robot.NumJoints]robot.ActuatorState{}, err
	}
	states, err := ParseStates(payload)
	if err != nil {
		return states, errors.Wrap(robot.ErrCommunication, err.Error())
	}
	return states, nil
}

// Move implements robot.Link.
func (c *Client) Move(ctx context.Context, angles robot.JointAngles, d time.Duration) error {
	_, err := c.call(ctx, MoveRequest(angles, d))
	return err
}

// DirectAccess passes cmd to the board's maintenance interpreter.
func (c *Client) DirectAccess(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		return "", errors.Wrapf(robot.ErrParse, "direct command %q", cmd)
	}
	return c.call(ctx, CmdDirect+" "+cmd)
}
