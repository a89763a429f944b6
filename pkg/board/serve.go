package board

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/armctl/pkg/cortex"
	"github.com/gwillem/armctl/pkg/robot"
)

// Direct commands understood by the board.
const (
	DirectStatus  = "status"  // per joint name:phase:steps:encoder
	DirectMiss    = "miss"    // miss <joint> <n>
	DirectEncoder = "encoder" // encoder <joint> <degrees>
	DirectZombie  = "zombie"
	DirectLink    = "link" // link up|down
)

// DirectAccess runs a board maintenance command. It works while the link
// fault is injected so that the fault can be cleared again.
func (b *Board) DirectAccess(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f := strings.Fields(cmd)
	if len(f) == 0 {
		return "", errors.Wrap(robot.ErrParse, "empty direct command")
	}
	switch f[0] {
	case DirectStatus:
		return b.Report(), nil
	case DirectZombie:
		b.InjectZombie()
		return "", nil
	case DirectLink:
		if len(f) != 2 || (f[1] != "up" && f[1] != "down") {
			return "", errors.Wrapf(robot.ErrParse, "%q: want link up|down", cmd)
		}
		b.SetHealthy(f[1] == "up")
		return "", nil
	case DirectMiss, DirectEncoder:
		if len(f) != 3 {
			return "", errors.Wrapf(robot.ErrParse, "%q: want %s <joint> <value>", cmd, f[0])
		}
		i, ok := robot.JointIndex(robot.JointName(f[1]))
		if !ok {
			return "", errors.Wrapf(robot.ErrParse, "unknown joint %q", f[1])
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return "", errors.Wrapf(robot.ErrParse, "%q: bad value", cmd)
		}
		if f[0] == DirectMiss {
			b.MissSteps(i, int(v))
		} else {
			b.SetEncoder(i, v)
		}
		return "", nil
	}
	return "", errors.Wrapf(robot.ErrParse, "unknown direct command %q", f[0])
}

// Exec answers one protocol request line. While a link fault is injected only
// direct commands are answered and every other request is dropped with an
// empty answer.
func (b *Board) Exec(ctx context.Context, line string) string {
	if !b.CommunicationHealthy() && !strings.HasPrefix(strings.TrimSpace(line), cortex.CmdDirect+" ") {
		return ""
	}
	payload, err := b.exec(ctx, line)
	if err != nil {
		return cortex.FormatErr(err)
	}
	return cortex.FormatOK(payload)
}

func (b *Board) exec(ctx context.Context, line string) (string, error) {
	req, err := cortex.ParseRequest(line)
	if err != nil {
		return "", err
	}
	switch req.Cmd {
	case cortex.CmdPing:
		return "", b.check(ctx)
	case cortex.CmdSetup:
		return "", b.Setup(ctx)
	case cortex.CmdEnable:
		return "", b.Enable(ctx)
	case cortex.CmdDisable:
		return "", b.Disable(ctx)
	case cortex.CmdPower:
		if len(req.Args) != 1 || (req.Args[0] != "on" && req.Args[0] != "off") {
			return "", errors.Wrapf(robot.ErrParse, "%q: want power on|off", line)
		}
		return "", b.Power(ctx, req.Args[0] == "on")
	case cortex.CmdInfo:
		s, err := b.Info(ctx)
		if err != nil {
			return "", err
		}
		return cortex.FormatStatus(s), nil
	case cortex.CmdAngles:
		states, err := b.Angles(ctx)
		if err != nil {
			return "", err
		}
		return cortex.FormatStates(states), nil
	case cortex.CmdMove:
		angles, d, err := cortex.ParseMove(req.Args)
		if err != nil {
			return "", err
		}
		return "", b.Move(ctx, angles, d)
	case cortex.CmdDirect:
		return b.DirectAccess(ctx, strings.Join(req.Args, " "))
	}
	return "", errors.Wrapf(robot.ErrParse, "unknown command %q", req.Cmd)
}

// Serve answers requests read from rw until ctx ends or the peer hangs up.
func (b *Board) Serve(ctx context.Context, rw io.ReadWriter) error {
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		answer := b.Exec(ctx, line)
		if answer == "" {
			continue
		}
		if _, err := io.WriteString(rw, answer+"\n"); err != nil {
			return errors.Wrap(err, "write answer")
		}
	}
	return sc.Err()
}

// ListenAndServe accepts protocol connections on addr until ctx ends.
func (b *Board) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return b.ServeListener(ctx, ln)
}

// ServeListener accepts protocol connections on ln until ctx ends.
func (b *Board) ServeListener(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	b.log.Info("listening", "addr", ln.Addr())
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			b.log.Info("client connected", "remote", conn.RemoteAddr())
			g.Go(func() error {
				go func() {
					<-ctx.Done()
					conn.Close()
				}()
				defer conn.Close()
				if err := b.Serve(ctx, conn); err != nil && ctx.Err() == nil {
					b.log.Warn("client dropped", "remote", conn.RemoteAddr(), "err", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}
