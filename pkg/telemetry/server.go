package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

// Controller is the part of a session the server can drive.
type Controller interface {
	Startup(ctx context.Context) error
	Teardown(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
	Home(ctx context.Context) error
	SetPose(angles string) error
	RunTrajectory(traj string) error
	DirectAccess(ctx context.Context, cmd string) (string, error)
}

// Command is a request sent over the websocket.
type Command struct {
	Command string `json:"command"` // startup, teardown, estop, home, pose, trajectory, direct
	Arg     string `json:"arg,omitempty"`
}

// Reply answers a websocket command.
type Reply struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves the hub and accepts commands for the controller.
type Server struct {
	hub *Hub
	ctl Controller
	log *log.Logger
}

// NewServer returns a server. ctl may be nil for a read-only server.
func NewServer(hub *Hub, ctl Controller, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{hub: hub, ctl: ctl, log: logger.With("component", "telemetry")}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	if s.ctl != nil {
		api.HandleFunc("/{command:startup|teardown|estop|home|pose|trajectory|direct}", s.CommandHandler).Methods(http.MethodPost)
	}
	return r
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("serving", "addr", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// StatusHandler answers the latest snapshot.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

// CommandHandler runs the command named in the path with the body as argument.
func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Reply{Error: err.Error()})
		return
	}
	reply := s.run(r.Context(), Command{Command: mux.Vars(r)["command"], Arg: string(body)})
	code := http.StatusOK
	if !reply.OK {
		code = statusCode(reply.err)
	}
	writeJSON(w, code, reply.Reply)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, robot.ErrParse), errors.Is(err, robot.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, robot.ErrCommunication):
		return http.StatusBadGateway
	case errors.Is(err, robot.ErrSafetyViolation), errors.Is(err, robot.ErrAborted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type result struct {
	Reply
	err error
}

func (s *Server) run(ctx context.Context, cmd Command) result {
	var (
		out string
		err error
	)
	switch cmd.Command {
	case "startup":
		err = s.ctl.Startup(ctx)
	case "teardown":
		err = s.ctl.Teardown(ctx)
	case "estop":
		// A stop must not be cut short by the requester going away.
		err = s.ctl.EmergencyStop(context.WithoutCancel(ctx))
	case "home":
		err = s.ctl.Home(ctx)
	case "pose":
		err = s.ctl.SetPose(cmd.Arg)
	case "trajectory":
		err = s.ctl.RunTrajectory(cmd.Arg)
	case "direct":
		out, err = s.ctl.DirectAccess(ctx, cmd.Arg)
	default:
		err = errors.Wrapf(robot.ErrParse, "unknown command %q", cmd.Command)
	}
	s.hub.Touch()
	if err != nil {
		s.log.Warn("command failed", "command", cmd.Command, "err", err)
		return result{Reply: Reply{Command: cmd.Command, Error: err.Error()}, err: err}
	}
	return result{Reply: Reply{Command: cmd.Command, OK: true, Result: out}}
}

// StatusSocketHandler pushes every snapshot and runs commands sent by the client.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	snaps, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	replies := make(chan Reply, 4)
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			reply := Reply{Command: cmd.Command, Error: "read-only server"}
			if s.ctl != nil {
				reply = s.run(ctx, cmd).Reply
			}
			select {
			case replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				s.log.Debug("websocket write", "err", err)
				return
			}
		case reply := <-replies:
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}
